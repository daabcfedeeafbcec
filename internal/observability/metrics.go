// Package observability provides Prometheus metrics for the trading engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Tick metrics
	TicksTotal   *prometheus.CounterVec
	TickDuration prometheus.Histogram

	// Trading metrics
	TradesTotal    *prometheus.CounterVec
	SwapProvider   *prometheus.CounterVec
	SwapFallbacks  prometheus.Counter
	TransfersTotal *prometheus.CounterVec

	// Remote call metrics
	RPCRetries *prometheus.CounterVec

	// Market metrics
	IntruderPct   prometheus.Gauge
	PriceUSD      prometheus.Gauge
	PriceSource   *prometheus.CounterVec
	HolderCount   prometheus.Gauge
	OpenPositions prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ultibot"
	}

	return &Metrics{
		TicksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Total number of engine ticks by outcome",
		}, []string{"outcome"}),
		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Duration of engine ticks",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		TradesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "trades_total",
			Help:      "Total number of swap attempts by side and final status",
		}, []string{"side", "status"}),
		SwapProvider: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "swap_provider_total",
			Help:      "Successful swaps by provider",
		}, []string{"provider"}),
		SwapFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "swap_fallbacks_total",
			Help:      "Swaps that fell back to the secondary provider",
		}),
		TransfersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "transfers_total",
			Help:      "SOL transfers by route and purpose",
		}, []string{"route", "purpose"}),

		RPCRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "retries_total",
			Help:      "Rate-limited remote calls that were retried",
		}, []string{"op"}),

		IntruderPct: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "intruder_pct",
			Help:      "Share of supply held by non-whitelisted owners",
		}),
		PriceUSD: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "price_usd",
			Help:      "Last resolved token price in USD",
		}),
		PriceSource: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "price_resolutions_total",
			Help:      "Price resolutions by winning source",
		}, []string{"source"}),
		HolderCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "holders",
			Help:      "Holders in the latest snapshot",
		}),
		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "open_positions",
			Help:      "Open positions in the running cycle",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTick records a completed tick.
func RecordTick(outcome string, seconds float64) {
	DefaultMetrics.TicksTotal.WithLabelValues(outcome).Inc()
	DefaultMetrics.TickDuration.Observe(seconds)
}

// RecordTrade records a finalized trade.
func RecordTrade(side, status string) {
	DefaultMetrics.TradesTotal.WithLabelValues(side, status).Inc()
}

// RecordSwap records which provider served a swap.
func RecordSwap(provider string, fellBack bool) {
	DefaultMetrics.SwapProvider.WithLabelValues(provider).Inc()
	if fellBack {
		DefaultMetrics.SwapFallbacks.Inc()
	}
}

// RecordTransfer records a SOL movement.
func RecordTransfer(route, purpose string) {
	DefaultMetrics.TransfersTotal.WithLabelValues(route, purpose).Inc()
}

// RecordRetry is installed as the rpc guard's retry hook.
func RecordRetry(op string) {
	DefaultMetrics.RPCRetries.WithLabelValues(op).Inc()
}

// RecordPrice records the resolved price and its source.
func RecordPrice(source string, usd float64) {
	DefaultMetrics.PriceSource.WithLabelValues(source).Inc()
	if usd > 0 {
		DefaultMetrics.PriceUSD.Set(usd)
	}
}

// UpdateHolders records the latest snapshot figures.
func UpdateHolders(holders int, intruderPct float64) {
	DefaultMetrics.HolderCount.Set(float64(holders))
	DefaultMetrics.IntruderPct.Set(intruderPct)
}

// UpdateOpenPositions sets the open positions gauge.
func UpdateOpenPositions(n int) {
	DefaultMetrics.OpenPositions.Set(float64(n))
}
