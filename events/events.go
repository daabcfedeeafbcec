// Package events carries the engine's real-time event stream to its
// collaborators (dashboards, alerting, the privacy-routing service).
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	BotConfig             Type = "bot_config"
	Metrics               Type = "ultibot_metrics"
	Holders               Type = "ultibot_holders"
	IntruderTrigger       Type = "intruder_trigger"
	Log                   Type = "ultibot_event"
	PositionSold          Type = "position_sold"
	WalletsImported       Type = "wallets_imported"
	PrivacyFundingRequest Type = "privacy_funding_request"
	PrivacyProfitTransfer Type = "privacy_profit_transfer"
	PrivacyFundingReturn  Type = "privacy_funding_return"
)

// Event is one message on the stream
type Event struct {
	ID   string      `json:"id"`
	Type Type        `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

func New(t Type, data interface{}) Event {
	return Event{ID: uuid.NewString(), Type: t, Time: time.Now().UTC(), Data: data}
}

// LogData is the payload of a Log event
type LogData struct {
	Level   string                 `json:"level"`
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// MetricsData is the payload of a Metrics event
type MetricsData struct {
	Mint         string   `json:"mint"`
	PriceUSD     *float64 `json:"price_usd"`
	PriceSource  string   `json:"price_source,omitempty"`
	MarketCapUSD *float64 `json:"market_cap_usd"`
	IntruderPct  *float64 `json:"intruder_pct"`
	HolderCount  int      `json:"holder_count"`
}

// TransferData is the payload of the privacy transfer requests
type TransferData struct {
	CycleID  int64  `json:"cycle_id"`
	WalletID int64  `json:"wallet_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Lamports uint64 `json:"lamports"`
	Purpose  string `json:"purpose"`
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every publisher and joins their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps every published event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of what was published
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
