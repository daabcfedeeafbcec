// Package engine runs the trading cycle: one tick at a time it provisions
// wallets, buys, watches exits, sells and completes cycles.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-ultibot/events"
	"solana-ultibot/internal/funding"
	"solana-ultibot/internal/observability"
	"solana-ultibot/storage"
)

// ErrTickInProgress is returned when a tick is requested while one runs
var ErrTickInProgress = errors.New("tick already in progress")

// Engine owns every piece of mutable cycle state; nothing is global
type Engine struct {
	deps    Deps
	opts    Options
	now     func() time.Time
	randPct func(min, max float64) float64

	busy    atomic.Bool
	stateMu sync.Mutex // held by a tick or a manual command

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// written only under stateMu
	lastConfig     string
	lastSnapshotAt time.Time
	lastTriggerAt  time.Time
	lastRPCWarned  string

	pendingMu      sync.Mutex
	pendingFunding map[int64]time.Time // wallet id -> privacy funding requested at
}

func New(deps Deps, opts Options) *Engine {
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Funding == nil {
		deps.Funding = funding.NewCalculator(funding.DefaultCacheTTL)
	}
	return &Engine{
		deps:           deps,
		opts:           opts.withDefaults(),
		now:            time.Now,
		pendingFunding: make(map[int64]time.Time),
		randPct: func(min, max float64) float64 {
			if max <= min {
				return min
			}
			return min + rand.Float64()*(max-min)
		},
	}
}

// Start arms the tick loop. The next tick is scheduled TickPeriod after the
// previous one finished, so ticks never overlap.
func (e *Engine) Start(ctx context.Context) {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx, e.done)
	log.Info().Dur("period", e.opts.TickPeriod).Msg("engine started")
}

// Stop disarms the loop and waits for an in-flight tick to finish
func (e *Engine) Stop() {
	e.loopMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("engine stopped")
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// stopping must not interrupt a tick mid-flight
		if err := e.Tick(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrTickInProgress) {
			log.Error().Err(err).Msg("tick abandoned")
		}
		timer.Reset(e.opts.TickPeriod)
	}
}

// Tick runs one pass of the state machine. A second caller while a tick is
// running gets ErrTickInProgress instead of waiting.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.busy.CompareAndSwap(false, true) {
		observability.RecordTick(outcomeSkipped, 0)
		return ErrTickInProgress
	}
	defer e.busy.Store(false)

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	start := time.Now()
	t := &tickState{now: e.now()}
	outcome, err := e.runTick(ctx, t)
	if err != nil {
		outcome = outcomeError
		e.logEvent(ctx, zerolog.ErrorLevel, "tick_failed", err.Error(), nil)
	}
	e.saveState(t, outcome, err)
	observability.RecordTick(outcome, time.Since(start).Seconds())
	return err
}

// runBatch calls fn for 0..n-1 with at most limit calls in flight. A panic
// in one call is logged and does not affect the others.
func runBatch(limit, n int, fn func(i int)) {
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Int("item", i).Msg("batch item panicked")
				}
			}()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// logEvent writes a structured engine event to the log, the store and the stream
func (e *Engine) logEvent(ctx context.Context, level zerolog.Level, kind, msg string, data map[string]interface{}) {
	log.WithLevel(level).Str("kind", kind).Fields(data).Msg(msg)

	raw := ""
	if len(data) > 0 {
		if b, err := json.Marshal(data); err == nil {
			raw = string(b)
		}
	}
	if err := e.deps.DB.InsertEvent(&storage.Event{Type: kind, Level: level.String(), Message: msg, Data: raw}); err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("failed to persist event")
	}
	e.publish(ctx, events.New(events.Log, events.LogData{Level: level.String(), Kind: kind, Message: msg, Data: data}))
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.deps.Publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("failed to publish event")
	}
}

func (e *Engine) saveState(t *tickState, outcome string, tickErr error) {
	st, err := e.deps.DB.GetEngineState()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load engine state")
		st = &storage.EngineState{}
	}
	st.LastTickAt = t.now.Unix()
	st.Status = outcome
	st.LastError = ""
	if tickErr != nil {
		st.LastError = tickErr.Error()
	}
	if t.intruderPct != nil {
		st.LastIntruderPct = t.intruderPct
	}
	if t.quote != nil {
		usd := t.quote.USD
		st.LastPriceUSD = &usd
		st.LastPriceAt = t.quote.At.Unix()
	}
	if err := e.deps.DB.SaveEngineState(st); err != nil {
		log.Warn().Err(err).Msg("failed to save engine state")
	}
}

func fmtLamports(l uint64) string {
	return fmt.Sprintf("%.6f SOL", float64(l)/1e9)
}
