package engine

import (
	"time"

	"github.com/rs/zerolog/log"

	"solana-ultibot/storage"
)

const (
	DefaultEventRetention = 7 * 24 * time.Hour
	DefaultJanitorPeriod  = time.Hour
)

// Janitor prunes the persisted event log
type Janitor struct {
	DB        *storage.DB
	Retention time.Duration
	Period    time.Duration
	stopChan  chan struct{}
	done      chan struct{}
}

// NewJanitor creates a new Janitor
func NewJanitor(db *storage.DB, retention, period time.Duration) *Janitor {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	if period <= 0 {
		period = DefaultJanitorPeriod
	}
	return &Janitor{
		DB:        db,
		Retention: retention,
		Period:    period,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (j *Janitor) Start() {
	ticker := time.NewTicker(j.Period)
	go func() {
		defer close(j.done)
		j.Sweep()
		for {
			select {
			case <-ticker.C:
				j.Sweep()
			case <-j.stopChan:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the janitor
func (j *Janitor) Stop() {
	close(j.stopChan)
	<-j.done
}

// Sweep deletes events older than the retention window
func (j *Janitor) Sweep() int64 {
	n, err := j.DB.CleanupOldEvents(j.Retention)
	if err != nil {
		log.Error().Err(err).Msg("janitor failed to prune events")
		return 0
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Dur("retention", j.Retention).Msg("pruned old events")
	}
	return n
}
