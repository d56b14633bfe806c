package store

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper runs the retention sweep on a cron schedule. The policy can be
// swapped at runtime, so a config reload takes effect without a restart.
type Sweeper struct {
	store  *Store
	cron   *cron.Cron
	policy atomic.Pointer[RetentionPolicy]
	logger zerolog.Logger
}

// NewSweeper schedules periodic sweeps of the store. Schedule accepts
// cron expressions and the @every form, e.g. "@every 1h".
func NewSweeper(st *Store, schedule string, policy RetentionPolicy, logger zerolog.Logger) (*Sweeper, error) {
	sw := &Sweeper{
		store:  st,
		cron:   cron.New(),
		logger: logger,
	}
	sw.policy.Store(&policy)

	if _, err := sw.cron.AddFunc(schedule, sw.runOnce); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return sw, nil
}

// SetPolicy replaces the policy used by subsequent sweep runs
func (sw *Sweeper) SetPolicy(policy RetentionPolicy) {
	sw.policy.Store(&policy)
}

// Start begins scheduled sweeping
func (sw *Sweeper) Start() {
	sw.cron.Start()
	sw.logger.Info().Msg("Retention sweeper started")
}

// Stop halts scheduling and waits for an in-flight sweep to finish
func (sw *Sweeper) Stop() {
	<-sw.cron.Stop().Done()
	sw.logger.Info().Msg("Retention sweeper stopped")
}

func (sw *Sweeper) runOnce() {
	policy := *sw.policy.Load()
	result, err := sw.store.SweepRetention(context.Background(), policy, "")
	if err != nil {
		sw.logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	if result.Total() > 0 {
		sw.logger.Info().
			Int("aged_out", result.AgedOut).
			Int("evicted", result.Evicted).
			Msg("Retention sweep completed")
	}
}
