// Package scheduler runs the wake-schedule worker: a single polling
// loop that dispatches wake commands for schedules whose trigger time
// has passed.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/kaonis/woly-server/internal/config"
	"github.com/kaonis/woly-server/internal/router"
	"github.com/kaonis/woly-server/internal/store"
)

// Waker dispatches a wake command. Implemented by the command router.
type Waker interface {
	RouteWake(hostFqn string, opts router.Options) (*router.Result, error)
}

// Worker is the wake-schedule loop.
type Worker struct {
	log   zerolog.Logger
	cfg   *config.Config
	store *store.Store
	waker Waker
	clock clockwork.Clock

	running atomic.Bool
}

// New creates a schedule worker.
func New(log zerolog.Logger, cfg *config.Config, st *store.Store, waker Waker) *Worker {
	return &Worker{
		log:   log.With().Str("component", "scheduler").Logger(),
		cfg:   cfg,
		store: st,
		waker: waker,
		clock: clockwork.NewRealClock(),
	}
}

// WithClock replaces the worker's clock. Used by tests.
func (w *Worker) WithClock(clock clockwork.Clock) *Worker {
	w.clock = clock
	return w
}

// Run polls for due schedules until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.cfg.SchedulePollInterval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.cfg.SchedulePollInterval).Msg("schedule worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("schedule worker stopped")
			return ctx.Err()
		case <-ticker.Chan():
			w.Tick()
		}
	}
}

// Tick processes one batch of due schedules. Re-entrant calls are
// ignored so a slow batch never overlaps the next one.
func (w *Worker) Tick() {
	if !w.running.CompareAndSwap(false, true) {
		w.log.Warn().Msg("previous schedule tick still running, skipping")
		return
	}
	defer w.running.Store(false)

	now := w.clock.Now()
	due, err := w.store.DueSchedules(now, w.cfg.ScheduleBatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to query due schedules")
		return
	}

	for _, sc := range due {
		w.execute(sc, now)
	}
}

// execute dispatches one scheduled wake. The execution attempt is
// recorded with the original attempt time regardless of the wake
// outcome, so a failing host cannot pin its schedule in the due set.
func (w *Worker) execute(sc *store.WakeSchedule, attemptedAt time.Time) {
	correlationID := fmt.Sprintf("schedule:%s:%d", sc.ID, attemptedAt.UnixMilli())
	log := w.log.With().Str("schedule", sc.ID).Str("host", sc.HostFqn).Logger()

	res, err := w.waker.RouteWake(sc.HostFqn, router.Options{CorrelationID: correlationID})
	if err != nil {
		log.Warn().Err(err).Msg("scheduled wake failed")
	} else {
		log.Info().Str("command", res.CommandID).Str("state", res.State).
			Msg("scheduled wake dispatched")
	}

	if err := w.store.RecordExecutionAttempt(sc.ID, attemptedAt); err != nil {
		log.Error().Err(err).Msg("failed to record schedule execution")
	}
}
