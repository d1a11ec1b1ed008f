// Package scheduler drives the consolidation pipeline: one catch-up run at
// startup and one run every day at a fixed local wall-clock time. Ticks that
// land while a run is still in progress are coalesced, never queued.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vesper-ai/vesper/internal/consolidate"
)

// DefaultHour is the local hour of the daily run.
const DefaultHour = 3

// Runner is the unit of scheduled work.
type Runner interface {
	Run(ctx context.Context) (consolidate.Stats, error)
}

// Scheduler owns the daily consolidation cadence.
type Scheduler struct {
	runner  Runner
	logger  *slog.Logger
	loc     *time.Location
	hour    int
	minute  int
	trigger chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

// New returns a scheduler firing daily at hour:minute in loc. A nil loc
// means local time.
func New(runner Runner, hour, minute int, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		runner:  runner,
		logger:  logger,
		loc:     loc,
		hour:    hour,
		minute:  minute,
		trigger: make(chan struct{}, 1),
	}
}

// Start launches the schedule loop and returns immediately. The startup run
// happens on the loop goroutine so process boot is never blocked on
// consolidation. Cancel ctx to stop; Wait blocks until the loop exits.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce(ctx, "startup")
		s.loop(ctx)
	}()
}

// Wait blocks until the schedule loop has exited. An in-flight run finishes
// first; its context is already cancelled, so it winds down promptly.
func (s *Scheduler) Wait() { s.wg.Wait() }

// TriggerNow requests an immediate run. Requests arriving while a run is in
// flight collapse into at most one follow-up run.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next := NextRun(time.Now().In(s.loc), s.hour, s.minute)
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx, "daily")
		case <-s.trigger:
			timer.Stop()
			s.runOnce(ctx, "manual")
		}
	}
}

// runOnce executes the runner unless one is already in flight.
func (s *Scheduler) runOnce(ctx context.Context, reason string) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("consolidation already running, tick coalesced", "reason", reason)
		return
	}
	defer s.running.Store(false)

	stats, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled consolidation failed", "reason", reason, "error", err)
		return
	}
	s.logger.Info("scheduled consolidation finished",
		"reason", reason,
		"memories_processed", stats.MemoriesProcessed,
		"duration_ms", stats.DurationMS,
	)
}

// NextRun returns the next hour:minute wall-clock instant strictly after
// now, in now's location.
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
