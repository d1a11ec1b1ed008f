package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesper-ai/vesper/internal/consolidate"
)

// fakeRunner counts runs and can hold each run open until released.
type fakeRunner struct {
	runs    atomic.Int32
	release chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context) (consolidate.Stats, error) {
	f.runs.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	return consolidate.Stats{}, nil
}

func TestNextRun(t *testing.T) {
	loc := time.UTC

	beforeThree := time.Date(2026, 8, 24, 1, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 8, 24, 3, 0, 0, 0, loc), NextRun(beforeThree, 3, 0))

	afterThree := time.Date(2026, 8, 24, 14, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 8, 25, 3, 0, 0, 0, loc), NextRun(afterThree, 3, 0))

	exactlyThree := time.Date(2026, 8, 24, 3, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 8, 25, 3, 0, 0, 0, loc), NextRun(exactlyThree, 3, 0),
		"an exact hit schedules the next day, the current tick already fired")
}

func TestStartRunsImmediately(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, 3, 0, time.UTC, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	require.Eventually(t, func() bool { return runner.runs.Load() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()
}

func TestTriggerNow(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, 3, 0, time.UTC, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.Eventually(t, func() bool { return runner.runs.Load() == 1 },
		time.Second, 5*time.Millisecond)

	s.TriggerNow()
	require.Eventually(t, func() bool { return runner.runs.Load() == 2 },
		time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()
}

func TestOverlappingTicksCoalesce(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s := New(runner, 3, 0, time.UTC, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hold the startup run open, then fire ticks at it directly.
	s.Start(ctx)
	require.Eventually(t, func() bool { return runner.runs.Load() == 1 },
		time.Second, 5*time.Millisecond)

	s.runOnce(ctx, "tick")
	s.runOnce(ctx, "tick")
	assert.Equal(t, int32(1), runner.runs.Load(), "ticks during a run never stack")

	close(runner.release)
	cancel()
	s.Wait()
}
