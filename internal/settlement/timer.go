package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs the scheduled batch and then the retry pass on a fixed
// interval. A row the batch just failed is left alone by the retry pass
// until its backoff elapses.
type Timer struct {
	scheduler *Scheduler
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewTimer creates a new batch timer.
func NewTimer(scheduler *Scheduler, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		scheduler: scheduler,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the batch loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement timer", "panic", fmt.Sprint(r))
		}
	}()

	now := time.Now()
	if _, err := t.scheduler.RunBatch(ctx, now); err != nil {
		if errors.Is(err, ErrBatchInProgress) {
			t.logger.Debug("settlement batch skipped, lease held elsewhere")
			return
		}
		t.logger.Warn("settlement batch failed", "error", err)
	}
	if _, err := t.scheduler.RetryFailed(ctx, now); err != nil && !errors.Is(err, ErrBatchInProgress) {
		t.logger.Warn("settlement retry failed", "error", err)
	}
}
