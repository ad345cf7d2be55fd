// Package repeat runs a function on a fixed interval until told to stop.
package repeat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task calls Fn once immediately and then every Interval.
type Task struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
	Logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	initOnce sync.Once
}

func (t *Task) init() {
	t.initOnce.Do(func() {
		t.stop = make(chan struct{})
		if t.Logger == nil {
			t.Logger = slog.Default()
		}
	})
}

// Run blocks until ctx is cancelled or Stop is called. Errors from Fn are
// logged and never end the loop.
func (t *Task) Run(ctx context.Context) error {
	t.init()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.stop:
			return nil
		case <-timer.C:
		}

		t.Step(ctx)

		// shutdown flag is checked before rescheduling
		select {
		case <-ctx.Done():
			return nil
		case <-t.stop:
			return nil
		default:
		}
		timer.Reset(t.Interval)
	}
}

// Step runs Fn exactly once.
func (t *Task) Step(ctx context.Context) {
	t.init()
	if err := t.Fn(ctx); err != nil && ctx.Err() == nil {
		t.Logger.Error("repeating task failed", slog.String("task", t.Name), slog.Any("err", err))
	}
}

// Stop ends Run after the in-flight call returns. Safe to call more than once.
func (t *Task) Stop() {
	t.init()
	t.stopOnce.Do(func() { close(t.stop) })
}
