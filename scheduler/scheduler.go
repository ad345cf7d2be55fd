package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store persists entries so they survive a restart.
type Store interface {
	Upsert(ctx context.Context, e Entry) (Entry, error)
	// Due returns at most limit entries with NextRunAt <= now.
	Due(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	Advance(ctx context.Context, key Key, next time.Time) error
	Get(ctx context.Context, key Key) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, key Key) error
}

// Handler runs one occurrence of an entry.
type Handler func(ctx context.Context, e Entry) error

// Observer receives the outcome of every handler run.
type Observer func(kind string, err error)

// Options tunes the scheduler. Zero values select defaults.
type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Now          func() time.Time
	Observe      Observer
	Logger       *slog.Logger
}

// Scheduler fires registered entries on their monthly cadence.
type Scheduler struct {
	store    Store
	interval time.Duration
	batch    int
	now      func() time.Time
	observe  Observer
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New builds a scheduler over store.
func New(store Store, opts Options) *Scheduler {
	s := &Scheduler{
		store:    store,
		interval: opts.PollInterval,
		batch:    opts.BatchSize,
		now:      opts.Now,
		observe:  opts.Observe,
		logger:   opts.Logger,
		handlers: make(map[string]Handler),
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.batch <= 0 {
		s.batch = 100
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.observe == nil {
		s.observe = func(string, error) {}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handle binds the handler for kind, replacing any previous one.
func (s *Scheduler) Handle(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Register upserts the entry for key. Repeated or concurrent calls for the
// same key leave exactly one entry.
func (s *Scheduler) Register(ctx context.Context, key Key, cadence Cadence, payload any) (Entry, error) {
	if key == "" || key.Kind() == string(key) {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if err := cadence.Validate(); err != nil {
		return Entry{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("scheduler: encode payload: %w", err)
	}

	entry, err := s.store.Upsert(ctx, Entry{
		Key:       key,
		Kind:      key.Kind(),
		Cadence:   cadence,
		Payload:   raw,
		NextRunAt: cadence.Next(s.now()),
	})
	if err != nil {
		return Entry{}, fmt.Errorf("scheduler: register %s: %w", key, err)
	}
	return entry, nil
}

// Deregister removes the entry for key. A missing entry is not an error.
func (s *Scheduler) Deregister(ctx context.Context, key Key) error {
	if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("scheduler: deregister %s: %w", key, err)
	}
	return nil
}

// Tick runs every entry due at now. NextRunAt always advances, so a failing
// handler retries on its next occurrence rather than in a hot loop.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.Due(ctx, now, s.batch)
	if err != nil {
		return 0, fmt.Errorf("scheduler: load due entries: %w", err)
	}

	ran := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}

		s.mu.RLock()
		h, ok := s.handlers[e.Kind]
		s.mu.RUnlock()

		var runErr error
		if !ok {
			runErr = fmt.Errorf("scheduler: no handler for kind %q", e.Kind)
		} else {
			runErr = h(ctx, e)
			ran++
		}
		s.observe(e.Kind, runErr)
		if runErr != nil {
			s.logger.Error("scheduled run failed", slog.String("key", string(e.Key)), slog.Any("err", runErr))
		}

		// a handler may deregister its own entry
		if err := s.store.Advance(ctx, e.Key, e.Cadence.Next(now)); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Error("advance schedule", slog.String("key", string(e.Key)), slog.Any("err", err))
		}
	}
	return ran, nil
}

// Run ticks on the poll interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
