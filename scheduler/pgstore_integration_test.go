package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgerflow/db"
)

func openPGStore(t *testing.T) (*PGStore, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPGStore(pool), pool
}

func countKey(t *testing.T, pool *pgxpool.Pool, key Key) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(context.Background(), `SELECT count(*) FROM schedules WHERE key = $1`, string(key)).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// TestPGStore_Integration registers, claims, reschedules and removes one
// entry against a real PostgreSQL.
func TestPGStore_Integration(t *testing.T) {
	store, pool := openPGStore(t)
	ctx := context.Background()

	// dates far in the past keep live entries out of the claims below
	now := time.Date(2001, 1, 10, 0, 0, 0, 0, time.UTC)
	s := New(store, Options{Now: func() time.Time { return now }})
	key := KeyFor("disbursement", uuid.NewString())
	t.Cleanup(func() { _ = store.Delete(context.Background(), key) })

	first, err := s.Register(ctx, key, Cadence{DayOfMonth: 15}, map[string]string{"v": "1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	wantFirst := time.Date(2001, 1, 15, 0, 0, 0, 0, time.UTC)
	if !first.NextRunAt.Equal(wantFirst) {
		t.Fatalf("next run = %s, want %s", first.NextRunAt, wantFirst)
	}

	// same day of month past the pending run: the stored run is kept
	now = time.Date(2001, 1, 20, 0, 0, 0, 0, time.UTC)
	second, err := s.Register(ctx, key, Cadence{DayOfMonth: 15}, map[string]string{"v": "2"})
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if !second.NextRunAt.Equal(wantFirst) {
		t.Fatalf("re-register moved next run to %s", second.NextRunAt)
	}
	var payload map[string]string
	if err := json.Unmarshal(second.Payload, &payload); err != nil || payload["v"] != "2" {
		t.Fatalf("payload not replaced: %s (%v)", second.Payload, err)
	}
	if n := countKey(t, pool, key); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	claimAt := time.Date(2001, 1, 15, 0, 0, 1, 0, time.UTC)
	due, err := store.Due(ctx, claimAt, 1000)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if !containsKey(due, key) {
		t.Fatalf("expected %s to be claimed", key)
	}
	for _, e := range due {
		if e.Key == key && !e.NextRunAt.Equal(wantFirst) {
			t.Fatalf("claimed run = %s, want %s", e.NextRunAt, wantFirst)
		}
	}

	// within the lease another claimer must not see it
	again, err := store.Due(ctx, claimAt.Add(claimLease/2), 1000)
	if err != nil {
		t.Fatalf("due again: %v", err)
	}
	if containsKey(again, key) {
		t.Fatalf("%s claimed twice inside the lease", key)
	}

	// after the lease a crashed claimer's entry is picked up again
	late, err := store.Due(ctx, claimAt.Add(claimLease+time.Second), 1000)
	if err != nil {
		t.Fatalf("due after lease: %v", err)
	}
	if !containsKey(late, key) {
		t.Fatalf("expected %s to be reclaimed after the lease", key)
	}

	// a changed day of month resets the next run
	now = time.Date(2001, 2, 1, 0, 0, 0, 0, time.UTC)
	moved, err := s.Register(ctx, key, Cadence{DayOfMonth: 3}, nil)
	if err != nil {
		t.Fatalf("register new cadence: %v", err)
	}
	if want := time.Date(2001, 2, 3, 0, 0, 0, 0, time.UTC); !moved.NextRunAt.Equal(want) {
		t.Fatalf("next run = %s, want %s", moved.NextRunAt, want)
	}

	next := time.Date(2001, 3, 3, 0, 0, 0, 0, time.UTC)
	if err := store.Advance(ctx, key, next); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.NextRunAt.Equal(next) || got.Cadence.DayOfMonth != 3 || got.Kind != "disbursement" {
		t.Fatalf("unexpected entry %+v", got)
	}

	if err := s.Deregister(ctx, key); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Advance(ctx, key, next); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from advance, got %v", err)
	}
	if err := store.Delete(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from delete, got %v", err)
	}
}

func containsKey(entries []Entry, key Key) bool {
	for _, e := range entries {
		if e.Key == key {
			return true
		}
	}
	return false
}
