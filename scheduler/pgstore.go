package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// claimLease holds a claimed entry away from other replicas while its
// handler runs. A crashed replica's claim expires after the lease.
const claimLease = 15 * time.Minute

// PGStore implements Store on the schedules table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PostgreSQL-backed schedule store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const entryColumns = `key, kind, day_of_month, payload, next_run_at, created_at, updated_at`

// Upsert inserts or replaces the entry for e.Key. An unchanged day of month
// keeps the stored next run so a restart never skips a pending occurrence.
func (s *PGStore) Upsert(ctx context.Context, e Entry) (Entry, error) {
	const query = `
		INSERT INTO schedules (key, kind, day_of_month, payload, next_run_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			kind = EXCLUDED.kind,
			payload = EXCLUDED.payload,
			next_run_at = CASE
				WHEN schedules.day_of_month = EXCLUDED.day_of_month THEN schedules.next_run_at
				ELSE EXCLUDED.next_run_at
			END,
			day_of_month = EXCLUDED.day_of_month,
			updated_at = now()
		RETURNING ` + entryColumns

	out, err := scanEntry(s.pool.QueryRow(ctx, query,
		string(e.Key), e.Kind, e.Cadence.DayOfMonth, []byte(e.Payload), e.NextRunAt.UTC(),
	))
	if err != nil {
		return Entry{}, fmt.Errorf("scheduler: upsert: %w", err)
	}
	return out, nil
}

// Due claims up to limit entries whose next run has passed.
func (s *PGStore) Due(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	const query = `
		WITH due AS (
			SELECT key, next_run_at
			FROM schedules
			WHERE next_run_at <= $1
			ORDER BY next_run_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE schedules s
		SET next_run_at = $3, updated_at = now()
		FROM due
		WHERE s.key = due.key
		RETURNING s.key, s.kind, s.day_of_month, s.payload, due.next_run_at, s.created_at, s.updated_at`

	rows, err := s.pool.Query(ctx, query, now.UTC(), limit, now.UTC().Add(claimLease))
	if err != nil {
		return nil, fmt.Errorf("scheduler: claim due: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduler: scan due: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler: iterate due: %w", err)
	}
	return out, nil
}

// Advance sets the next run of key.
func (s *PGStore) Advance(ctx context.Context, key Key, next time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE schedules SET next_run_at = $2, updated_at = now() WHERE key = $1`, string(key), next.UTC())
	if err != nil {
		return fmt.Errorf("scheduler: advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the entry for key.
func (s *PGStore) Get(ctx context.Context, key Key) (Entry, error) {
	out, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM schedules WHERE key = $1`, string(key)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("scheduler: get: %w", err)
	}
	return out, nil
}

// List returns every entry ordered by key.
func (s *PGStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM schedules ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduler: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes the entry for key.
func (s *PGStore) Delete(ctx context.Context, key Key) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE key = $1`, string(key))
	if err != nil {
		return fmt.Errorf("scheduler: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e       Entry
		key     string
		payload []byte
	)
	if err := row.Scan(&key, &e.Kind, &e.Cadence.DayOfMonth, &payload, &e.NextRunAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	e.Key = Key(key)
	e.Payload = payload
	return e, nil
}
