// Package sqlitestore provides a SQLite-backed schedule store for
// single-node deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ledgerflow/scheduler"
)

// claimLease mirrors the Postgres store: a claimed entry is hidden from Due
// until it is advanced or the lease runs out.
const claimLease = 15 * time.Minute

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
    key          TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    day_of_month INTEGER NOT NULL CHECK (day_of_month BETWEEN 1 AND 28),
    payload      BLOB NOT NULL,
    next_run_at  INTEGER NOT NULL,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS schedules_next_run_idx ON schedules (next_run_at);`

// Store persists schedule entries in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps claims serialised.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

const entryColumns = `key, kind, day_of_month, payload, next_run_at, created_at, updated_at`

// Upsert inserts or replaces the entry for e.Key, keeping the stored next
// run when the day of month is unchanged.
func (s *Store) Upsert(ctx context.Context, e scheduler.Entry) (scheduler.Entry, error) {
	now := toMillis(s.now())
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO schedules (key, kind, day_of_month, payload, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			next_run_at = CASE
				WHEN schedules.day_of_month = excluded.day_of_month THEN schedules.next_run_at
				ELSE excluded.next_run_at
			END,
			day_of_month = excluded.day_of_month,
			updated_at = excluded.updated_at`,
		string(e.Key), e.Kind, e.Cadence.DayOfMonth, []byte(e.Payload), toMillis(e.NextRunAt), now, now,
	)
	if err != nil {
		return scheduler.Entry{}, fmt.Errorf("upsert schedule: %w", err)
	}
	return s.Get(ctx, e.Key)
}

// Due claims up to limit entries whose next run has passed.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]scheduler.Entry, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM schedules WHERE next_run_at <= ? ORDER BY next_run_at LIMIT ?`,
		toMillis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due: %w", err)
	}
	var out []scheduler.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate due: %w", err)
	}
	rows.Close()

	lease := toMillis(now.Add(claimLease))
	for _, e := range out {
		if _, err := tx.ExecContext(ctx, `UPDATE schedules SET next_run_at = ? WHERE key = ?`, lease, string(e.Key)); err != nil {
			return nil, fmt.Errorf("claim %s: %w", e.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

// Advance sets the next run of key.
func (s *Store) Advance(ctx context.Context, key scheduler.Key, next time.Time) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = ?, updated_at = ? WHERE key = ?`,
		toMillis(next), toMillis(s.now()), string(key),
	)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	return requireRow(res)
}

// Get returns the entry for key.
func (s *Store) Get(ctx context.Context, key scheduler.Key) (scheduler.Entry, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM schedules WHERE key = ?`, string(key))
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return scheduler.Entry{}, scheduler.ErrNotFound
		}
		return scheduler.Entry{}, fmt.Errorf("get schedule: %w", err)
	}
	return e, nil
}

// List returns every entry ordered by key.
func (s *Store) List(ctx context.Context) ([]scheduler.Entry, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+entryColumns+` FROM schedules ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []scheduler.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key scheduler.Key) error {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM schedules WHERE key = ?`, string(key))
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return scheduler.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (scheduler.Entry, error) {
	var e scheduler.Entry
	var key string
	var payload []byte
	var nextRun, created, updated int64
	if err := row.Scan(&key, &e.Kind, &e.Cadence.DayOfMonth, &payload, &nextRun, &created, &updated); err != nil {
		return scheduler.Entry{}, err
	}
	e.Key = scheduler.Key(key)
	e.Payload = payload
	e.NextRunAt = fromMillis(nextRun)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return e, nil
}
