package intent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgerflow/money"
)

var (
	// ErrNotFound is returned when no intent matches the lookup.
	ErrNotFound = errors.New("intent: not found")
	// ErrDuplicateReference signals a ledger reference already recorded on another intent.
	ErrDuplicateReference = errors.New("intent: duplicate reference")
	// ErrNotUnconfirmed is returned when a submission targets an intent that already left unconfirmed.
	ErrNotUnconfirmed = errors.New("intent: not in unconfirmed state")
)

// Store is the narrow contract the reconciliation loops consume.
type Store interface {
	GetByStatus(ctx context.Context, currency money.Currency, status Status) ([]Intent, error)
	UpdateStatusByReferences(ctx context.Context, status Status, refs []string) ([]string, error)
	GetByReference(ctx context.Context, ref string) (Intent, error)
}

// PGRepository implements Store backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed intent repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const selectColumns = `id, reference, sender, receiver, amount, currency, status, detail, login, verification_id, created_at, updated_at`

// Create inserts a new intent, assigning an id when missing.
func (r *PGRepository) Create(ctx context.Context, in Intent) (Intent, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Status == "" {
		in.Status = StatusUnconfirmed
	}

	const insertSQL = `
		INSERT INTO transaction_intents (id, reference, sender, receiver, amount, currency, status, detail, login, verification_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + selectColumns

	out, err := scanIntent(r.pool.QueryRow(ctx, insertSQL,
		in.ID, in.Reference, in.Sender, in.Receiver, in.Amount, string(in.Currency), string(in.Status), in.Detail, in.Login, in.VerificationID,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Intent{}, ErrDuplicateReference
		}
		return Intent{}, fmt.Errorf("intent: create: %w", err)
	}
	return out, nil
}

// Get fetches an intent by its local id.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Intent, error) {
	out, err := scanIntent(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM transaction_intents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Intent{}, ErrNotFound
		}
		return Intent{}, fmt.Errorf("intent: get: %w", err)
	}
	return out, nil
}

// GetByReference fetches an intent by its ledger reference.
func (r *PGRepository) GetByReference(ctx context.Context, ref string) (Intent, error) {
	if ref == "" {
		return Intent{}, ErrNotFound
	}
	out, err := scanIntent(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM transaction_intents WHERE reference = $1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Intent{}, ErrNotFound
		}
		return Intent{}, fmt.Errorf("intent: get by reference: %w", err)
	}
	return out, nil
}

// GetByStatus lists intents of one currency in the given status, oldest first.
func (r *PGRepository) GetByStatus(ctx context.Context, currency money.Currency, status Status) ([]Intent, error) {
	const query = `SELECT ` + selectColumns + `
		FROM transaction_intents
		WHERE currency = $1 AND status = $2
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, string(currency), string(status))
	if err != nil {
		return nil, fmt.Errorf("intent: list by status: %w", err)
	}
	defer rows.Close()

	out := make([]Intent, 0, 16)
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("intent: scan: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("intent: iterate: %w", err)
	}
	return out, nil
}

// UpdateStatusByReferences moves every non-terminal intent whose reference is
// in refs to status and returns the references that actually changed. Intents
// already in a terminal status are left untouched, so replaying an event is a
// no-op.
func (r *PGRepository) UpdateStatusByReferences(ctx context.Context, status Status, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	const updateSQL = `
		UPDATE transaction_intents
		SET status = $1, updated_at = now()
		WHERE reference = ANY($2)
		  AND status NOT IN ('success', 'failure')
		  AND status <> $1
		RETURNING reference`

	rows, err := r.pool.Query(ctx, updateSQL, string(status), refs)
	if err != nil {
		return nil, fmt.Errorf("intent: update status: %w", err)
	}
	defer rows.Close()

	changed := make([]string, 0, len(refs))
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("intent: scan updated reference: %w", err)
		}
		changed = append(changed, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("intent: iterate updated references: %w", err)
	}
	return changed, nil
}

// MarkPending records the ledger reference of an accepted submission.
func (r *PGRepository) MarkPending(ctx context.Context, id uuid.UUID, ref string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transaction_intents
		SET status = 'pending', reference = $2, updated_at = now()
		WHERE id = $1 AND status = 'unconfirmed'`, id, ref)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("intent: mark pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotUnconfirmed
	}
	return nil
}

// MarkFailed records a rejected submission. The intent becomes terminal.
func (r *PGRepository) MarkFailed(ctx context.Context, id uuid.UUID, detail string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transaction_intents
		SET status = 'failure', detail = $2, updated_at = now()
		WHERE id = $1 AND status = 'unconfirmed'`, id, detail)
	if err != nil {
		return fmt.Errorf("intent: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotUnconfirmed
	}
	return nil
}

func scanIntent(row pgx.Row) (Intent, error) {
	var (
		in       Intent
		currency string
		status   string
	)
	if err := row.Scan(
		&in.ID,
		&in.Reference,
		&in.Sender,
		&in.Receiver,
		&in.Amount,
		&currency,
		&status,
		&in.Detail,
		&in.Login,
		&in.VerificationID,
		&in.CreatedAt,
		&in.UpdatedAt,
	); err != nil {
		return Intent{}, err
	}
	in.Currency = money.Currency(currency)
	st, err := ParseStatus(status)
	if err != nil {
		return Intent{}, err
	}
	in.Status = st
	return in, nil
}
