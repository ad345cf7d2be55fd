package agreement

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound is returned when no agreement row matches.
	ErrNotFound = errors.New("agreement: not found")
	// ErrInvalidTransition is returned for moves the state machine forbids.
	ErrInvalidTransition = errors.New("agreement: invalid transition")
	// ErrUnknownAgreementTerm rejects terms other than fixed or permanent.
	ErrUnknownAgreementTerm = errors.New("agreement: unknown agreement term")
	// ErrAlreadySigned is returned when the contract already carries the employee signature.
	ErrAlreadySigned = errors.New("agreement: already signed")
	// ErrNotDeployed is returned when signing is attempted before deployment finished.
	ErrNotDeployed = errors.New("agreement: not deployed")
)

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	TxBeginner
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the agreement persistence the lifecycle manager consumes.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Agreement, error)
	GetByStatus(ctx context.Context, status Status) ([]Agreement, error)
	GetByOnChainAddress(ctx context.Context, address string) (Agreement, error)
	GetByTxRef(ctx context.Context, ref string) (Agreement, error)
	Save(ctx context.Context, a Agreement) (Agreement, error)
	Transition(ctx context.Context, params TransitionParams) (bool, error)
}

// PGRepository implements Store backed by PostgreSQL.
type PGRepository struct {
	pool DB
}

// NewRepository creates a PostgreSQL-backed agreement repository.
func NewRepository(pool DB) *PGRepository {
	return &PGRepository{pool: pool}
}
