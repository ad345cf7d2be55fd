package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgerflow/money"
)

var (
	// ErrNotFound signals that no wallet is registered for the address.
	ErrNotFound = errors.New("wallet: not found")
	// ErrDuplicateAddress signals that the address is already registered.
	ErrDuplicateAddress = errors.New("wallet: address already exists")
)

// Reader is the lookup the orchestrator needs.
type Reader interface {
	GetByAddress(ctx context.Context, address string) (Wallet, error)
}

// PGRepository implements Reader backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed wallet repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts a wallet record.
func (r *PGRepository) Create(ctx context.Context, w Wallet) (Wallet, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	const insertSQL = `
		INSERT INTO wallets (id, address, currency, mnemonic, salt, owner_id, company_id, kind)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)
		RETURNING id, address, currency, mnemonic, salt, owner_id, company_id, kind, created_at`

	out, err := scanWallet(r.pool.QueryRow(ctx, insertSQL,
		w.ID, normalizeAddress(w.Address), string(w.Currency), w.Mnemonic, w.Salt, w.OwnerID, w.CompanyID, string(w.Kind),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Wallet{}, ErrDuplicateAddress
		}
		return Wallet{}, fmt.Errorf("wallet: create: %w", err)
	}
	return out, nil
}

// GetByAddress retrieves a wallet by its ledger address, case-insensitively.
func (r *PGRepository) GetByAddress(ctx context.Context, address string) (Wallet, error) {
	const selectSQL = `
		SELECT id, address, currency, mnemonic, salt, owner_id, company_id, kind, created_at
		FROM wallets
		WHERE address = $1`

	out, err := scanWallet(r.pool.QueryRow(ctx, selectSQL, normalizeAddress(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, fmt.Errorf("wallet: get by address: %w", err)
	}
	return out, nil
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w        Wallet
		currency string
		kind     string
		mnemonic *string
		salt     *string
	)
	if err := row.Scan(&w.ID, &w.Address, &currency, &mnemonic, &salt, &w.OwnerID, &w.CompanyID, &kind, &w.CreatedAt); err != nil {
		return Wallet{}, err
	}
	w.Currency = money.Currency(currency)
	w.Kind = Kind(kind)
	if mnemonic != nil {
		w.Mnemonic = *mnemonic
	}
	if salt != nil {
		w.Salt = *salt
	}
	return w, nil
}
