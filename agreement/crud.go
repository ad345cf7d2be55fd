package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ledgerflow/money"
)

const selectColumns = `id, employee_id, employer_wallet, employee_wallet, job_title,
	salary_currency, salary_amount, day_of_payments,
	term_kind, start_date, period_start, period_end,
	status, tx_hash, contract_address, sign_tx_hash, is_signed_by_employee, signed_at,
	created_at, updated_at`

// Create inserts a draft agreement.
func (r *PGRepository) Create(ctx context.Context, a Agreement) (Agreement, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.EmployerWallet == "" || a.EmployeeWallet == "" {
		return Agreement{}, fmt.Errorf("agreement: wallets required")
	}

	const insertSQL = `
		INSERT INTO agreements (id, employee_id, employer_wallet, employee_wallet, job_title,
			salary_currency, salary_amount, day_of_payments,
			term_kind, start_date, period_start, period_end, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'draft')
		RETURNING ` + selectColumns

	out, err := scanAgreement(r.pool.QueryRow(ctx, insertSQL,
		a.ID, a.EmployeeID, normalizeAddress(a.EmployerWallet), normalizeAddress(a.EmployeeWallet), a.JobTitle,
		string(a.Compensation.Currency), a.Compensation.Amount, a.PaymentDay(),
		string(a.Term.Kind), a.Term.StartDate, a.Term.PeriodStart, a.Term.PeriodEnd,
	))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: create: %w", err)
	}
	return out, nil
}

// Save updates the descriptive fields of an agreement. Status and on-chain
// fields only change through Transition.
func (r *PGRepository) Save(ctx context.Context, a Agreement) (Agreement, error) {
	const updateSQL = `
		UPDATE agreements
		SET employee_id=$2, employer_wallet=$3, employee_wallet=$4, job_title=$5,
			salary_currency=$6, salary_amount=$7, day_of_payments=$8,
			term_kind=$9, start_date=$10, period_start=$11, period_end=$12,
			updated_at=now()
		WHERE id=$1
		RETURNING ` + selectColumns

	out, err := scanAgreement(r.pool.QueryRow(ctx, updateSQL,
		a.ID, a.EmployeeID, normalizeAddress(a.EmployerWallet), normalizeAddress(a.EmployeeWallet), a.JobTitle,
		string(a.Compensation.Currency), a.Compensation.Amount, a.PaymentDay(),
		string(a.Term.Kind), a.Term.StartDate, a.Term.PeriodStart, a.Term.PeriodEnd,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: save: %w", err)
	}
	return out, nil
}

// Get fetches an agreement by id.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Agreement, error) {
	return r.getOne(ctx, `SELECT `+selectColumns+` FROM agreements WHERE id = $1`, id)
}

// GetByOnChainAddress fetches the agreement deployed at address.
func (r *PGRepository) GetByOnChainAddress(ctx context.Context, address string) (Agreement, error) {
	return r.getOne(ctx, `SELECT `+selectColumns+` FROM agreements WHERE lower(contract_address) = $1`, normalizeAddress(address))
}

// GetByTxRef fetches the agreement whose deploy or sign transaction is ref.
func (r *PGRepository) GetByTxRef(ctx context.Context, ref string) (Agreement, error) {
	if strings.TrimSpace(ref) == "" {
		return Agreement{}, ErrNotFound
	}
	return r.getOne(ctx, `SELECT `+selectColumns+` FROM agreements WHERE tx_hash = $1 OR sign_tx_hash = $1 LIMIT 1`, ref)
}

// GetByStatus lists agreements in status, oldest first.
func (r *PGRepository) GetByStatus(ctx context.Context, status Status) ([]Agreement, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+selectColumns+` FROM agreements WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("agreement: get by status: %w", err)
	}
	defer rows.Close()

	var out []Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("agreement: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) getOne(ctx context.Context, query string, arg any) (Agreement, error) {
	out, err := scanAgreement(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}
	return out, nil
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a        Agreement
		currency string
		termKind string
		status   string
		start    time.Time
	)
	if err := row.Scan(
		&a.ID, &a.EmployeeID, &a.EmployerWallet, &a.EmployeeWallet, &a.JobTitle,
		&currency, &a.Compensation.Amount, &a.Compensation.DayOfPayments,
		&termKind, &start, &a.Term.PeriodStart, &a.Term.PeriodEnd,
		&status, &a.TxHash, &a.ContractAddress, &a.SignTxHash, &a.IsSignedByEmployee, &a.SignedAt,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return Agreement{}, err
	}
	a.Compensation.Currency = money.Currency(currency)
	a.Term.Kind = TermKind(termKind)
	a.Term.StartDate = start
	st, err := ParseStatus(status)
	if err != nil {
		return Agreement{}, err
	}
	a.Status = st
	return a, nil
}
