package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Status is the closed set of agreement lifecycle states.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusDeployPending Status = "deployPending"
	StatusDeployed      Status = "deployed"
	StatusDeployFailed  Status = "deployFailed"
	StatusSignPending   Status = "signPending"
	StatusSigned        Status = "signed"
	StatusSignFailed    Status = "signFailed"
)

var transitions = map[Status][]Status{
	StatusDraft:         {StatusDeployPending},
	StatusDeployPending: {StatusDeployed, StatusDeployFailed},
	StatusDeployed:      {StatusSignPending},
	StatusSignPending:   {StatusSigned, StatusSignFailed},
}

// ParseStatus validates a stored status value.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusDraft, StatusDeployPending, StatusDeployed, StatusDeployFailed,
		StatusSignPending, StatusSigned, StatusSignFailed:
		return st, nil
	}
	return "", fmt.Errorf("agreement: unknown status %q", s)
}

// CanTransition reports whether from may move to to. Repeating the current
// status is allowed and means nothing changes.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TransitionParams carries the target status and the phase field it records.
type TransitionParams struct {
	AgreementID     uuid.UUID
	NextStatus      Status
	TxHash          string
	ContractAddress string
	SignTxHash      string
	Payload         map[string]any
}

func (p TransitionParams) validate() error {
	if p.AgreementID == uuid.Nil {
		return errors.New("agreement: missing agreement id")
	}
	switch p.NextStatus {
	case StatusDeployPending:
		if p.TxHash == "" {
			return errors.New("agreement: deployPending requires a tx hash")
		}
	case StatusDeployed:
		if p.ContractAddress == "" {
			return errors.New("agreement: deployed requires a contract address")
		}
	case StatusSignPending:
		if p.SignTxHash == "" {
			return errors.New("agreement: signPending requires a sign tx hash")
		}
	}
	return nil
}

// Transition locks the agreement, validates the move, applies it with its
// phase field, and records timeline and outbox rows in one transaction.
// Replaying the current status reports changed=false and writes nothing.
func (r *PGRepository) Transition(ctx context.Context, params TransitionParams) (bool, error) {
	if err := params.validate(); err != nil {
		return false, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM agreements WHERE id=$1 FOR UPDATE`, params.AgreementID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("agreement: fetch current status: %w", err)
	}

	from := Status(current)
	if from == params.NextStatus {
		return false, nil
	}
	if !CanTransition(from, params.NextStatus) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, params.NextStatus)
	}

	if _, err := tx.Exec(ctx, `
        UPDATE agreements
        SET status=$2::text,
            tx_hash=CASE WHEN $2::text='deployPending' THEN $3::text ELSE tx_hash END,
            contract_address=CASE WHEN $2::text='deployed' THEN $4::text ELSE contract_address END,
            sign_tx_hash=CASE WHEN $2::text='signPending' THEN $5::text ELSE sign_tx_hash END,
            is_signed_by_employee=CASE WHEN $2::text='signed' THEN true ELSE is_signed_by_employee END,
            signed_at=CASE WHEN $2::text='signed' THEN now() ELSE signed_at END,
            updated_at=now()
        WHERE id=$1
    `, params.AgreementID, string(params.NextStatus), params.TxHash, params.ContractAddress, params.SignTxHash); err != nil {
		return false, fmt.Errorf("agreement: update status: %w", err)
	}

	payload := map[string]any{
		"previous_status": string(from),
		"next_status":     string(params.NextStatus),
	}
	for k, v := range params.Payload {
		payload[k] = v
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO timeline_events (agreement_id, type, payload)
        VALUES ($1,$2,$3::jsonb)
    `, params.AgreementID, TimelineStatusChanged, toJSON(payload)); err != nil {
		return false, fmt.Errorf("agreement: insert timeline: %w", err)
	}

	outboxPayload := map[string]any{
		"agreement_id": params.AgreementID.String(),
		"previous":     string(from),
		"next":         string(params.NextStatus),
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO outbox (id, topic, payload)
        VALUES ($1,$2,$3::jsonb)
    `, uuid.New(), OutboxTopicStatusChanged, toJSON(outboxPayload)); err != nil {
		return false, fmt.Errorf("agreement: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("agreement: commit transition: %w", err)
	}
	return true, nil
}

func toJSON(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return string(b)
}
