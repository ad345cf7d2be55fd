// Package notify hands successful intents to the downstream notification
// layer through the outbox table.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"ledgerflow/intent"
)

// TopicIntentSucceeded is the outbox topic for intents that reached success.
const TopicIntentSucceeded = "intent.succeeded"

// Notifier is told about every intent that newly reached success.
type Notifier interface {
	IntentSucceeded(ctx context.Context, in intent.Intent) error
}

// Execer is the subset of pgxpool.Pool the notifier needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// OutboxNotifier enqueues one outbox row per successful intent, keyed by its
// ledger reference so a repeated notification collapses into the first.
type OutboxNotifier struct {
	db Execer
}

// NewOutboxNotifier creates a notifier writing to db.
func NewOutboxNotifier(db Execer) *OutboxNotifier {
	return &OutboxNotifier{db: db}
}

type succeededPayload struct {
	IntentID       string  `json:"intent_id"`
	Reference      string  `json:"reference"`
	Sender         string  `json:"sender"`
	Receiver       string  `json:"receiver"`
	Amount         string  `json:"amount"`
	Currency       string  `json:"currency"`
	Login          string  `json:"login,omitempty"`
	VerificationID *string `json:"verification_id,omitempty"`
}

// IntentSucceeded implements Notifier.
func (n *OutboxNotifier) IntentSucceeded(ctx context.Context, in intent.Intent) error {
	payload, err := json.Marshal(succeededPayload{
		IntentID:       in.ID.String(),
		Reference:      in.Reference,
		Sender:         in.Sender,
		Receiver:       in.Receiver,
		Amount:         in.Amount,
		Currency:       string(in.Currency),
		Login:          in.Login,
		VerificationID: in.VerificationID,
	})
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}

	if _, err := n.db.Exec(ctx, `
        INSERT INTO outbox (id, topic, dedup_key, payload)
        VALUES ($1, $2, $3, $4::jsonb)
        ON CONFLICT (topic, dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
    `, uuid.New(), TopicIntentSucceeded, in.Reference, string(payload)); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}
