package intent

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgerflow/money"
)

// Status is the lifecycle state of a transaction intent.
type Status string

const (
	StatusUnconfirmed Status = "unconfirmed"
	StatusPending     Status = "pending"
	StatusSuccess     Status = "success"
	StatusFailure     Status = "failure"
)

// ParseStatus validates a persisted status value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusUnconfirmed, StatusPending, StatusSuccess, StatusFailure:
		return st, nil
	default:
		return "", fmt.Errorf("intent: unknown status %q", s)
	}
}

// IsTerminal reports whether no further status writes may apply.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Intent mirrors the transaction_intents table. Reference stays empty until a
// ledger accepts the submission.
type Intent struct {
	ID             uuid.UUID
	Reference      string
	Sender         string
	Receiver       string
	Amount         string
	Currency       money.Currency
	Status         Status
	Detail         string
	Login          string
	VerificationID *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
