package agreement

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgerflow/money"
)

// TermKind is the closed set of agreement durations.
type TermKind string

const (
	TermFixed     TermKind = "fixed"
	TermPermanent TermKind = "permanent"
)

// periodType is the numeric encoding the contract constructor expects.
func (k TermKind) periodType() (uint8, error) {
	switch k {
	case TermFixed:
		return 0, nil
	case TermPermanent:
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAgreementTerm, string(k))
	}
}

// Compensation is what the employer pays and when.
type Compensation struct {
	Currency      money.Currency
	Amount        string
	DayOfPayments int
}

// Term bounds the agreement in time.
type Term struct {
	Kind        TermKind
	StartDate   time.Time
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// Agreement mirrors the agreements table.
type Agreement struct {
	ID             uuid.UUID
	EmployeeID     string
	EmployerWallet string
	EmployeeWallet string
	JobTitle       string

	Compensation Compensation
	Term         Term

	Status             Status
	TxHash             string
	ContractAddress    string
	SignTxHash         string
	IsSignedByEmployee bool
	SignedAt           *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentDay returns the configured payment day, defaulting to the 1st.
func (a Agreement) PaymentDay() int {
	if a.Compensation.DayOfPayments == 0 {
		return 1
	}
	return a.Compensation.DayOfPayments
}

// TimelineEvent captures an immutable business event for an agreement.
type TimelineEvent struct {
	ID          int64
	AgreementID uuid.UUID
	Type        string
	CreatedAt   time.Time
	Payload     []byte
}

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	ID        uuid.UUID
	Topic     string
	DedupKey  *string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

const (
	// OutboxTopicStatusChanged is published on every applied transition.
	OutboxTopicStatusChanged = "agreement.status_changed"
	// TimelineStatusChanged is the timeline event type for transitions.
	TimelineStatusChanged = "AGREEMENT_STATUS_CHANGED"
)

// DeployOutcome reports the finality of a deployment transaction.
type DeployOutcome struct {
	TxRef           string
	Success         bool
	ContractAddress string
}

// SignOutcome reports the finality of a signing transaction.
type SignOutcome struct {
	TxRef   string
	Success bool
}

// DisbursementPayload is the schedule payload for monthly salary runs.
type DisbursementPayload struct {
	AgreementID     uuid.UUID      `json:"agreement_id"`
	EmployerWallet  string         `json:"employer_wallet"`
	ContractAddress string         `json:"contract_address"`
	Amount          string         `json:"amount"`
	Currency        money.Currency `json:"currency"`
	PeriodEnd       *time.Time     `json:"period_end,omitempty"`
}

// ScheduleKind names the recurring disbursement job.
const ScheduleKind = "disbursement"
