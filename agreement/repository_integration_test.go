package agreement

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgerflow/db"
	"ledgerflow/money"
)

// TestTransition_Integration connects to a real PostgreSQL via DATABASE_URL
// and walks one agreement through its lifecycle, checking that replays write
// no timeline or outbox rows.
func TestTransition_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := NewRepository(pool)
	a, err := repo.Create(ctx, Agreement{
		EmployeeID:     "employee-" + uuid.NewString(),
		EmployerWallet: "0x00000000000000000000000000000000000000E1",
		EmployeeWallet: employeeAddr,
		JobTitle:       "engineer",
		Compensation:   Compensation{Currency: money.CurrencyETH, Amount: "2", DayOfPayments: 5},
		Term:           Term{Kind: TermPermanent, StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE agreement_id = $1`, a.ID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'agreement_id' = $1`, a.ID.String())
		pool.Exec(ctx2, `DELETE FROM agreements WHERE id = $1`, a.ID)
	})
	if a.Status != StatusDraft || a.EmployerWallet != employerAddr {
		t.Fatalf("unexpected created agreement %+v", a)
	}

	ref := "0x" + uuid.NewString()
	steps := []TransitionParams{
		{AgreementID: a.ID, NextStatus: StatusDeployPending, TxHash: ref},
		{AgreementID: a.ID, NextStatus: StatusDeployed, ContractAddress: "0x00000000000000000000000000000000000000C1"},
		{AgreementID: a.ID, NextStatus: StatusSignPending, SignTxHash: ref + "-sign"},
		{AgreementID: a.ID, NextStatus: StatusSigned},
	}
	for _, step := range steps {
		changed, err := repo.Transition(ctx, step)
		if err != nil || !changed {
			t.Fatalf("transition to %s: changed=%v err=%v", step.NextStatus, changed, err)
		}
	}

	// replay of the terminal status is a no-op
	if changed, err := repo.Transition(ctx, TransitionParams{AgreementID: a.ID, NextStatus: StatusSigned}); err != nil || changed {
		t.Fatalf("replay: changed=%v err=%v", changed, err)
	}
	if _, err := repo.Transition(ctx, TransitionParams{AgreementID: a.ID, NextStatus: StatusSignFailed}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := repo.GetByOnChainAddress(ctx, contractAddr)
	if err != nil {
		t.Fatalf("get by address: %v", err)
	}
	if got.ID != a.ID || !got.IsSignedByEmployee || got.SignedAt == nil {
		t.Fatalf("unexpected agreement %+v", got)
	}
	if byRef, err := repo.GetByTxRef(ctx, ref+"-sign"); err != nil || byRef.ID != a.ID {
		t.Fatalf("get by sign ref: %v %v", byRef.ID, err)
	}

	var events, messages int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events WHERE agreement_id = $1`, a.ID).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'agreement_id' = $2`, OutboxTopicStatusChanged, a.ID.String()).Scan(&messages); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if events != len(steps) || messages != len(steps) {
		t.Fatalf("expected %d events and messages, got %d and %d", len(steps), events, messages)
	}

	if _, err := repo.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
