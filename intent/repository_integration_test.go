package intent

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

// TestUpdateStatusByReferences_Integration connects to a real PostgreSQL via
// DATABASE_URL and checks that terminal updates apply once.
func TestUpdateStatusByReferences_Integration(t *testing.T) {
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
	refA := "0x" + uuid.NewString()
	refB := "0x" + uuid.NewString()

	var ids []uuid.UUID
	for _, ref := range []string{refA, refB} {
		in, err := repo.Create(ctx, Intent{
			Sender:   "0xa1",
			Receiver: "0xb2",
			Amount:   "1",
			Currency: money.CurrencyETH,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, in.ID)
		if err := repo.MarkPending(ctx, in.ID, ref); err != nil {
			t.Fatalf("mark pending: %v", err)
		}
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM transaction_intents WHERE id = ANY($1)`, ids)
	})

	if err := repo.MarkPending(ctx, ids[0], refA); !errors.Is(err, ErrNotUnconfirmed) {
		t.Fatalf("expected ErrNotUnconfirmed on second MarkPending, got %v", err)
	}

	changed, err := repo.UpdateStatusByReferences(ctx, StatusSuccess, []string{refA})
	if err != nil || len(changed) != 1 || changed[0] != refA {
		t.Fatalf("first success update: changed=%v err=%v", changed, err)
	}
	changed, err = repo.UpdateStatusByReferences(ctx, StatusSuccess, []string{refA})
	if err != nil || len(changed) != 0 {
		t.Fatalf("replayed success update: changed=%v err=%v", changed, err)
	}
	changed, err = repo.UpdateStatusByReferences(ctx, StatusFailure, []string{refA, refB})
	if err != nil || len(changed) != 1 || changed[0] != refB {
		t.Fatalf("failure update: changed=%v err=%v", changed, err)
	}

	got, err := repo.GetByReference(ctx, refA)
	if err != nil || got.Status != StatusSuccess {
		t.Fatalf("refA: status=%s err=%v", got.Status, err)
	}
	if _, err := repo.GetByReference(ctx, "0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
