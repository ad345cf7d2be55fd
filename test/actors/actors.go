package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgerflow/agreement"
	"ledgerflow/chain"
	"ledgerflow/intent"
	"ledgerflow/ledger"
	"ledgerflow/money"
	"ledgerflow/notify"
	"ledgerflow/reconcile"
	"ledgerflow/scheduler"
)

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// IntentCreator keeps adding pending intents of both currencies.
func IntentCreator(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	repo := intent.NewRepository(pool)
	currencies := []money.Currency{money.CurrencyETH, money.CurrencyJCR}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		in, err := repo.Create(ctx, intent.Intent{
			Sender:   "0x00000000000000000000000000000000000000a1",
			Receiver: "0x00000000000000000000000000000000000000b2",
			Amount:   "1",
			Currency: currencies[rand.Intn(len(currencies))],
		})
		if err == nil {
			_ = repo.MarkPending(ctx, in.ID, "0x"+uuid.NewString())
		}
		pause(10, 20)
	}
}

// randomGrouper settles a random share of the references it is asked about,
// the way a chain with slowly landing receipts would.
type randomGrouper struct{}

func (randomGrouper) GroupReceipts(_ context.Context, refs []string) (chain.Grouped, error) {
	var g chain.Grouped
	for _, ref := range refs {
		switch rand.Intn(3) {
		case 0:
			g.Success = append(g.Success, ref)
		case 1:
			g.Failure = append(g.Failure, ref)
		}
	}
	return g, nil
}

// ChainReconciler runs the chain poller against random receipt outcomes.
// Several of them race over the same pending intents.
func ChainReconciler(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	p := reconcile.NewPoller(intent.NewRepository(pool), randomGrouper{}, notify.NewOutboxNotifier(pool), nil, nil)
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_ = p.Tick(ctx)
		pause(20, 40)
	}
}

// PushDeliverer replays ledger events for pending JCR intents, including
// duplicates, late contradictions and pending reports.
func PushDeliverer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	repo := intent.NewRepository(pool)
	path := reconcile.NewPushPath(repo, notify.NewOutboxNotifier(pool), nil, 0, nil)
	statuses := []string{"pending", "success", "VALID", "failure", "ENDORSEMENT_POLICY_FAILURE"}
	var seen []string
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		pending, err := repo.GetByStatus(ctx, money.CurrencyJCR, intent.StatusPending)
		if err == nil {
			for _, in := range pending {
				seen = append(seen, in.Reference)
			}
		}
		if len(seen) > 0 {
			ref := seen[rand.Intn(len(seen))]
			for i := 0; i < 1+rand.Intn(2); i++ {
				_ = path.HandleEvent(ctx, ledger.StatusEvent{TxID: ref, Status: statuses[rand.Intn(len(statuses))]})
			}
		}
		if len(seen) > 500 {
			seen = seen[len(seen)-500:]
		}
		pause(10, 30)
	}
}

// Transitioner drives the seeded agreements through random status moves.
// Illegal moves must be refused without writing anything.
func Transitioner(ctx context.Context, pool *pgxpool.Pool, agreementIDs []uuid.UUID, stop <-chan struct{}) error {
	repo := agreement.NewRepository(pool)
	next := []agreement.Status{
		agreement.StatusDeployPending,
		agreement.StatusDeployed,
		agreement.StatusDeployFailed,
		agreement.StatusSignPending,
		agreement.StatusSigned,
		agreement.StatusSignFailed,
	}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := agreementIDs[rand.Intn(len(agreementIDs))]
		to := next[rand.Intn(len(next))]
		_, err := repo.Transition(ctx, agreement.TransitionParams{
			AgreementID:     id,
			NextStatus:      to,
			TxHash:          "0x" + uuid.NewString(),
			ContractAddress: fmt.Sprintf("0x%040x", rand.Int63()),
			SignTxHash:      "0x" + uuid.NewString(),
		})
		if err != nil && !errors.Is(err, agreement.ErrInvalidTransition) && ctx.Err() == nil {
			// connection kills from the chaos actor surface here; keep going
			pause(50, 50)
		}
		pause(15, 30)
	}
}

// ScheduleRegistrar re-registers disbursements for signed agreements, the
// way RecreateSchedules and replayed sign outcomes do.
func ScheduleRegistrar(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	repo := agreement.NewRepository(pool)
	sched := scheduler.New(scheduler.NewPGStore(pool), scheduler.Options{})
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		signed, err := repo.GetByStatus(ctx, agreement.StatusSigned)
		if err == nil {
			for _, a := range signed {
				_, _ = sched.Register(ctx, scheduler.KeyFor(agreement.ScheduleKind, a.ID.String()),
					scheduler.Cadence{DayOfMonth: a.PaymentDay()},
					agreement.DisbursementPayload{AgreementID: a.ID, ContractAddress: a.ContractAddress, Amount: a.Compensation.Amount})
			}
		}
		pause(40, 60)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks them processed.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			pause(50, 50)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			pause(50, 50)
			continue
		}
		ids := make([]uuid.UUID, 0, 10)
		for rows.Next() {
			var id uuid.UUID
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1 WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		pause(100, 1)
	}
}
