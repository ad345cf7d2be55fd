package agreement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ledgerflow/chain"
)

// ReceiptSource resolves a single transaction receipt.
type ReceiptSource interface {
	Receipt(ctx context.Context, ref string) (chain.Receipt, error)
}

// OutcomeSink receives typed finality outcomes.
type OutcomeSink interface {
	PublishDeploy(ctx context.Context, o DeployOutcome) error
	PublishSign(ctx context.Context, o SignOutcome) error
}

// ReceiptWatcher turns landed receipts for pending deploy and sign
// transactions into typed outcomes.
type ReceiptWatcher struct {
	store  Store
	chain  ReceiptSource
	sink   OutcomeSink
	logger *slog.Logger
}

// NewReceiptWatcher builds a watcher. A nil logger falls back to slog.Default().
func NewReceiptWatcher(store Store, source ReceiptSource, sink OutcomeSink, logger *slog.Logger) *ReceiptWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReceiptWatcher{store: store, chain: source, sink: sink, logger: logger}
}

// Tick checks every pending deploy and sign transaction once and returns how
// many outcomes it published.
func (w *ReceiptWatcher) Tick(ctx context.Context) (int, error) {
	var (
		published int
		errs      []error
	)

	deploys, err := w.store.GetByStatus(ctx, StatusDeployPending)
	if err != nil {
		return 0, fmt.Errorf("agreement: watcher load deployPending: %w", err)
	}
	for _, a := range deploys {
		r, ok, err := w.resolve(ctx, a.TxHash)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if err := w.sink.PublishDeploy(ctx, DeployOutcome{TxRef: a.TxHash, Success: r.Success, ContractAddress: r.ContractAddress}); err != nil {
			return published, err
		}
		published++
	}

	signs, err := w.store.GetByStatus(ctx, StatusSignPending)
	if err != nil {
		return published, fmt.Errorf("agreement: watcher load signPending: %w", err)
	}
	for _, a := range signs {
		r, ok, err := w.resolve(ctx, a.SignTxHash)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if err := w.sink.PublishSign(ctx, SignOutcome{TxRef: a.SignTxHash, Success: r.Success}); err != nil {
			return published, err
		}
		published++
	}

	return published, errors.Join(errs...)
}

func (w *ReceiptWatcher) resolve(ctx context.Context, ref string) (chain.Receipt, bool, error) {
	if ref == "" {
		return chain.Receipt{}, false, nil
	}
	r, err := w.chain.Receipt(ctx, ref)
	if err != nil {
		if isPending(err) {
			return chain.Receipt{}, false, nil
		}
		w.logger.Warn("receipt lookup failed", slog.String("ref", ref), slog.Any("err", err))
		return chain.Receipt{}, false, err
	}
	return r, true, nil
}
