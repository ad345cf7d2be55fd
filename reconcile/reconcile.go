// Package reconcile moves pending intents to their terminal status once the
// ledger that settles them reports finality.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ledgerflow/intent"
	"ledgerflow/notify"
)

// Metrics is the subset of metrics.Collectors the loops report to.
type Metrics interface {
	ObserveTick(path string, err error)
	ObserveResolved(status string, n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTick(string, error)   {}
func (nopMetrics) ObserveResolved(string, int) {}

// resolver applies terminal statuses and notifies for intents that newly
// reached success. Both paths share it so a reference reported by both
// ledgers' paths, or twice by one, changes and notifies once.
type resolver struct {
	store    intent.Store
	notifier notify.Notifier
	metrics  Metrics
	logger   *slog.Logger
}

func (r resolver) apply(ctx context.Context, status intent.Status, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	changed, err := r.store.UpdateStatusByReferences(ctx, status, refs)
	if err != nil {
		return nil, fmt.Errorf("reconcile: mark %s: %w", status, err)
	}
	r.metrics.ObserveResolved(string(status), len(changed))
	if len(changed) > 0 {
		r.logger.Info("intents resolved", slog.String("status", string(status)), slog.Int("count", len(changed)))
	}
	return changed, nil
}

func (r resolver) notifySucceeded(ctx context.Context, refs []string) error {
	var errs []error
	for _, ref := range refs {
		in, err := r.store.GetByReference(ctx, ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile: load %s: %w", ref, err))
			continue
		}
		if err := r.notifier.IntentSucceeded(ctx, in); err != nil {
			r.logger.Error("notify intent succeeded", slog.String("ref", ref), slog.Any("err", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func orDefaults(m Metrics, logger *slog.Logger) (Metrics, *slog.Logger) {
	if m == nil {
		m = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return m, logger
}
