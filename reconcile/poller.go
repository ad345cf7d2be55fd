package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ledgerflow/chain"
	"ledgerflow/intent"
	"ledgerflow/metrics"
	"ledgerflow/money"
	"ledgerflow/notify"
	"ledgerflow/repeat"
)

// DefaultPollInterval is how often the public chain is polled.
const DefaultPollInterval = 10 * time.Second

// ReceiptGrouper classifies transaction references by receipt status.
type ReceiptGrouper interface {
	GroupReceipts(ctx context.Context, refs []string) (chain.Grouped, error)
}

// Poller resolves pending ETH intents from chain receipts.
type Poller struct {
	resolver
	receipts ReceiptGrouper
	tracer   trace.Tracer
}

// NewPoller builds a chain poller. Nil metrics and logger fall back to no-op
// metrics and slog.Default().
func NewPoller(store intent.Store, receipts ReceiptGrouper, notifier notify.Notifier, m Metrics, logger *slog.Logger) *Poller {
	m, logger = orDefaults(m, logger)
	return &Poller{
		resolver: resolver{store: store, notifier: notifier, metrics: m, logger: logger},
		receipts: receipts,
		tracer:   otel.Tracer("ledgerflow/reconcile"),
	}
}

// Tick runs one polling pass. References whose receipt has not landed stay
// pending for the next pass.
func (p *Poller) Tick(ctx context.Context) (err error) {
	ctx, span := p.tracer.Start(ctx, "reconcile.Poller.Tick")
	defer func() {
		p.metrics.ObserveTick(metrics.PathChain, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	pending, err := p.store.GetByStatus(ctx, money.CurrencyETH, intent.StatusPending)
	if err != nil {
		return fmt.Errorf("reconcile: load pending: %w", err)
	}
	refs := make([]string, 0, len(pending))
	for _, in := range pending {
		if in.Reference != "" {
			refs = append(refs, in.Reference)
		}
	}
	span.SetAttributes(attribute.Int("pending", len(refs)))
	if len(refs) == 0 {
		return nil
	}

	grouped, err := p.receipts.GroupReceipts(ctx, refs)
	if err != nil {
		return fmt.Errorf("reconcile: group receipts: %w", err)
	}
	p.logger.Debug("receipts grouped",
		slog.Int("pending", len(refs)), slog.Int("success", len(grouped.Success)), slog.Int("failure", len(grouped.Failure)))

	succeeded, successErr := p.apply(ctx, intent.StatusSuccess, grouped.Success)
	_, failureErr := p.apply(ctx, intent.StatusFailure, grouped.Failure)
	notifyErr := p.notifySucceeded(ctx, succeeded)
	return errors.Join(successErr, failureErr, notifyErr)
}

// Task wraps Tick in a repeating task.
func (p *Poller) Task(interval time.Duration) *repeat.Task {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &repeat.Task{Name: "chain-reconcile", Interval: interval, Fn: p.Tick, Logger: p.logger}
}
