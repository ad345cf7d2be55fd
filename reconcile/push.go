package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ledgerflow/intent"
	"ledgerflow/ledger"
	"ledgerflow/metrics"
	"ledgerflow/money"
	"ledgerflow/notify"
	"ledgerflow/repeat"
)

// DefaultStatusInterval is how often a live push connection re-requests the
// status of every pending JCR intent.
const DefaultStatusInterval = 5 * time.Second

// StatusStream is the live connection a push session works on.
type StatusStream interface {
	SendStatusRequest(txID string) error
	Next() (ledger.StatusEvent, error)
}

// PushPath resolves pending JCR intents from push-channel events.
type PushPath struct {
	resolver
	interval time.Duration
}

// NewPushPath builds the permissioned-ledger path. A non-positive interval
// selects DefaultStatusInterval.
func NewPushPath(store intent.Store, notifier notify.Notifier, m Metrics, interval time.Duration, logger *slog.Logger) *PushPath {
	m, logger = orDefaults(m, logger)
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	return &PushPath{
		resolver: resolver{store: store, notifier: notifier, metrics: m, logger: logger},
		interval: interval,
	}
}

// Session matches ledger.Session.
func (p *PushPath) Session(ctx context.Context, s *ledger.Stream) error {
	return p.Serve(ctx, s)
}

// Serve consumes s until it fails. While it runs, a secondary poller asks the
// ledger to re-report every pending intent so events missed across a
// reconnect are delivered again.
func (p *PushPath) Serve(ctx context.Context, s StatusStream) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	requests := &repeat.Task{
		Name:     "push-status-requests",
		Interval: p.interval,
		Fn:       func(ctx context.Context) error { return p.RequestStatuses(ctx, s) },
		Logger:   p.logger,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		requests.Run(ctx)
	}()

	for {
		ev, err := s.Next()
		if err != nil {
			return err
		}
		if err := p.HandleEvent(ctx, ev); err != nil {
			p.logger.Error("push event not applied", slog.String("ref", ev.TxID), slog.Any("err", err))
		}
	}
}

// RequestStatuses sends a status request for every pending JCR intent.
func (p *PushPath) RequestStatuses(ctx context.Context, s StatusStream) error {
	pending, err := p.store.GetByStatus(ctx, money.CurrencyJCR, intent.StatusPending)
	if err != nil {
		return fmt.Errorf("reconcile: load pending: %w", err)
	}
	for _, in := range pending {
		if in.Reference == "" {
			continue
		}
		if err := s.SendStatusRequest(in.Reference); err != nil {
			return fmt.Errorf("reconcile: request status %s: %w", in.Reference, err)
		}
	}
	return nil
}

// HandleEvent applies one inbound status event. Pending reports are ignored.
// Delivering the same terminal event twice changes and notifies once.
func (p *PushPath) HandleEvent(ctx context.Context, ev ledger.StatusEvent) (err error) {
	defer func() { p.metrics.ObserveTick(metrics.PathPush, err) }()

	status, ok := terminalStatus(ev.Status)
	if !ok || ev.TxID == "" {
		return nil
	}
	changed, err := p.apply(ctx, status, []string{ev.TxID})
	if err != nil {
		return err
	}
	if status != intent.StatusSuccess {
		return nil
	}
	return p.notifySucceeded(ctx, changed)
}

// terminalStatus maps a ledger status string. The older ledger reports
// success as VALID.
func terminalStatus(s string) (intent.Status, bool) {
	switch {
	case s == "", strings.EqualFold(s, "pending"):
		return "", false
	case strings.EqualFold(s, "success"), strings.EqualFold(s, "valid"):
		return intent.StatusSuccess, true
	default:
		return intent.StatusFailure, true
	}
}
