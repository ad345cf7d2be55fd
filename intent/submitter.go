package intent

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledgerflow/chain"
	"ledgerflow/ledger"
	"ledgerflow/money"
	"ledgerflow/wallet"
)

var (
	// ErrUnresolved is returned when the ledger did not answer in time and
	// no reference is known. The intent stays unconfirmed.
	ErrUnresolved = errors.New("intent: submission outcome unknown")
	// ErrReferenceNotRecorded is returned when the ledger accepted the
	// transfer but its reference could not be stored. The reference is kept
	// in memory and stored by the next Submit instead of sending again.
	ErrReferenceNotRecorded = errors.New("intent: accepted reference not recorded")
)

const (
	markAttempts = 3
	markTimeout  = 5 * time.Second
)

// Recorder is the write side the submitter needs.
type Recorder interface {
	Get(ctx context.Context, id uuid.UUID) (Intent, error)
	MarkPending(ctx context.Context, id uuid.UUID, ref string) error
	MarkFailed(ctx context.Context, id uuid.UUID, detail string) error
}

// ChainSubmitter sends value transfers on the public chain.
type ChainSubmitter interface {
	Submit(ctx context.Context, in chain.TransferInput, key *ecdsa.PrivateKey) (string, error)
}

// LedgerTransferer submits token transfers on the permissioned ledger.
type LedgerTransferer interface {
	Transfer(ctx context.Context, to, amount string) (string, error)
}

// Wallets resolves sender wallets.
type Wallets interface {
	GetByAddress(ctx context.Context, address string) (wallet.Wallet, error)
}

// KeyDeriver derives the signing key of a wallet.
type KeyDeriver interface {
	PrivateKey(w wallet.Wallet) (*ecdsa.PrivateKey, error)
}

// Submitter sends confirmed intents to their ledger. A rejected submission
// marks the intent failed and is not retried.
type Submitter struct {
	store        Recorder
	chain        ChainSubmitter
	ledger       LedgerTransferer
	wallets      Wallets
	keys         KeyDeriver
	gasPriceGwei string
	retryDelay   time.Duration
	logger       *slog.Logger

	mu         sync.Mutex
	unrecorded map[uuid.UUID]string
}

// SubmitterDeps groups the collaborators of Submitter.
type SubmitterDeps struct {
	Store   Recorder
	Chain   ChainSubmitter
	Ledger  LedgerTransferer
	Wallets Wallets
	Keys    KeyDeriver
}

// NewSubmitter wires a submitter. A nil logger falls back to slog.Default().
func NewSubmitter(deps SubmitterDeps, gasPriceGwei string, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	if gasPriceGwei == "" {
		gasPriceGwei = "1"
	}
	return &Submitter{
		store:        deps.Store,
		chain:        deps.Chain,
		ledger:       deps.Ledger,
		wallets:      deps.Wallets,
		keys:         deps.Keys,
		gasPriceGwei: gasPriceGwei,
		retryDelay:   200 * time.Millisecond,
		logger:       logger,
		unrecorded:   make(map[uuid.UUID]string),
	}
}

// Submit sends the unconfirmed intent id and records the outcome. The
// returned reference is empty when the ledger rejected the transfer. A send
// that timed out after the chain handed back a hash is recorded as pending so
// reconciliation settles it.
func (s *Submitter) Submit(ctx context.Context, id uuid.UUID) (string, error) {
	in, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if in.Status != StatusUnconfirmed {
		return "", ErrNotUnconfirmed
	}
	if ref, ok := s.lookupUnrecorded(id); ok {
		s.logger.Warn("recording previously accepted reference", slog.String("intent_id", id.String()), slog.String("ref", ref))
		return ref, s.recordPending(ctx, id, ref)
	}

	ref, err := s.send(ctx, in)
	if err != nil {
		switch {
		case IsUnresolved(err) && ref != "":
			s.logger.Warn("intent submission unresolved, tracking hash", slog.String("intent_id", id.String()), slog.String("ref", ref), slog.Any("err", err))
		case IsUnresolved(err):
			s.logger.Warn("intent submission unresolved", slog.String("intent_id", id.String()), slog.Any("err", err))
			return "", fmt.Errorf("%w: %w", ErrUnresolved, err)
		case IsRejection(err):
			s.logger.Warn("intent submission rejected", slog.String("intent_id", id.String()), slog.Any("err", err))
			if markErr := s.store.MarkFailed(ctx, id, err.Error()); markErr != nil {
				return "", errors.Join(err, markErr)
			}
			return "", err
		default:
			return "", err
		}
	}
	return ref, s.recordPending(ctx, id, ref)
}

// recordPending stores ref on a context detached from the caller, retrying
// briefly. On final failure ref is remembered so a resubmit never sends twice.
func (s *Submitter) recordPending(ctx context.Context, id uuid.UUID, ref string) error {
	var err error
	for attempt := range markAttempts {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * s.retryDelay)
		}
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
		err = s.store.MarkPending(markCtx, id, ref)
		cancel()
		if err == nil || errors.Is(err, ErrNotUnconfirmed) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrNotUnconfirmed) {
		s.mu.Lock()
		s.unrecorded[id] = ref
		s.mu.Unlock()
		s.logger.Error("accepted reference not recorded", slog.String("intent_id", id.String()), slog.String("ref", ref), slog.Any("err", err))
		return fmt.Errorf("%w: %s: %w", ErrReferenceNotRecorded, ref, err)
	}

	s.mu.Lock()
	delete(s.unrecorded, id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.logger.Info("intent submitted", slog.String("intent_id", id.String()), slog.String("ref", ref))
	return nil
}

func (s *Submitter) lookupUnrecorded(id uuid.UUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.unrecorded[id]
	return ref, ok
}

func (s *Submitter) send(ctx context.Context, in Intent) (string, error) {
	switch in.Currency.Ledger() {
	case money.LedgerPermissioned:
		return s.ledger.Transfer(ctx, in.Receiver, in.Amount)
	default:
		w, err := s.wallets.GetByAddress(ctx, in.Sender)
		if err != nil {
			return "", fmt.Errorf("intent: sender wallet: %w", err)
		}
		key, err := s.keys.PrivateKey(w)
		if err != nil {
			return "", fmt.Errorf("intent: sender key: %w", err)
		}
		return s.chain.Submit(ctx, chain.TransferInput{
			From:         w.Address,
			To:           in.Receiver,
			Amount:       in.Amount,
			GasLimit:     chain.DefaultGasLimit,
			GasPriceGwei: s.gasPriceGwei,
		}, key)
	}
}

// IsRejection reports whether err means the ledger refused the transfer, as
// opposed to a local failure that leaves the intent untouched.
func IsRejection(err error) bool {
	return errors.Is(err, chain.ErrInsufficientFunds) ||
		errors.Is(err, chain.ErrSubmission) ||
		errors.Is(err, ledger.ErrSubmission)
}

// IsUnresolved reports whether err means the ledger may or may not have
// accepted the transfer.
func IsUnresolved(err error) bool {
	return errors.Is(err, chain.ErrUnresolved) ||
		errors.Is(err, ledger.ErrUnresolved) ||
		errors.Is(err, ErrUnresolved)
}
