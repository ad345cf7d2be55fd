package agreement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ledgerflow/chain"
	"ledgerflow/intent"
	"ledgerflow/money"
	"ledgerflow/scheduler"
	"ledgerflow/wallet"
)

const (
	methodSignedByEmployee = "signedByEmployee"
	methodSign             = "sign"
)

// Chain is the public-chain surface the lifecycle needs.
type Chain interface {
	Deploy(ctx context.Context, in chain.DeployInput, key *ecdsa.PrivateKey) (string, error)
	Transact(ctx context.Context, in chain.CallInput, key *ecdsa.PrivateKey) (string, error)
	CallBool(ctx context.Context, to, abiJSON, method string, args ...any) (bool, error)
	Receipt(ctx context.Context, ref string) (chain.Receipt, error)
	Submit(ctx context.Context, in chain.TransferInput, key *ecdsa.PrivateKey) (string, error)
}

// Wallets resolves signing wallets by address.
type Wallets interface {
	GetByAddress(ctx context.Context, address string) (wallet.Wallet, error)
}

// KeyDeriver turns a wallet into its private key.
type KeyDeriver interface {
	PrivateKey(w wallet.Wallet) (*ecdsa.PrivateKey, error)
}

// Schedules registers recurring jobs.
type Schedules interface {
	Register(ctx context.Context, key scheduler.Key, cadence scheduler.Cadence, payload any) (scheduler.Entry, error)
	Deregister(ctx context.Context, key scheduler.Key) error
}

// IntentRecorder records disbursement transfers as intents.
type IntentRecorder interface {
	Create(ctx context.Context, in intent.Intent) (intent.Intent, error)
}

// Artifact is the compiled agreement contract.
type Artifact struct {
	ABI      string `yaml:"abi"`
	Bytecode string `yaml:"bytecode"`
}

// Deps groups the collaborators of Manager.
type Deps struct {
	Store     Store
	Chain     Chain
	Wallets   Wallets
	Keys      KeyDeriver
	Schedules Schedules
	Intents   IntentRecorder
}

// Options tunes Manager. Zero values select defaults.
type Options struct {
	Artifact       Artifact
	GasPriceGwei   string
	GasLimit       uint64
	DeployGasLimit uint64
	OutcomeBuffer  int
	Now            func() time.Time
	OnTransition   func(to Status)
	Logger         *slog.Logger
}

// Manager drives agreements through deployment, signing and monthly
// disbursement.
type Manager struct {
	store     Store
	chain     Chain
	wallets   Wallets
	keys      KeyDeriver
	schedules Schedules
	intents   IntentRecorder

	artifact       Artifact
	gasPriceGwei   string
	gasLimit       uint64
	deployGasLimit uint64
	now            func() time.Time
	onTransition   func(Status)
	logger         *slog.Logger
	tracer         trace.Tracer

	deployOutcomes chan DeployOutcome
	signOutcomes   chan SignOutcome
}

// NewManager wires a lifecycle manager.
func NewManager(deps Deps, opts Options) *Manager {
	m := &Manager{
		store:          deps.Store,
		chain:          deps.Chain,
		wallets:        deps.Wallets,
		keys:           deps.Keys,
		schedules:      deps.Schedules,
		intents:        deps.Intents,
		artifact:       opts.Artifact,
		gasPriceGwei:   opts.GasPriceGwei,
		gasLimit:       opts.GasLimit,
		deployGasLimit: opts.DeployGasLimit,
		now:            opts.Now,
		onTransition:   opts.OnTransition,
		logger:         opts.Logger,
		tracer:         otel.Tracer("ledgerflow/agreement"),
	}
	if m.gasPriceGwei == "" {
		m.gasPriceGwei = "1"
	}
	if m.gasLimit == 0 {
		m.gasLimit = chain.DefaultGasLimit
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.onTransition == nil {
		m.onTransition = func(Status) {}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	buf := opts.OutcomeBuffer
	if buf <= 0 {
		buf = 64
	}
	m.deployOutcomes = make(chan DeployOutcome, buf)
	m.signOutcomes = make(chan SignOutcome, buf)
	return m
}

// Deploy submits the contract for a draft agreement and moves it to
// deployPending. Invalid terms and payment days are rejected before any
// chain call.
func (m *Manager) Deploy(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := m.tracer.Start(ctx, "agreement.Deploy", trace.WithAttributes(attribute.String("agreement_id", id.String())))
	defer endSpan(span, &err)

	a, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != StatusDraft {
		return fmt.Errorf("%w: deploy from %s", ErrInvalidTransition, a.Status)
	}

	args, err := m.constructorArgs(a)
	if err != nil {
		return err
	}
	employer, key, err := m.signer(ctx, a.EmployerWallet)
	if err != nil {
		return err
	}

	ref, err := m.chain.Deploy(ctx, chain.DeployInput{
		From:         employer.Address,
		ABI:          m.artifact.ABI,
		Bytecode:     m.artifact.Bytecode,
		Args:         args,
		GasLimit:     m.deployGasLimit,
		GasPriceGwei: m.gasPriceGwei,
	}, key)
	if !m.submitted(id, "deploy", ref, err) {
		return fmt.Errorf("agreement: deploy: %w", err)
	}

	return m.transition(ctx, TransitionParams{
		AgreementID: a.ID,
		NextStatus:  StatusDeployPending,
		TxHash:      ref,
		Payload:     map[string]any{"tx_hash": ref},
	})
}

// constructorArgs builds the contract constructor arguments in ABI order:
// start date, employee, period type, period start, period end, first
// payment, salary in wei.
func (m *Manager) constructorArgs(a Agreement) ([]any, error) {
	periodType, err := a.Term.Kind.periodType()
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(a.EmployeeWallet) {
		return nil, fmt.Errorf("agreement: invalid employee wallet %q", a.EmployeeWallet)
	}
	salary, err := money.ToWei(a.Compensation.Amount)
	if err != nil {
		return nil, fmt.Errorf("agreement: salary: %w", err)
	}
	cadence := scheduler.Cadence{DayOfMonth: a.PaymentDay()}
	if err := cadence.Validate(); err != nil {
		return nil, fmt.Errorf("agreement: payment day: %w", err)
	}
	firstPayment := cadence.Next(m.now())

	return []any{
		unix(&a.Term.StartDate),
		common.HexToAddress(a.EmployeeWallet),
		periodType,
		unix(a.Term.PeriodStart),
		unix(a.Term.PeriodEnd),
		unix(&firstPayment),
		salary,
	}, nil
}

// submitted reports whether a send left a transaction to track. A timed out
// send still carries its hash and is tracked like any other.
func (m *Manager) submitted(id uuid.UUID, op, ref string, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, chain.ErrUnresolved) && ref != "" {
		m.logger.Warn(op+" submission unresolved, tracking hash",
			slog.String("agreement_id", id.String()), slog.String("ref", ref), slog.Any("err", err))
		return true
	}
	m.logger.Error(op+" submission failed", slog.String("agreement_id", id.String()), slog.Any("err", err))
	return false
}

func unix(t *time.Time) *big.Int {
	if t == nil || t.IsZero() {
		return new(big.Int)
	}
	return big.NewInt(t.Unix())
}

// Sign submits the employee signature for a deployed agreement.
func (m *Manager) Sign(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := m.tracer.Start(ctx, "agreement.Sign", trace.WithAttributes(attribute.String("agreement_id", id.String())))
	defer endSpan(span, &err)

	a, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != StatusDeployed || a.ContractAddress == "" {
		return fmt.Errorf("%w: status %s", ErrNotDeployed, a.Status)
	}

	signed, err := m.chain.CallBool(ctx, a.ContractAddress, m.artifact.ABI, methodSignedByEmployee)
	if err != nil {
		return fmt.Errorf("agreement: query signed state: %w", err)
	}
	if signed {
		return ErrAlreadySigned
	}

	employee, key, err := m.signer(ctx, a.EmployeeWallet)
	if err != nil {
		return err
	}
	ref, err := m.chain.Transact(ctx, chain.CallInput{
		From:         employee.Address,
		To:           a.ContractAddress,
		ABI:          m.artifact.ABI,
		Method:       methodSign,
		GasLimit:     m.deployGasLimit,
		GasPriceGwei: m.gasPriceGwei,
	}, key)
	if !m.submitted(id, "sign", ref, err) {
		return fmt.Errorf("agreement: sign: %w", err)
	}

	return m.transition(ctx, TransitionParams{
		AgreementID: a.ID,
		NextStatus:  StatusSignPending,
		SignTxHash:  ref,
		Payload:     map[string]any{"sign_tx_hash": ref},
	})
}

// PublishDeploy hands a deployment outcome to Run.
func (m *Manager) PublishDeploy(ctx context.Context, o DeployOutcome) error {
	select {
	case m.deployOutcomes <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishSign hands a signing outcome to Run.
func (m *Manager) PublishSign(ctx context.Context, o SignOutcome) error {
	select {
	case m.signOutcomes <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies published outcomes until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-m.deployOutcomes:
			if err := m.ApplyDeployOutcome(ctx, o); err != nil {
				m.logger.Error("apply deploy outcome", slog.String("ref", o.TxRef), slog.Any("err", err))
			}
		case o := <-m.signOutcomes:
			if err := m.ApplySignOutcome(ctx, o); err != nil {
				m.logger.Error("apply sign outcome", slog.String("ref", o.TxRef), slog.Any("err", err))
			}
		}
	}
}

// ApplyDeployOutcome records deployment finality. Outcomes for agreements
// no longer in deployPending are ignored.
func (m *Manager) ApplyDeployOutcome(ctx context.Context, o DeployOutcome) error {
	a, err := m.store.GetByTxRef(ctx, o.TxRef)
	if err != nil {
		return err
	}
	if a.TxHash != o.TxRef {
		return fmt.Errorf("agreement: %s is not the deploy transaction of %s", o.TxRef, a.ID)
	}
	return m.applyDeploy(ctx, a, o)
}

func (m *Manager) applyDeploy(ctx context.Context, a Agreement, o DeployOutcome) error {
	if a.Status != StatusDeployPending {
		return nil
	}
	if o.Success {
		if o.ContractAddress == "" {
			return fmt.Errorf("agreement: successful deploy %s reported no contract address", o.TxRef)
		}
		return m.transition(ctx, TransitionParams{
			AgreementID:     a.ID,
			NextStatus:      StatusDeployed,
			ContractAddress: o.ContractAddress,
			Payload:         map[string]any{"contract_address": o.ContractAddress},
		})
	}
	return m.transition(ctx, TransitionParams{AgreementID: a.ID, NextStatus: StatusDeployFailed})
}

// ApplySignOutcome records signing finality. A successful outcome registers
// the monthly disbursement, also when replayed, so a crash between the two
// writes heals on the next delivery.
func (m *Manager) ApplySignOutcome(ctx context.Context, o SignOutcome) error {
	a, err := m.store.GetByTxRef(ctx, o.TxRef)
	if err != nil {
		return err
	}
	if a.SignTxHash != o.TxRef {
		return fmt.Errorf("agreement: %s is not the sign transaction of %s", o.TxRef, a.ID)
	}
	return m.applySign(ctx, a, o.Success)
}

func (m *Manager) applySign(ctx context.Context, a Agreement, success bool) error {
	switch a.Status {
	case StatusSignPending:
	case StatusSigned:
		if success {
			return m.registerDisbursement(ctx, a)
		}
		return nil
	default:
		return nil
	}

	if !success {
		return m.transition(ctx, TransitionParams{AgreementID: a.ID, NextStatus: StatusSignFailed})
	}
	if err := m.transition(ctx, TransitionParams{AgreementID: a.ID, NextStatus: StatusSigned}); err != nil {
		return err
	}
	return m.registerDisbursement(ctx, a)
}

func (m *Manager) registerDisbursement(ctx context.Context, a Agreement) error {
	payload := DisbursementPayload{
		AgreementID:     a.ID,
		EmployerWallet:  a.EmployerWallet,
		ContractAddress: a.ContractAddress,
		Amount:          a.Compensation.Amount,
		Currency:        a.Compensation.Currency,
	}
	if a.Term.Kind == TermFixed {
		payload.PeriodEnd = a.Term.PeriodEnd
	}
	key := scheduler.KeyFor(ScheduleKind, a.ID.String())
	if _, err := m.schedules.Register(ctx, key, scheduler.Cadence{DayOfMonth: a.PaymentDay()}, payload); err != nil {
		return fmt.Errorf("agreement: register disbursement: %w", err)
	}
	return nil
}

func (m *Manager) transition(ctx context.Context, params TransitionParams) error {
	changed, err := m.store.Transition(ctx, params)
	if err != nil {
		return err
	}
	if changed {
		m.onTransition(params.NextStatus)
		m.logger.Info("agreement transitioned",
			slog.String("agreement_id", params.AgreementID.String()),
			slog.String("status", string(params.NextStatus)))
	}
	return nil
}

// signer loads the wallet at address and derives its key.
func (m *Manager) signer(ctx context.Context, address string) (wallet.Wallet, *ecdsa.PrivateKey, error) {
	w, err := m.wallets.GetByAddress(ctx, address)
	if err != nil {
		return wallet.Wallet{}, nil, fmt.Errorf("agreement: wallet %s: %w", address, err)
	}
	key, err := m.keys.PrivateKey(w)
	if err != nil {
		return wallet.Wallet{}, nil, fmt.Errorf("agreement: wallet %s: %w", address, err)
	}
	return w, key, nil
}

func endSpan(span trace.Span, err *error) {
	if err != nil && *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}

// isPending reports whether err only means the receipt has not landed yet.
func isPending(err error) bool {
	return errors.Is(err, chain.ErrReceiptPending)
}
