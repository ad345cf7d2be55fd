package agreement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// RecreateSchedules runs once at start. It re-registers every signed
// agreement and re-checks agreements whose finality event may have been
// missed while the process was down. Safe to run any number of times.
func (m *Manager) RecreateSchedules(ctx context.Context) error {
	signed, err := m.store.GetByStatus(ctx, StatusSigned)
	if err != nil {
		return fmt.Errorf("agreement: load signed: %w", err)
	}

	var errs []error
	for _, a := range signed {
		if err := m.registerDisbursement(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.SweepSignatures(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.SweepDeployments(ctx); err != nil {
		errs = append(errs, err)
	}
	m.logger.Info("schedules recreated", slog.Int("signed", len(signed)), slog.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// SweepSignatures promotes signPending agreements whose signature already
// landed on chain, or fails them when the sign transaction reverted.
func (m *Manager) SweepSignatures(ctx context.Context) error {
	pending, err := m.store.GetByStatus(ctx, StatusSignPending)
	if err != nil {
		return fmt.Errorf("agreement: load signPending: %w", err)
	}

	var errs []error
	for _, a := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.recheckSignature(ctx, a); err != nil {
			m.logger.Warn("signature recheck failed", slog.String("agreement_id", a.ID.String()), slog.Any("err", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) recheckSignature(ctx context.Context, a Agreement) error {
	signed, err := m.chain.CallBool(ctx, a.ContractAddress, m.artifact.ABI, methodSignedByEmployee)
	if err != nil {
		return fmt.Errorf("agreement: query signed state: %w", err)
	}
	if signed {
		return m.applySign(ctx, a, true)
	}
	if a.SignTxHash == "" {
		return nil
	}

	r, err := m.chain.Receipt(ctx, a.SignTxHash)
	if err != nil {
		if isPending(err) {
			return nil
		}
		return fmt.Errorf("agreement: sign receipt: %w", err)
	}
	return m.applySign(ctx, a, r.Success)
}

// SweepDeployments resolves deployPending agreements that never recorded a
// contract address.
func (m *Manager) SweepDeployments(ctx context.Context) error {
	pending, err := m.store.GetByStatus(ctx, StatusDeployPending)
	if err != nil {
		return fmt.Errorf("agreement: load deployPending: %w", err)
	}

	var errs []error
	for _, a := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if a.ContractAddress != "" || a.TxHash == "" {
			continue
		}
		r, err := m.chain.Receipt(ctx, a.TxHash)
		if err != nil {
			if isPending(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("agreement: deploy receipt %s: %w", a.TxHash, err))
			continue
		}
		if err := m.applyDeploy(ctx, a, DeployOutcome{TxRef: a.TxHash, Success: r.Success, ContractAddress: r.ContractAddress}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
