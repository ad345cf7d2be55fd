package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ledgerflow/chain"
	"ledgerflow/intent"
	"ledgerflow/money"
	"ledgerflow/scheduler"
)

// Disburse is the scheduler handler for one monthly salary run. Once a fixed
// term has ended it removes the schedule and pays nothing. Otherwise it pays the
// salary from the employer wallet into the agreement contract and records
// the transfer as an intent. A send that timed out with a known hash is
// recorded as pending for reconciliation. The schedule stays registered on
// error.
func (m *Manager) Disburse(ctx context.Context, e scheduler.Entry) (err error) {
	var p DisbursementPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("agreement: decode disbursement payload: %w", err)
	}

	ctx, span := m.tracer.Start(ctx, "agreement.Disburse", trace.WithAttributes(attribute.String("agreement_id", p.AgreementID.String())))
	defer endSpan(span, &err)

	if p.PeriodEnd != nil && m.now().After(*p.PeriodEnd) {
		if err := m.schedules.Deregister(ctx, e.Key); err != nil {
			return fmt.Errorf("agreement: end disbursements: %w", err)
		}
		m.logger.Info("fixed term ended, disbursements stopped",
			slog.String("agreement_id", p.AgreementID.String()), slog.Time("period_end", *p.PeriodEnd))
		return nil
	}
	if p.ContractAddress == "" {
		return fmt.Errorf("agreement: disbursement for %s has no contract address", p.AgreementID)
	}
	currency := p.Currency
	if currency == "" {
		currency = money.CurrencyETH
	}

	rec := intent.Intent{
		Sender:   p.EmployerWallet,
		Receiver: p.ContractAddress,
		Amount:   p.Amount,
		Currency: currency,
	}

	employer, key, err := m.signer(ctx, p.EmployerWallet)
	if err != nil {
		return m.recordDisbursement(ctx, p, rec, "", err)
	}

	ref, submitErr := m.chain.Submit(ctx, chain.TransferInput{
		From:         employer.Address,
		To:           p.ContractAddress,
		Amount:       p.Amount,
		GasLimit:     m.gasLimit,
		GasPriceGwei: m.gasPriceGwei,
	}, key)
	return m.recordDisbursement(ctx, p, rec, ref, submitErr)
}

func (m *Manager) recordDisbursement(ctx context.Context, p DisbursementPayload, rec intent.Intent, ref string, submitErr error) error {
	if errors.Is(submitErr, chain.ErrUnresolved) && ref != "" {
		m.logger.Warn("disbursement unresolved, tracking hash",
			slog.String("agreement_id", p.AgreementID.String()), slog.String("ref", ref), slog.Any("err", submitErr))
		submitErr = nil
	}
	if submitErr != nil {
		rec.Status = intent.StatusFailure
		rec.Detail = submitErr.Error()
	} else {
		rec.Status = intent.StatusPending
		rec.Reference = ref
	}

	if _, err := m.intents.Create(ctx, rec); err != nil {
		m.logger.Error("record disbursement intent",
			slog.String("agreement_id", p.AgreementID.String()), slog.String("ref", ref), slog.Any("err", err))
		return errors.Join(submitErr, fmt.Errorf("agreement: record disbursement: %w", err))
	}

	if submitErr != nil {
		m.logger.Error("disbursement failed", slog.String("agreement_id", p.AgreementID.String()), slog.Any("err", submitErr))
		return fmt.Errorf("agreement: disburse: %w", submitErr)
	}
	m.logger.Info("disbursement submitted", slog.String("agreement_id", p.AgreementID.String()), slog.String("ref", ref))
	return nil
}
