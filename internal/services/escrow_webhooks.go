package services

import (
	"context"
	"errors"

	"github.com/creatormarket/escrow/internal/events"
	"github.com/creatormarket/escrow/internal/ledger"
	"github.com/creatormarket/escrow/internal/models"
	"github.com/creatormarket/escrow/internal/repositories"
	"github.com/creatormarket/escrow/internal/webhooks"
	"go.uber.org/zap"
)

// Apply routes a verified provider event. It runs inside the dispatcher's
// transaction and never calls the provider.
func (s *EscrowService) Apply(ctx context.Context, tx repositories.Tx, ev webhooks.Event) (webhooks.Result, error) {
	switch e := ev.(type) {
	case webhooks.FundingSucceeded:
		return s.applyFundingSucceeded(ctx, tx, e)
	case webhooks.FundingFailed:
		return s.applyFundingFailed(ctx, tx, e)
	case webhooks.TransferCreated:
		return s.payouts.ApplyReport(ctx, tx, StatusReport{
			TransferRef: e.TransferRef,
			PayoutID:    e.PayoutID,
			Status:      models.PayoutStatusProcessing,
		})
	case webhooks.TransferUpdated:
		return s.payouts.ApplyReport(ctx, tx, StatusReport{
			TransferRef: e.TransferRef,
			PayoutID:    e.PayoutID,
			Status:      e.Status,
			Reason:      e.Reason,
		})
	case webhooks.PayoutSettled:
		return s.payouts.ApplyReport(ctx, tx, StatusReport{
			TransferRef:   e.TransferRef,
			PayoutID:      e.PayoutID,
			Status:        models.PayoutStatusCompleted,
			Authoritative: true,
		})
	case webhooks.AccountStatusChanged:
		return s.applyAccountStatus(ctx, tx, e)
	}
	return webhooks.Result{Outcome: ledger.OutcomeUnhandled}, nil
}

// lockByEscrowRef finds the one deal an escrow reference belongs to.
func lockByEscrowRef(ctx context.Context, tx repositories.Tx, ref string) (*models.Deal, error) {
	deal, err := tx.LockDealByEscrowRef(ctx, ref)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return nil, webhooks.Reject("unknown escrow reference")
	case errors.Is(err, repositories.ErrAmbiguous):
		return nil, webhooks.Reject("escrow reference matches more than one deal")
	}
	return deal, err
}

func (s *EscrowService) applyFundingSucceeded(ctx context.Context, tx repositories.Tx, e webhooks.FundingSucceeded) (webhooks.Result, error) {
	deal, err := lockByEscrowRef(ctx, tx, e.EscrowRef)
	if err != nil {
		return webhooks.Result{}, err
	}
	res := webhooks.Result{Outcome: ledger.OutcomeNoop, DealID: &deal.ID}
	log := s.log.With(zap.String("deal_id", deal.ID.String()), zap.String("event_id", e.ID))

	if deal.State != models.DealStateDraft {
		log.Info("funding already applied", zap.String("state", deal.State))
		return res, nil
	}
	if e.Amount != deal.Amount || (e.Currency != "" && e.Currency != deal.Currency) {
		log.Warn("funding amount mismatch", zap.Int64("expected", deal.Amount), zap.Int64("received", e.Amount))
		return res, &webhooks.Rejection{Reason: "funding amount or currency does not match deal", DealID: &deal.ID}
	}

	n, err := s.markFunded(ctx, tx, deal, e.PaymentRef, models.ProviderActor, "webhook")
	if err != nil {
		return res, err
	}
	log.Info("deal funded")
	res.Outcome = ledger.OutcomeApplied
	res.Notices = []events.Event{n}
	return res, nil
}

func (s *EscrowService) applyFundingFailed(ctx context.Context, tx repositories.Tx, e webhooks.FundingFailed) (webhooks.Result, error) {
	deal, err := lockByEscrowRef(ctx, tx, e.EscrowRef)
	if err != nil {
		return webhooks.Result{}, err
	}
	res := webhooks.Result{Outcome: ledger.OutcomeNoop, DealID: &deal.ID}

	// a late failure of an older attempt does not touch the current one
	if !deal.FundingInFlight() || !currentFundingAttempt(deal, e) {
		s.log.Info("funding failure of another attempt ignored",
			zap.String("deal_id", deal.ID.String()),
			zap.String("payment_ref", e.PaymentRef),
			zap.Int("attempt", e.Attempt),
		)
		return res, nil
	}
	if err := s.clearFunding(ctx, tx, deal, models.ProviderActor, e.Reason); err != nil {
		return res, err
	}
	s.log.Info("funding failed", zap.String("deal_id", deal.ID.String()), zap.String("reason", e.Reason))
	res.Outcome = ledger.OutcomeApplied
	return res, nil
}

// currentFundingAttempt matches a failure by payment reference, or by attempt
// number while the current charge reference is not yet recorded.
func currentFundingAttempt(deal *models.Deal, e webhooks.FundingFailed) bool {
	if deal.FundingPaymentRef != nil {
		return *deal.FundingPaymentRef == e.PaymentRef
	}
	return e.Attempt > 0 && e.Attempt == deal.FundingAttempts
}

func (s *EscrowService) applyAccountStatus(ctx context.Context, tx repositories.Tx, e webhooks.AccountStatusChanged) (webhooks.Result, error) {
	if _, err := s.recorder.Record(ctx, tx, ledger.Entry{
		Type:  ledger.TypeAccountStatusChanged,
		Actor: models.ProviderActor,
		Payload: map[string]any{
			"account_ref":     e.AccountRef,
			"charges_enabled": e.ChargesEnabled,
			"payouts_enabled": e.PayoutsEnabled,
		},
	}); err != nil {
		return webhooks.Result{}, err
	}
	if !e.PayoutsEnabled {
		s.log.Warn("receiver account cannot receive payouts", zap.String("account_ref", e.AccountRef))
	}
	return webhooks.Result{Outcome: ledger.OutcomeApplied}, nil
}
