package services

import (
	"context"
	"time"

	"github.com/creatormarket/escrow/internal/config"
	"github.com/creatormarket/escrow/internal/events"
	"github.com/creatormarket/escrow/internal/ledger"
	"github.com/creatormarket/escrow/internal/metrics"
	"github.com/creatormarket/escrow/internal/models"
	"github.com/creatormarket/escrow/internal/payments"
	"github.com/creatormarket/escrow/internal/rbac"
	"github.com/creatormarket/escrow/internal/repositories"
	"github.com/creatormarket/escrow/internal/webhooks"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reconciler settles provider work whose confirmation never arrived: funding
// charges with a missed webhook and payouts whose release call timed out.
type Reconciler struct {
	store    repositories.Store
	provider payments.Provider
	escrow   *EscrowService
	payouts  *PayoutService
	recorder *ledger.Recorder
	cfg      *config.Config
	log      *zap.Logger
	now      func() time.Time
}

func NewReconciler(
	store repositories.Store,
	provider payments.Provider,
	escrow *EscrowService,
	payouts *PayoutService,
	recorder *ledger.Recorder,
	cfg *config.Config,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		store:    store,
		provider: provider,
		escrow:   escrow,
		payouts:  payouts,
		recorder: recorder,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) cutoff() time.Time {
	return r.now().Add(-r.cfg.ReconcileAfter)
}

// ReconcileFunding asks the provider about draft deals whose funding request
// is older than the reconcile threshold and funds those it reports funded.
func (r *Reconciler) ReconcileFunding(ctx context.Context) (int, error) {
	deals, err := r.store.ListStaleFunding(ctx, r.cutoff(), r.cfg.ReconcileBatchSize)
	if err != nil {
		return 0, err
	}
	funded := 0
	for i := range deals {
		ok, err := r.reconcileFunding(ctx, &deals[i])
		if err != nil {
			metrics.ReconciledTotal.WithLabelValues("funding", "error").Inc()
			r.log.Warn("funding reconciliation failed", zap.String("deal_id", deals[i].ID.String()), zap.Error(err))
			continue
		}
		if ok {
			funded++
		}
	}
	return funded, nil
}

func (r *Reconciler) reconcileFunding(ctx context.Context, deal *models.Deal) (bool, error) {
	if deal.PendingEscrowRef == nil {
		return false, nil
	}
	balance, err := r.provider.GetBalance(ctx, *deal.PendingEscrowRef)
	if err != nil {
		return false, err
	}
	status := balance.Status()
	log := r.log.With(zap.String("deal_id", deal.ID.String()))
	if status != payments.EscrowFunded {
		metrics.ReconciledTotal.WithLabelValues("funding", "unchanged").Inc()
		if status != payments.EscrowUnfunded {
			log.Warn("draft deal escrow in unexpected state", zap.String("status", string(status)))
		}
		return false, nil
	}
	if balance.Funded != deal.Amount {
		metrics.ReconciledTotal.WithLabelValues("funding", "mismatch").Inc()
		log.Warn("escrow funded with a different amount",
			zap.Int64("expected", deal.Amount),
			zap.Int64("funded", balance.Funded),
		)
		return false, nil
	}

	var notices []events.Event
	err = r.store.WithinTx(ctx, func(tx repositories.Tx) error {
		notices = nil
		d, err := tx.LockDeal(ctx, deal.ID)
		if err != nil {
			return err
		}
		if d.State != models.DealStateDraft || d.PendingEscrowRef == nil {
			return nil
		}
		paymentRef := ""
		if d.FundingPaymentRef != nil {
			paymentRef = *d.FundingPaymentRef
		}
		n, err := r.escrow.markFunded(ctx, tx, d, paymentRef, models.SystemActor, "reconcile")
		if err != nil {
			return err
		}
		if _, err := r.recorder.Record(ctx, tx, ledger.Entry{
			Type:    ledger.TypeReconcileObserved,
			Actor:   models.SystemActor,
			DealID:  &d.ID,
			Payload: map[string]any{"entity": "deal", "provider_status": string(status), "funded": balance.Funded},
		}); err != nil {
			return err
		}
		notices = []events.Event{n}
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(notices) == 0 {
		return false, nil
	}
	metrics.ReconciledTotal.WithLabelValues("funding", "applied").Inc()
	r.log.Info("deal funded by reconciliation", zap.String("deal_id", deal.ID.String()))
	r.escrow.publish(ctx, notices)
	return true, nil
}

// ReconcilePayouts re-requests pending payouts that never got a provider
// reference, reusing their idempotency key, and asks the provider about
// accepted payouts whose settlement notice never arrived. It never re-issues
// a payout the provider already accepted.
func (r *Reconciler) ReconcilePayouts(ctx context.Context) (int, error) {
	cutoff := r.cutoff()
	pending, err := r.store.ListUnrequestedPayouts(ctx, cutoff, r.cfg.ReconcileBatchSize)
	if err != nil {
		return 0, err
	}
	requested := 0
	for _, p := range pending {
		if _, err := r.payouts.Request(ctx, p.ID); err != nil {
			metrics.ReconciledTotal.WithLabelValues("payout", "error").Inc()
			r.log.Warn("payout re-request failed", zap.String("payout_id", p.ID.String()), zap.Error(err))
			continue
		}
		metrics.ReconciledTotal.WithLabelValues("payout", "requested").Inc()
		requested++
	}

	stale, err := r.store.ListStaleRequestedPayouts(ctx, cutoff, r.cfg.ReconcileBatchSize)
	if err != nil {
		return requested, err
	}
	for i := range stale {
		if _, err := r.reconcileTransfer(ctx, &stale[i]); err != nil {
			metrics.ReconciledTotal.WithLabelValues("payout_transfer", "error").Inc()
			r.log.Warn("transfer reconciliation failed", zap.String("payout_id", stale[i].ID.String()), zap.Error(err))
		}
	}
	return requested, nil
}

// reconcileTransfer feeds the provider's transfer status into the payout
// lattice. A transfer still pending at the provider changes nothing.
func (r *Reconciler) reconcileTransfer(ctx context.Context, p *models.Payout) (bool, error) {
	if p.ProviderRef == nil {
		return false, nil
	}
	status, err := r.provider.GetTransferStatus(ctx, *p.ProviderRef)
	if err != nil {
		return false, err
	}
	rep := StatusReport{TransferRef: *p.ProviderRef, PayoutID: p.ID.String()}
	switch status {
	case payments.TransferPaid:
		rep.Status = models.PayoutStatusCompleted
	case payments.TransferReversed:
		rep.Status, rep.Reason = models.PayoutStatusFailed, "reversed"
	default:
		metrics.ReconciledTotal.WithLabelValues("payout_transfer", "unchanged").Inc()
		r.log.Warn("payout awaiting provider settlement",
			zap.String("payout_id", p.ID.String()),
			zap.Time("updated_at", p.UpdatedAt),
		)
		return false, nil
	}

	var res webhooks.Result
	err = r.store.WithinTx(ctx, func(tx repositories.Tx) error {
		var err error
		res, err = r.payouts.ApplyReport(ctx, tx, rep)
		if err != nil {
			return err
		}
		if res.Outcome != ledger.OutcomeApplied {
			return nil
		}
		_, err = r.recorder.Record(ctx, tx, ledger.Entry{
			Type:        ledger.TypeReconcileObserved,
			Actor:       models.SystemActor,
			DealID:      res.DealID,
			MilestoneID: p.MilestoneID,
			PayoutID:    &p.ID,
			Payload:     map[string]any{"entity": "payout", "provider_status": string(status)},
		})
		return err
	})
	if err != nil {
		return false, err
	}
	r.payouts.publish(ctx, res.Notices)
	if res.Outcome != ledger.OutcomeApplied {
		metrics.ReconciledTotal.WithLabelValues("payout_transfer", "unchanged").Inc()
		return false, nil
	}
	metrics.ReconciledTotal.WithLabelValues("payout_transfer", "applied").Inc()
	r.log.Info("payout settled by reconciliation",
		zap.String("payout_id", p.ID.String()),
		zap.String("provider_status", string(status)),
	)
	return true, nil
}

// ReconcileDeal reconciles one deal on an admin's request, regardless of age.
func (r *Reconciler) ReconcileDeal(ctx context.Context, dealID uuid.UUID, actor models.Actor) (*models.DealView, error) {
	if err := requireAdmin(actor, rbac.PermReconcile); err != nil {
		return nil, err
	}
	deal, err := r.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, notFound(err, "deal")
	}
	if deal.FundingInFlight() {
		if _, err := r.reconcileFunding(ctx, deal); err != nil {
			return nil, err
		}
	}
	payouts, err := r.store.ListPayouts(ctx, dealID)
	if err != nil {
		return nil, err
	}
	for i := range payouts {
		p := &payouts[i]
		switch {
		case p.Status == models.PayoutStatusPending && p.ProviderRef == nil:
			if _, err := r.payouts.Request(ctx, p.ID); err != nil {
				return nil, err
			}
		case p.ProviderRef != nil && !models.IsTerminalPayoutStatus(p.Status):
			if _, err := r.reconcileTransfer(ctx, p); err != nil {
				return nil, err
			}
		}
	}
	return r.escrow.view(ctx, dealID)
}
