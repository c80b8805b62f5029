package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creatormarket/escrow/internal/events"
	"github.com/creatormarket/escrow/internal/ledger"
	"github.com/creatormarket/escrow/internal/metrics"
	"github.com/creatormarket/escrow/internal/models"
	"github.com/creatormarket/escrow/internal/payments"
	"github.com/creatormarket/escrow/internal/rbac"
	"github.com/creatormarket/escrow/internal/repositories"
	"github.com/creatormarket/escrow/internal/traces"
	"github.com/creatormarket/escrow/internal/webhooks"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PayoutService moves approved milestone money out of escrow. A payout row is
// created in the approving transaction; the provider call happens after commit
// with the payout id as idempotency key, so re-requesting a payout never
// starts a second transfer. Failed payouts are never retried automatically.
type PayoutService struct {
	store     repositories.Store
	provider  payments.Provider
	recorder  *ledger.Recorder
	fees      FeePolicy
	publisher events.Publisher
	log       *zap.Logger
	now       func() time.Time
}

func NewPayoutService(
	store repositories.Store,
	provider payments.Provider,
	recorder *ledger.Recorder,
	fees FeePolicy,
	publisher events.Publisher,
	log *zap.Logger,
) *PayoutService {
	if fees == nil {
		fees = BPSFee(0)
	}
	return &PayoutService{
		store:     store,
		provider:  provider,
		recorder:  recorder,
		fees:      fees,
		publisher: publisher,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StatusReport is a provider statement about a transfer. Authoritative reports
// may correct a failed payout to completed.
type StatusReport struct {
	TransferRef   string
	PayoutID      string
	Status        string
	Reason        string
	Authoritative bool
}

// create plans the payout of an approved milestone inside tx. The milestone
// amount plus every active payout of the deal must fit in the deal amount.
func (s *PayoutService) create(ctx context.Context, tx repositories.Tx, deal *models.Deal, m *models.Milestone, actor models.Actor) (*models.Payout, events.Event, error) {
	existing, err := tx.ListPayouts(ctx, deal.ID)
	if err != nil {
		return nil, events.Event{}, err
	}
	var committed int64
	for _, p := range existing {
		if !models.IsActivePayoutStatus(p.Status) {
			continue
		}
		if p.MilestoneID != nil && *p.MilestoneID == m.ID {
			return nil, events.Event{}, invalidState("milestone already has an active payout")
		}
		committed += p.Gross()
	}
	if committed+m.Amount > deal.Amount {
		return nil, events.Event{}, fmt.Errorf("%w: %d committed, %d requested, deal holds %d", ErrAmountMismatch, committed, m.Amount, deal.Amount)
	}

	fee := s.fees.Fee(m.Amount, m.Currency)
	if fee < 0 || fee >= m.Amount {
		return nil, events.Event{}, fmt.Errorf("%w: fee %d on %d", ErrAmountMismatch, fee, m.Amount)
	}

	p := &models.Payout{
		ID:          uuid.New(),
		DealID:      &deal.ID,
		MilestoneID: &m.ID,
		Provider:    s.provider.Name(),
		Amount:      m.Amount - fee,
		Fee:         fee,
		Currency:    m.Currency,
		Status:      models.PayoutStatusPending,
		RequestedAt: s.now(),
	}
	if err := tx.CreatePayout(ctx, p); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, events.Event{}, invalidState("milestone already has an active payout")
		}
		return nil, events.Event{}, err
	}
	if _, err := s.recorder.Record(ctx, tx, ledger.Entry{
		Type:        ledger.TypePayoutCreated,
		Actor:       actor,
		DealID:      &deal.ID,
		MilestoneID: &m.ID,
		PayoutID:    &p.ID,
		Payload:     map[string]any{"amount": p.Amount, "fee": p.Fee, "currency": p.Currency},
	}); err != nil {
		return nil, events.Event{}, err
	}
	metrics.TransitionsTotal.WithLabelValues("payout", p.Status).Inc()
	return p, payoutNotice(deal, p, ""), nil
}

// lockChain locks the payout's deal, milestone and payout rows in that order.
func lockChain(ctx context.Context, tx repositories.Tx, p *models.Payout) (*models.Deal, *models.Milestone, *models.Payout, error) {
	if p.DealID == nil {
		return nil, nil, nil, invalidState("payout is not attached to a deal")
	}
	deal, err := tx.LockDeal(ctx, *p.DealID)
	if err != nil {
		return nil, nil, nil, notFound(err, "deal")
	}
	var m *models.Milestone
	if p.MilestoneID != nil {
		if m, err = tx.LockMilestone(ctx, *p.MilestoneID); err != nil {
			return nil, nil, nil, notFound(err, "milestone")
		}
	}
	locked, err := tx.LockPayout(ctx, p.ID)
	if err != nil {
		return nil, nil, nil, notFound(err, "payout")
	}
	return deal, m, locked, nil
}

// Request asks the provider to release a pending payout that has no transfer
// yet. A transient provider failure leaves the payout pending for the
// reconciler; a permanent one cancels it.
func (s *PayoutService) Request(ctx context.Context, payoutID uuid.UUID) (*models.Payout, error) {
	ctx, span := traces.StartSpan(ctx, "payouts.request", traces.PayoutID(payoutID.String()))
	p, err := s.request(ctx, payoutID)
	traces.End(span, err)
	return p, err
}

func (s *PayoutService) request(ctx context.Context, payoutID uuid.UUID) (*models.Payout, error) {
	p, err := s.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, notFound(err, "payout")
	}
	if p.Status != models.PayoutStatusPending || p.ProviderRef != nil || p.DealID == nil {
		return p, nil
	}
	deal, err := s.store.GetDeal(ctx, *p.DealID)
	if err != nil {
		return nil, notFound(err, "deal")
	}
	if deal.EscrowRef == nil {
		return p, invalidState("deal has no escrow")
	}

	metadata := map[string]string{
		"payout_id": p.ID.String(),
		"deal_id":   deal.ID.String(),
	}
	if p.MilestoneID != nil {
		metadata["milestone_id"] = p.MilestoneID.String()
	}
	ref, err := s.provider.ReleaseToReceiver(ctx, payments.ReleaseRequest{
		EscrowRef:      *deal.EscrowRef,
		Amount:         p.Amount,
		Currency:       p.Currency,
		ReceiverRef:    deal.ReceiverAccountRef,
		Metadata:       metadata,
		IdempotencyKey: p.ID.String(),
	})
	if err != nil {
		if errors.Is(err, payments.ErrProviderUnavailable) {
			s.log.Warn("payout request deferred",
				zap.String("payout_id", p.ID.String()),
				zap.String("deal_id", deal.ID.String()),
				zap.Error(err),
			)
			return p, fmt.Errorf("release payout: %w", err)
		}
		return s.cancel(ctx, p, err)
	}
	return s.confirm(ctx, p, ref)
}

func (s *PayoutService) confirm(ctx context.Context, p *models.Payout, ref string) (*models.Payout, error) {
	var out *models.Payout
	var notices []events.Event
	anomaly := models.AnomalyNone
	err := s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		notices, anomaly = nil, models.AnomalyNone
		deal, _, locked, err := lockChain(ctx, tx, p)
		if err != nil {
			return err
		}
		out = locked
		if locked.ProviderRef != nil {
			return nil
		}
		locked.ProviderRef = &ref
		if err := tx.UpdatePayout(ctx, locked); err != nil {
			return err
		}
		if locked.Status != models.PayoutStatusPending {
			anomaly = models.AnomalyTransferAfterCancel
			metrics.PayoutAnomaliesTotal.WithLabelValues(string(anomaly)).Inc()
			_, err = s.recorder.Record(ctx, tx, ledger.Entry{
				Type:        ledger.TypePayoutAnomaly,
				Actor:       models.SystemActor,
				DealID:      &deal.ID,
				MilestoneID: locked.MilestoneID,
				PayoutID:    &locked.ID,
				Payload:     map[string]any{"anomaly": string(anomaly), "status": locked.Status, "provider_ref": ref},
			})
			notices = []events.Event{anomalyNotice(deal, locked, anomaly, models.PayoutStatusProcessing)}
			return err
		}
		_, err = s.recorder.Record(ctx, tx, ledger.Entry{
			Type:        ledger.TypePayoutRequested,
			Actor:       models.SystemActor,
			DealID:      &deal.ID,
			MilestoneID: locked.MilestoneID,
			PayoutID:    &locked.ID,
			Payload:     map[string]any{"provider_ref": ref},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if anomaly != models.AnomalyNone {
		s.log.Error("transfer accepted for a closed payout",
			zap.String("payout_id", out.ID.String()),
			zap.String("status", out.Status),
			zap.String("provider_ref", ref),
		)
		s.publish(ctx, notices)
		return out, nil
	}
	s.log.Info("payout requested", zap.String("payout_id", out.ID.String()), zap.String("provider_ref", ref))
	return out, nil
}

// cancel closes a payout the provider refused before any transfer existed.
func (s *PayoutService) cancel(ctx context.Context, p *models.Payout, cause error) (*models.Payout, error) {
	var out *models.Payout
	var notices []events.Event
	err := s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		notices = nil
		deal, _, locked, err := lockChain(ctx, tx, p)
		if err != nil {
			return err
		}
		out = locked
		if locked.Status != models.PayoutStatusPending || locked.ProviderRef != nil {
			return nil
		}
		reason := cause.Error()
		steps, _ := models.PayoutPath(locked.Status, models.PayoutStatusCanceled, false)
		for _, step := range steps {
			n, err := s.step(ctx, tx, deal, locked, step, models.SystemActor, reason)
			if err != nil {
				return err
			}
			notices = append(notices, n)
		}
		return tx.UpdatePayout(ctx, locked)
	})
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	s.log.Warn("payout refused by provider", zap.String("payout_id", p.ID.String()), zap.Error(cause))
	s.publish(ctx, notices)
	return out, fmt.Errorf("release payout: %w", cause)
}

// step applies one lattice step to the in-memory payout and records it.
func (s *PayoutService) step(ctx context.Context, tx repositories.Tx, deal *models.Deal, p *models.Payout, to string, actor models.Actor, reason string) (events.Event, error) {
	from := p.Status
	p.Status = to
	if models.IsTerminalPayoutStatus(to) {
		now := s.now()
		p.ProcessedAt = &now
	}
	switch to {
	case models.PayoutStatusFailed, models.PayoutStatusCanceled:
		if reason != "" {
			p.FailureReason = &reason
		}
	case models.PayoutStatusCompleted:
		p.FailureReason = nil
	}
	return recordPayoutStep(ctx, tx, s.recorder, deal, p, from, actor, reason)
}

// ApplyReport moves a payout along the status lattice from a provider report.
// Reports that would move a payout backwards are recorded as anomalies and
// change nothing.
func (s *PayoutService) ApplyReport(ctx context.Context, tx repositories.Tx, rep StatusReport) (webhooks.Result, error) {
	found, err := findPayout(ctx, tx, rep)
	if err != nil {
		return webhooks.Result{}, err
	}
	deal, m, p, err := lockChain(ctx, tx, found)
	if err != nil {
		return webhooks.Result{}, err
	}
	res := webhooks.Result{Outcome: ledger.OutcomeNoop, DealID: &deal.ID, PayoutID: &p.ID}
	log := s.log.With(zap.String("payout_id", p.ID.String()), zap.String("deal_id", deal.ID.String()))

	changed := false
	if rep.TransferRef != "" {
		switch {
		case p.ProviderRef == nil:
			ref := rep.TransferRef
			p.ProviderRef = &ref
			changed = true
		case *p.ProviderRef != rep.TransferRef:
			return res, &webhooks.Rejection{Reason: "transfer reference does not match payout", DealID: &deal.ID, PayoutID: &p.ID}
		}
	}

	if rep.Status != "" {
		steps, anomaly := models.PayoutPath(p.Status, rep.Status, rep.Authoritative)
		if anomaly == models.AnomalyNone && len(steps) > 0 && !models.IsActivePayoutStatus(p.Status) {
			ns, ok, err := s.yieldReplacement(ctx, tx, deal, p)
			if err != nil {
				return res, err
			}
			res.Notices = append(res.Notices, ns...)
			if !ok {
				steps, anomaly = nil, models.AnomalyCompletedAfterRetry
			}
		}
		if anomaly != models.AnomalyNone {
			metrics.PayoutAnomaliesTotal.WithLabelValues(string(anomaly)).Inc()
			log.Warn("payout status report ignored",
				zap.String("status", p.Status),
				zap.String("reported", rep.Status),
				zap.String("anomaly", string(anomaly)),
			)
			if _, err := s.recorder.Record(ctx, tx, ledger.Entry{
				Type:        ledger.TypePayoutAnomaly,
				Actor:       models.ProviderActor,
				DealID:      &deal.ID,
				MilestoneID: p.MilestoneID,
				PayoutID:    &p.ID,
				Payload:     map[string]any{"anomaly": string(anomaly), "status": p.Status, "reported": rep.Status, "reason": rep.Reason},
			}); err != nil {
				return res, err
			}
			res.Reason = string(anomaly)
			res.Notices = append(res.Notices, anomalyNotice(deal, p, anomaly, rep.Status))
		}
		for _, to := range steps {
			n, err := s.step(ctx, tx, deal, p, to, models.ProviderActor, rep.Reason)
			if err != nil {
				return res, err
			}
			res.Notices = append(res.Notices, n)
			changed = true
		}
	}

	if !changed {
		return res, nil
	}
	if err := tx.UpdatePayout(ctx, p); err != nil {
		return res, err
	}
	res.Outcome = ledger.OutcomeApplied

	if p.Status == models.PayoutStatusCompleted && m != nil {
		ns, err := s.releaseMilestone(ctx, tx, deal, m, p, models.ProviderActor)
		if err != nil {
			return res, err
		}
		res.Notices = append(res.Notices, ns...)
	}
	if p.Status == models.PayoutStatusFailed {
		log.Warn("payout failed, awaiting manual retry", zap.String("reason", rep.Reason))
	}
	return res, nil
}

// yieldReplacement makes room for a failed payout the provider settled after
// all. A replacement that never reached the provider is canceled; one that did
// keeps the milestone and the settlement is reported as an anomaly.
func (s *PayoutService) yieldReplacement(ctx context.Context, tx repositories.Tx, deal *models.Deal, p *models.Payout) ([]events.Event, bool, error) {
	if p.MilestoneID == nil {
		return nil, true, nil
	}
	payouts, err := tx.ListPayouts(ctx, deal.ID)
	if err != nil {
		return nil, false, err
	}
	var notices []events.Event
	for _, other := range payouts {
		if other.ID == p.ID || other.MilestoneID == nil || *other.MilestoneID != *p.MilestoneID ||
			!models.IsActivePayoutStatus(other.Status) {
			continue
		}
		if other.Status != models.PayoutStatusPending || other.ProviderRef != nil {
			return nil, false, nil
		}
		locked, err := tx.LockPayout(ctx, other.ID)
		if err != nil {
			return nil, false, err
		}
		if locked.Status != models.PayoutStatusPending || locked.ProviderRef != nil {
			return nil, false, nil
		}
		n, err := s.step(ctx, tx, deal, locked, models.PayoutStatusCanceled, models.ProviderActor,
			"superseded by settlement of payout "+p.ID.String())
		if err != nil {
			return nil, false, err
		}
		if err := tx.UpdatePayout(ctx, locked); err != nil {
			return nil, false, err
		}
		s.log.Warn("replacement payout canceled",
			zap.String("payout_id", locked.ID.String()),
			zap.String("settled_payout_id", p.ID.String()),
		)
		notices = append(notices, n)
	}
	return notices, true, nil
}

func findPayout(ctx context.Context, tx repositories.Tx, rep StatusReport) (*models.Payout, error) {
	if rep.TransferRef != "" {
		p, err := tx.GetPayoutByProviderRef(ctx, rep.TransferRef)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
	}
	if id, err := uuid.Parse(rep.PayoutID); err == nil {
		p, err := tx.GetPayout(ctx, id)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
	}
	return nil, webhooks.Reject("no payout for transfer")
}

// releaseMilestone marks an approved milestone released once its payout
// completed, and releases the deal when it was the last one. Disputed
// milestones keep their state until the dispute is resolved.
func (s *PayoutService) releaseMilestone(ctx context.Context, tx repositories.Tx, deal *models.Deal, m *models.Milestone, p *models.Payout, actor models.Actor) ([]events.Event, error) {
	if m.State != models.MilestoneStateApproved {
		return nil, nil
	}
	if deal.State != models.DealStateFunded && deal.State != models.DealStateReleased {
		return nil, nil
	}

	now := s.now()
	m.ReleasedAt = &now
	n, err := moveMilestone(ctx, tx, s.recorder, deal, m, models.MilestoneStateReleased, actor, ledger.TypeMilestoneReleased,
		map[string]any{"payout_id": p.ID.String(), "amount": m.Amount})
	if err != nil {
		return nil, err
	}
	notices := []events.Event{n}

	if deal.State != models.DealStateFunded {
		return notices, nil
	}
	milestones, err := tx.ListMilestones(ctx, deal.ID)
	if err != nil {
		return nil, err
	}
	if !models.AllReleased(milestones) {
		return notices, nil
	}
	n, err = moveDeal(ctx, tx, s.recorder, deal, models.DealStateReleased, actor, ledger.TypeDealReleased,
		map[string]any{"amount": deal.Amount})
	if err != nil {
		return nil, err
	}
	return append(notices, n), nil
}

// Retry re-issues a failed or canceled payout as a new payout row. It is an
// administrative action only.
func (s *PayoutService) Retry(ctx context.Context, payoutID uuid.UUID, actor models.Actor) (*models.Payout, error) {
	if err := requireAdmin(actor, rbac.PermRetryPayout); err != nil {
		return nil, err
	}
	old, err := s.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, notFound(err, "payout")
	}

	var created *models.Payout
	var notices []events.Event
	err = s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		deal, m, p, err := lockChain(ctx, tx, old)
		if err != nil {
			return err
		}
		if p.Status != models.PayoutStatusFailed && p.Status != models.PayoutStatusCanceled {
			return invalidState("payout is %s", p.Status)
		}
		if m == nil || m.State != models.MilestoneStateApproved {
			return invalidState("milestone is not awaiting payout")
		}
		if deal.State != models.DealStateFunded && deal.State != models.DealStateReleased {
			return invalidState("deal is %s", deal.State)
		}
		np, n, err := s.create(ctx, tx, deal, m, actor)
		if err != nil {
			return err
		}
		if _, err := s.recorder.Record(ctx, tx, ledger.Entry{
			Type:        ledger.TypePayoutRetried,
			Actor:       actor,
			DealID:      &deal.ID,
			MilestoneID: &m.ID,
			PayoutID:    &np.ID,
			Payload:     map[string]any{"previous_payout_id": p.ID.String()},
		}); err != nil {
			return err
		}
		created, notices = np, []events.Event{n}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, notices)
	s.log.Info("payout retried", zap.String("payout_id", created.ID.String()), zap.String("previous_payout_id", payoutID.String()))
	return s.Request(ctx, created.ID)
}

func (s *PayoutService) publish(ctx context.Context, notices []events.Event) {
	for _, n := range notices {
		if err := s.publisher.Publish(ctx, events.StreamEscrow, n); err != nil {
			s.log.Warn("failed to publish notice", zap.String("type", n.Type), zap.Error(err))
		}
	}
}
