package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/creatormarket/escrow/internal/config"
	"github.com/creatormarket/escrow/internal/events"
	"github.com/creatormarket/escrow/internal/ledger"
	"github.com/creatormarket/escrow/internal/metrics"
	"github.com/creatormarket/escrow/internal/models"
	"github.com/creatormarket/escrow/internal/payments"
	"github.com/creatormarket/escrow/internal/rbac"
	"github.com/creatormarket/escrow/internal/repositories"
	"github.com/creatormarket/escrow/internal/traces"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispute resolutions
const (
	ResolveRelease = "release"
	ResolveRefund  = "refund"
)

// EscrowService owns deal and milestone transitions. Every action runs in one
// store transaction that locks the deal, then its milestones, then payouts,
// and writes its ledger events through the same transaction.
type EscrowService struct {
	store     repositories.Store
	provider  payments.Provider
	payouts   *PayoutService
	recorder  *ledger.Recorder
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
	now       func() time.Time
}

func NewEscrowService(
	store repositories.Store,
	provider payments.Provider,
	payouts *PayoutService,
	recorder *ledger.Recorder,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		store:     store,
		provider:  provider,
		payouts:   payouts,
		recorder:  recorder,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type MilestoneInput struct {
	Title  string
	Amount int64
	DueAt  *time.Time
}

type CreateDealInput struct {
	ReceiverID         uuid.UUID
	ReceiverAccountRef string
	PayerRef           *string
	Title              string
	Currency           string
	Milestones         []MilestoneInput
}

// CreateDeal opens a draft deal funded by the acting user. The deal amount is
// the sum of its milestones and never changes afterwards.
func (s *EscrowService) CreateDeal(ctx context.Context, actor models.Actor, in CreateDealInput) (*models.DealView, error) {
	if actor.Type != models.ActorTypeUser || actor.UserID == nil {
		return nil, fmt.Errorf("%w: only users can open deals", ErrForbidden)
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	switch {
	case strings.TrimSpace(in.Title) == "":
		return nil, invalidInput("title is required")
	case !s.cfg.IsSupportedCurrency(currency):
		return nil, invalidInput("unsupported currency %q", in.Currency)
	case in.ReceiverID == uuid.Nil || in.ReceiverID == *actor.UserID:
		return nil, invalidInput("receiver must be another user")
	case strings.TrimSpace(in.ReceiverAccountRef) == "":
		return nil, invalidInput("receiver account is required")
	case len(in.Milestones) == 0:
		return nil, invalidInput("at least one milestone is required")
	}

	milestones := make([]models.Milestone, 0, len(in.Milestones))
	var total int64
	for i, mi := range in.Milestones {
		if strings.TrimSpace(mi.Title) == "" {
			return nil, invalidInput("milestone %d: title is required", i+1)
		}
		if mi.Amount <= 0 || total > math.MaxInt64-mi.Amount {
			return nil, invalidInput("milestone %d: invalid amount", i+1)
		}
		total += mi.Amount
		milestones = append(milestones, models.Milestone{
			Position: i + 1,
			Title:    mi.Title,
			Amount:   mi.Amount,
			Currency: currency,
			State:    models.MilestoneStatePending,
			DueAt:    mi.DueAt,
		})
	}

	deal := &models.Deal{
		ID:                 uuid.New(),
		FunderID:           *actor.UserID,
		ReceiverID:         in.ReceiverID,
		ReceiverAccountRef: in.ReceiverAccountRef,
		PayerRef:           in.PayerRef,
		Title:              in.Title,
		Amount:             models.SumAmounts(milestones),
		Currency:           currency,
		State:              models.DealStateDraft,
	}

	err := s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		if err := tx.CreateDeal(ctx, deal, milestones); err != nil {
			return err
		}
		_, err := s.recorder.Record(ctx, tx, ledger.Entry{
			Type:    ledger.TypeDealCreated,
			Actor:   actor,
			DealID:  &deal.ID,
			Payload: map[string]any{"amount": deal.Amount, "currency": deal.Currency, "milestones": len(milestones)},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("deal created", zap.String("deal_id", deal.ID.String()), zap.Int64("amount", deal.Amount))
	s.publish(ctx, []events.Event{dealNotice(deal, "")})
	return &models.DealView{Deal: *deal, Milestones: milestones, Payouts: []models.Payout{}}, nil
}

// FundDeal asks the provider to charge the funder into the deal's escrow. The
// deal stays in draft until the provider confirms the charge.
func (s *EscrowService) FundDeal(ctx context.Context, dealID uuid.UUID, actor models.Actor) (*models.Deal, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.fund_deal", traces.DealID(dealID.String()))
	deal, err := s.fundDeal(ctx, dealID, actor)
	traces.End(span, err)
	return deal, err
}

func (s *EscrowService) fundDeal(ctx context.Context, dealID uuid.UUID, actor models.Actor) (*models.Deal, error) {
	const action = "fund_deal"
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, notFound(err, "deal")
	}
	if err := checkFundable(deal, actor); err != nil {
		s.deny(ctx, action, actor, &dealID, nil, err)
		return nil, err
	}
	if deal.FundingInFlight() && deal.FundingPaymentRef != nil {
		return deal, nil
	}

	escrowRef, err := s.provider.CreateEscrow(ctx, deal.ID, deal.Currency)
	if err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	// claim the funding attempt
	var claimed *models.Deal
	err = s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		d, err := tx.LockDeal(ctx, dealID)
		if err != nil {
			return notFound(err, "deal")
		}
		if err := checkFundable(d, actor); err != nil {
			return err
		}
		claimed = d
		if d.FundingInFlight() {
			return nil
		}
		now := s.now()
		d.PendingEscrowRef = &escrowRef
		d.FundingAttempts++
		d.FundingRequestedAt = &now
		d.FundingPaymentRef = nil
		if err := tx.UpdateDeal(ctx, d); err != nil {
			return err
		}
		_, err = s.recorder.Record(ctx, tx, ledger.Entry{
			Type:    ledger.TypeDealFundingRequested,
			Actor:   actor,
			DealID:  &d.ID,
			Payload: map[string]any{"attempt": d.FundingAttempts, "escrow_ref": escrowRef, "amount": d.Amount},
		})
		return err
	})
	if err != nil {
		s.deny(ctx, action, actor, &dealID, nil, err)
		return nil, err
	}
	if claimed.FundingPaymentRef != nil {
		return claimed, nil
	}

	attempt := claimed.FundingAttempts
	req := payments.FundRequest{
		EscrowRef:      *claimed.PendingEscrowRef,
		DealID:         claimed.ID,
		Amount:         claimed.Amount,
		Currency:       claimed.Currency,
		Attempt:        attempt,
		IdempotencyKey: fmt.Sprintf("fund-%s-%d", claimed.ID, attempt),
	}
	if claimed.PayerRef != nil {
		req.PayerRef = *claimed.PayerRef
	}
	paymentRef, err := s.provider.FundEscrow(ctx, req)
	if err != nil {
		if errors.Is(err, payments.ErrProviderUnavailable) {
			// outcome unknown: the reconciler settles it through GetStatus
			s.log.Warn("funding request deferred", zap.String("deal_id", dealID.String()), zap.Error(err))
			return claimed, fmt.Errorf("fund escrow: %w", err)
		}
		s.fundingRefused(ctx, dealID, attempt, err)
		return nil, fmt.Errorf("fund escrow: %w", err)
	}

	var out *models.Deal
	err = s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		d, err := tx.LockDeal(ctx, dealID)
		if err != nil {
			return notFound(err, "deal")
		}
		out = d
		if d.FundingPaymentRef != nil || d.FundingAttempts != attempt {
			return nil
		}
		d.FundingPaymentRef = &paymentRef
		if err := tx.UpdateDeal(ctx, d); err != nil {
			return err
		}
		_, err = s.recorder.Record(ctx, tx, ledger.Entry{
			Type:    ledger.TypeDealFundingInitiated,
			Actor:   models.SystemActor,
			DealID:  &d.ID,
			Payload: map[string]any{"attempt": attempt, "payment_ref": paymentRef},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("funding initiated", zap.String("deal_id", dealID.String()), zap.String("payment_ref", paymentRef))
	return out, nil
}

func checkFundable(deal *models.Deal, actor models.Actor) error {
	if !rbac.Can(deal, actor, rbac.PermFundDeal) {
		return fmt.Errorf("%w: only the funder can fund the deal", ErrForbidden)
	}
	if deal.State != models.DealStateDraft {
		return invalidState("deal is %s", deal.State)
	}
	return nil
}

// fundingRefused clears the in-flight marker after a permanent provider refusal
// so the funder can try again with a new attempt.
func (s *EscrowService) fundingRefused(ctx context.Context, dealID uuid.UUID, attempt int, cause error) {
	err := s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		d, err := tx.LockDeal(ctx, dealID)
		if err != nil {
			return err
		}
		if d.State != models.DealStateDraft || d.FundingAttempts != attempt || d.FundingPaymentRef != nil {
			return nil
		}
		return s.clearFunding(ctx, tx, d, models.SystemActor, cause.Error())
	})
	if err != nil {
		s.log.Error("failed to record refused funding", zap.String("deal_id", dealID.String()), zap.Error(err))
	}
}

func (s *EscrowService) clearFunding(ctx context.Context, tx repositories.Tx, d *models.Deal, actor models.Actor, reason string) error {
	d.FundingRequestedAt = nil
	d.FundingPaymentRef = nil
	if err := tx.UpdateDeal(ctx, d); err != nil {
		return err
	}
	_, err := s.recorder.Record(ctx, tx, ledger.Entry{
		Type:    ledger.TypeDealFundingFailed,
		Actor:   actor,
		DealID:  &d.ID,
		Payload: map[string]any{"attempt": d.FundingAttempts, "reason": reason},
	})
	return err
}

// markFunded moves a draft deal to funded and fixes its escrow reference.
func (s *EscrowService) markFunded(ctx context.Context, tx repositories.Tx, d *models.Deal, paymentRef string, actor models.Actor, source string) (events.Event, error) {
	if d.PendingEscrowRef == nil {
		return events.Event{}, invalidState("deal has no escrow")
	}
	now := s.now()
	d.EscrowRef, d.PendingEscrowRef = d.PendingEscrowRef, nil
	d.FundedAt = &now
	d.FundingRequestedAt = nil
	if paymentRef != "" && d.FundingPaymentRef == nil {
		d.FundingPaymentRef = &paymentRef
	}
	return moveDeal(ctx, tx, s.recorder, d, models.DealStateFunded, actor, ledger.TypeDealFunded,
		map[string]any{"escrow_ref": *d.EscrowRef, "payment_ref": paymentRef, "amount": d.Amount, "source": source})
}

// onMilestone runs fn with the milestone and its deal locked, after checking
// the actor's permission on the deal.
func (s *EscrowService) onMilestone(
	ctx context.Context,
	action string,
	milestoneID uuid.UUID,
	actor models.Actor,
	permission string,
	fn func(tx repositories.Tx, deal *models.Deal, m *models.Milestone) ([]events.Event, error),
) (*models.Milestone, error) {
	current, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, notFound(err, "milestone")
	}

	var out *models.Milestone
	var notices []events.Event
	err = s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		deal, err := tx.LockDeal(ctx, current.DealID)
		if err != nil {
			return notFound(err, "deal")
		}
		m, err := tx.LockMilestone(ctx, milestoneID)
		if err != nil {
			return notFound(err, "milestone")
		}
		if !rbac.Can(deal, actor, permission) {
			return fmt.Errorf("%w: %s", ErrForbidden, action)
		}
		ns, err := fn(tx, deal, m)
		if err != nil {
			return err
		}
		out, notices = m, ns
		return nil
	})
	if err != nil {
		s.deny(ctx, action, actor, &current.DealID, &milestoneID, err)
		return nil, err
	}
	s.publish(ctx, notices)
	return out, nil
}

// SubmitMilestone records the receiver's deliverable.
func (s *EscrowService) SubmitMilestone(ctx context.Context, milestoneID uuid.UUID, actor models.Actor, deliverable string) (*models.Milestone, error) {
	return s.onMilestone(ctx, "submit_milestone", milestoneID, actor, rbac.PermSubmitMilestone,
		func(tx repositories.Tx, deal *models.Deal, m *models.Milestone) ([]events.Event, error) {
			if deal.State != models.DealStateFunded {
				return nil, invalidState("deal is %s", deal.State)
			}
			if m.State != models.MilestoneStatePending {
				return nil, invalidState("milestone is %s", m.State)
			}
			now := s.now()
			m.SubmittedAt = &now
			if deliverable != "" {
				m.Deliverable = &deliverable
			}
			n, err := moveMilestone(ctx, tx, s.recorder, deal, m, models.MilestoneStateSubmitted, actor, ledger.TypeMilestoneSubmitted,
				map[string]any{"deliverable": deliverable})
			if err != nil {
				return nil, err
			}
			return []events.Event{n}, nil
		})
}

// ApproveMilestone approves a submitted milestone and starts its payout. The
// milestone is released only when the provider confirms the transfer. A
// provider error after approval is returned together with the approved
// milestone; the pending payout is picked up by the reconciler.
func (s *EscrowService) ApproveMilestone(ctx context.Context, milestoneID uuid.UUID, actor models.Actor) (*models.Milestone, *models.Payout, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.approve_milestone", traces.MilestoneID(milestoneID.String()))
	var payout *models.Payout
	m, err := s.onMilestone(ctx, "approve_milestone", milestoneID, actor, rbac.PermApproveMilestone,
		func(tx repositories.Tx, deal *models.Deal, m *models.Milestone) ([]events.Event, error) {
			p, ns, err := s.approve(ctx, tx, deal, m, actor, false)
			payout = p
			return ns, err
		})
	if err != nil {
		traces.End(span, err)
		return nil, nil, err
	}

	requested, err := s.payouts.Request(ctx, payout.ID)
	if requested != nil {
		payout = requested
	}
	traces.End(span, err)
	return m, payout, err
}

func (s *EscrowService) approve(ctx context.Context, tx repositories.Tx, deal *models.Deal, m *models.Milestone, actor models.Actor, auto bool) (*models.Payout, []events.Event, error) {
	if deal.State != models.DealStateFunded {
		return nil, nil, invalidState("deal is %s", deal.State)
	}
	if m.State != models.MilestoneStateSubmitted {
		return nil, nil, invalidState("milestone is %s", m.State)
	}
	now := s.now()
	m.ApprovedAt = &now
	n1, err := moveMilestone(ctx, tx, s.recorder, deal, m, models.MilestoneStateApproved, actor, ledger.TypeMilestoneApproved,
		map[string]any{"auto": auto})
	if err != nil {
		return nil, nil, err
	}
	p, n2, err := s.payouts.create(ctx, tx, deal, m, actor)
	if err != nil {
		return nil, nil, err
	}
	return p, []events.Event{n1, n2}, nil
}

// RequestRevision sends a submitted milestone back to the receiver. The
// submission itself stays in the ledger.
func (s *EscrowService) RequestRevision(ctx context.Context, milestoneID uuid.UUID, actor models.Actor, feedback string) (*models.Milestone, error) {
	if strings.TrimSpace(feedback) == "" {
		return nil, invalidInput("feedback is required")
	}
	return s.onMilestone(ctx, "request_revision", milestoneID, actor, rbac.PermRequestRevision,
		func(tx repositories.Tx, deal *models.Deal, m *models.Milestone) ([]events.Event, error) {
			if deal.State != models.DealStateFunded {
				return nil, invalidState("deal is %s", deal.State)
			}
			if m.State != models.MilestoneStateSubmitted {
				return nil, invalidState("milestone is %s", m.State)
			}
			m.SubmittedAt = nil
			m.Feedback = &feedback
			n, err := moveMilestone(ctx, tx, s.recorder, deal, m, models.MilestoneStatePending, actor, ledger.TypeMilestoneRevisionRequested,
				map[string]any{"feedback": feedback})
			if err != nil {
				return nil, err
			}
			return []events.Event{n}, nil
		})
}

// RaiseDispute freezes a funded deal and every milestone not yet released.
func (s *EscrowService) RaiseDispute(ctx context.Context, dealID uuid.UUID, actor models.Actor, reason string) (*models.DealView, error) {
	const action = "raise_dispute"
	var notices []events.Event
	err := s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		notices = nil
		deal, err := tx.LockDeal(ctx, dealID)
		if err != nil {
			return notFound(err, "deal")
		}
		if !rbac.Can(deal, actor, rbac.PermRaiseDispute) {
			return fmt.Errorf("%w: only a party can dispute the deal", ErrForbidden)
		}
		if deal.State != models.DealStateFunded {
			return invalidState("deal is %s", deal.State)
		}
		milestones, err := tx.ListMilestones(ctx, dealID)
		if err != nil {
			return err
		}
		if models.AllReleased(milestones) {
			return invalidState("every milestone is released")
		}

		now := s.now()
		disputed := 0
		for _, listed := range milestones {
			if listed.State == models.MilestoneStateReleased {
				continue
			}
			m, err := tx.LockMilestone(ctx, listed.ID)
			if err != nil {
				return err
			}
			m.DisputedAt = &now
			n, err := moveMilestone(ctx, tx, s.recorder, deal, m, models.MilestoneStateDisputed, actor, ledger.TypeMilestoneDisputed,
				map[string]any{"reason": reason})
			if err != nil {
				return err
			}
			notices = append(notices, n)
			disputed++
		}

		deal.DisputedAt = &now
		n, err := moveDeal(ctx, tx, s.recorder, deal, models.DealStateDisputed, actor, ledger.TypeDealDisputed,
			map[string]any{"reason": reason, "milestones": disputed})
		if err != nil {
			return err
		}
		notices = append(notices, n)
		return nil
	})
	if err != nil {
		s.deny(ctx, action, actor, &dealID, nil, err)
		return nil, err
	}
	s.log.Info("deal disputed", zap.String("deal_id", dealID.String()))
	s.publish(ctx, notices)
	return s.view(ctx, dealID)
}

// ResolveDispute closes a disputed deal by administrative decision. Release
// pays out every unreleased milestone; refund returns the balance not yet
// paid out to the funder. A refund whose provider call failed can be
// re-issued by resolving again.
func (s *EscrowService) ResolveDispute(ctx context.Context, dealID uuid.UUID, actor models.Actor, outcome, reason string) (*models.DealView, error) {
	const action = "resolve_dispute"
	if outcome != ResolveRelease && outcome != ResolveRefund {
		return nil, invalidInput("unknown resolution %q", outcome)
	}

	var notices []events.Event
	var created []uuid.UUID
	var refund int64
	err := s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		notices, created, refund = nil, nil, 0
		deal, err := tx.LockDeal(ctx, dealID)
		if err != nil {
			return notFound(err, "deal")
		}
		if !rbac.Can(deal, actor, rbac.PermResolveDispute) || deal.IsParty(*actor.UserID) {
			return fmt.Errorf("%w: disputes are resolved by an uninvolved admin", ErrForbidden)
		}
		if outcome == ResolveRefund && deal.State == models.DealStateRefunded && deal.RefundRef == nil {
			refund, err = refundable(ctx, tx, deal)
			return err
		}
		if deal.State != models.DealStateDisputed {
			return invalidState("deal is %s", deal.State)
		}

		if outcome == ResolveRelease {
			notices, created, err = s.resolveRelease(ctx, tx, deal, actor, reason)
		} else {
			notices, refund, err = s.resolveRefund(ctx, tx, deal, actor, reason)
		}
		return err
	})
	if err != nil {
		s.deny(ctx, action, actor, &dealID, nil, err)
		return nil, err
	}
	s.log.Info("dispute resolved", zap.String("deal_id", dealID.String()), zap.String("outcome", outcome))
	s.publish(ctx, notices)

	var firstErr error
	for _, id := range created {
		if _, err := s.payouts.Request(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if refund > 0 && s.cfg.RefundOnResolve {
		if err := s.refund(ctx, dealID, refund); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	view, err := s.view(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return view, firstErr
}

func (s *EscrowService) resolveRelease(ctx context.Context, tx repositories.Tx, deal *models.Deal, actor models.Actor, reason string) ([]events.Event, []uuid.UUID, error) {
	milestones, err := tx.ListMilestones(ctx, deal.ID)
	if err != nil {
		return nil, nil, err
	}
	active, err := activePayouts(ctx, tx, deal.ID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	deal.ResolvedAt = &now
	n, err := moveDeal(ctx, tx, s.recorder, deal, models.DealStateReleased, actor, ledger.TypeDealResolved,
		map[string]any{"outcome": ResolveRelease, "reason": reason})
	if err != nil {
		return nil, nil, err
	}
	notices := []events.Event{n}

	var created []uuid.UUID
	for _, listed := range milestones {
		if listed.State != models.MilestoneStateDisputed {
			continue
		}
		m, err := tx.LockMilestone(ctx, listed.ID)
		if err != nil {
			return nil, nil, err
		}
		payout, hasPayout := active[m.ID]

		if hasPayout && payout.Status == models.PayoutStatusCompleted {
			m.ReleasedAt = &now
			n, err := moveMilestone(ctx, tx, s.recorder, deal, m, models.MilestoneStateReleased, actor, ledger.TypeMilestoneReleased,
				map[string]any{"payout_id": payout.ID.String(), "amount": m.Amount})
			if err != nil {
				return nil, nil, err
			}
			notices = append(notices, n)
			continue
		}

		if m.ApprovedAt == nil {
			m.ApprovedAt = &now
		}
		n, err := moveMilestone(ctx, tx, s.recorder, deal, m, models.MilestoneStateApproved, actor, ledger.TypeMilestoneApproved,
			map[string]any{"auto": false, "resolution": ResolveRelease})
		if err != nil {
			return nil, nil, err
		}
		notices = append(notices, n)
		if hasPayout {
			continue // in flight; settlement releases the milestone
		}
		p, n, err := s.payouts.create(ctx, tx, deal, m, actor)
		if err != nil {
			return nil, nil, err
		}
		notices = append(notices, n)
		created = append(created, p.ID)
	}
	return notices, created, nil
}

func (s *EscrowService) resolveRefund(ctx context.Context, tx repositories.Tx, deal *models.Deal, actor models.Actor, reason string) ([]events.Event, int64, error) {
	milestones, err := tx.ListMilestones(ctx, deal.ID)
	if err != nil {
		return nil, 0, err
	}
	active, err := activePayouts(ctx, tx, deal.ID)
	if err != nil {
		return nil, 0, err
	}
	for _, p := range active {
		if p.Status != models.PayoutStatusCompleted {
			return nil, 0, invalidState("payout %s is still %s", p.ID, p.Status)
		}
	}

	now := s.now()
	var notices []events.Event
	for _, listed := range milestones {
		payout, paid := active[listed.ID]
		if listed.State != models.MilestoneStateDisputed || !paid {
			continue
		}
		m, err := tx.LockMilestone(ctx, listed.ID)
		if err != nil {
			return nil, 0, err
		}
		m.ReleasedAt = &now
		n, err := moveMilestone(ctx, tx, s.recorder, deal, m, models.MilestoneStateReleased, actor, ledger.TypeMilestoneReleased,
			map[string]any{"payout_id": payout.ID.String(), "amount": m.Amount})
		if err != nil {
			return nil, 0, err
		}
		notices = append(notices, n)
	}

	amount, err := refundable(ctx, tx, deal)
	if err != nil {
		return nil, 0, err
	}
	deal.ResolvedAt = &now
	n, err := moveDeal(ctx, tx, s.recorder, deal, models.DealStateRefunded, actor, ledger.TypeDealResolved,
		map[string]any{"outcome": ResolveRefund, "reason": reason, "refund_amount": amount})
	if err != nil {
		return nil, 0, err
	}
	return append(notices, n), amount, nil
}

// activePayouts indexes the deal's active payouts by milestone.
func activePayouts(ctx context.Context, tx repositories.Tx, dealID uuid.UUID) (map[uuid.UUID]models.Payout, error) {
	payouts, err := tx.ListPayouts(ctx, dealID)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]models.Payout, len(payouts))
	for _, p := range payouts {
		if p.MilestoneID != nil && models.IsActivePayoutStatus(p.Status) {
			out[*p.MilestoneID] = p
		}
	}
	return out, nil
}

// refundable is the part of the deal not consumed by active payouts.
func refundable(ctx context.Context, tx repositories.Tx, deal *models.Deal) (int64, error) {
	payouts, err := tx.ListPayouts(ctx, deal.ID)
	if err != nil {
		return 0, err
	}
	remaining := deal.Amount
	for _, p := range payouts {
		if models.IsActivePayoutStatus(p.Status) {
			remaining -= p.Gross()
		}
	}
	if remaining < 0 {
		return 0, fmt.Errorf("%w: payouts exceed deal amount", ErrAmountMismatch)
	}
	return remaining, nil
}

func (s *EscrowService) refund(ctx context.Context, dealID uuid.UUID, amount int64) error {
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.EscrowRef == nil || deal.RefundRef != nil {
		return nil
	}
	ref, err := s.provider.RefundToPayer(ctx, payments.RefundRequest{
		EscrowRef:      *deal.EscrowRef,
		Amount:         amount,
		IdempotencyKey: "refund-" + dealID.String(),
	})
	if err != nil {
		s.log.Warn("refund request failed", zap.String("deal_id", dealID.String()), zap.Error(err))
		return fmt.Errorf("refund escrow: %w", err)
	}

	return s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		d, err := tx.LockDeal(ctx, dealID)
		if err != nil {
			return err
		}
		if d.RefundRef != nil {
			return nil
		}
		d.RefundRef = &ref
		if err := tx.UpdateDeal(ctx, d); err != nil {
			return err
		}
		_, err = s.recorder.Record(ctx, tx, ledger.Entry{
			Type:    ledger.TypeDealRefundInitiated,
			Actor:   models.SystemActor,
			DealID:  &d.ID,
			Payload: map[string]any{"refund_ref": ref, "amount": amount},
		})
		return err
	})
}

// ApproveDue approves submitted milestones whose grace period elapsed. Only
// milestones of funded deals qualify, so a dispute stops automatic approval.
func (s *EscrowService) ApproveDue(ctx context.Context) (int, error) {
	grace := s.cfg.AutoApproveGrace
	if grace <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-grace)
	due, err := s.store.ListDueMilestones(ctx, cutoff, s.cfg.ReconcileBatchSize)
	if err != nil {
		return 0, err
	}

	approved := 0
	for _, listed := range due {
		var payout *models.Payout
		var notices []events.Event
		err := s.store.WithinTx(ctx, func(tx repositories.Tx) error {
			payout, notices = nil, nil
			deal, err := tx.LockDeal(ctx, listed.DealID)
			if err != nil {
				return err
			}
			m, err := tx.LockMilestone(ctx, listed.ID)
			if err != nil {
				return err
			}
			if deal.State != models.DealStateFunded || m.State != models.MilestoneStateSubmitted ||
				m.SubmittedAt == nil || m.SubmittedAt.After(cutoff) {
				return nil
			}
			payout, notices, err = s.approve(ctx, tx, deal, m, models.SystemActor, true)
			return err
		})
		if err != nil {
			s.log.Warn("auto-approval failed", zap.String("milestone_id", listed.ID.String()), zap.Error(err))
			continue
		}
		if payout == nil {
			continue
		}
		approved++
		metrics.AutoApprovedTotal.Inc()
		s.publish(ctx, notices)
		s.log.Info("milestone auto-approved", zap.String("milestone_id", listed.ID.String()), zap.String("deal_id", listed.DealID.String()))
		if _, err := s.payouts.Request(ctx, payout.ID); err != nil {
			s.log.Warn("payout request after auto-approval failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
		}
	}
	return approved, nil
}

// GetDeal returns a deal with its milestones and payouts.
func (s *EscrowService) GetDeal(ctx context.Context, dealID uuid.UUID, actor models.Actor) (*models.DealView, error) {
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, notFound(err, "deal")
	}
	if !rbac.Can(deal, actor, rbac.PermViewDeal) {
		return nil, fmt.Errorf("%w: not a party to the deal", ErrForbidden)
	}
	return s.view(ctx, dealID)
}

// ListLedger returns the deal's ledger events in append order.
func (s *EscrowService) ListLedger(ctx context.Context, dealID uuid.UUID, actor models.Actor, limit, offset int) ([]models.LedgerEvent, error) {
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, notFound(err, "deal")
	}
	if !rbac.Can(deal, actor, rbac.PermViewDeal) {
		return nil, fmt.Errorf("%w: not a party to the deal", ErrForbidden)
	}
	return s.store.ListLedger(ctx, dealID, limit, offset)
}

// AnonymizeActor detaches a deleted account from the ledger.
func (s *EscrowService) AnonymizeActor(ctx context.Context, actorID uuid.UUID, actor models.Actor) (int64, error) {
	if err := requireAdmin(actor, rbac.PermAnonymizeActor); err != nil {
		return 0, err
	}
	return s.recorder.Anonymize(ctx, s.store, actorID)
}

func (s *EscrowService) view(ctx context.Context, dealID uuid.UUID) (*models.DealView, error) {
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, notFound(err, "deal")
	}
	milestones, err := s.store.ListMilestones(ctx, dealID)
	if err != nil {
		return nil, err
	}
	payouts, err := s.store.ListPayouts(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if payouts == nil {
		payouts = []models.Payout{}
	}
	return &models.DealView{Deal: *deal, Milestones: milestones, Payouts: payouts}, nil
}

// deny records a refused action. It never changes state and its failure is
// only logged.
func (s *EscrowService) deny(ctx context.Context, action string, actor models.Actor, dealID, milestoneID *uuid.UUID, cause error) {
	if !errors.Is(cause, ErrForbidden) && !errors.Is(cause, ErrInvalidState) {
		return
	}
	err := s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		_, err := s.recorder.Record(ctx, tx, ledger.Entry{
			Type:        ledger.TypeActionDenied,
			Actor:       actor,
			DealID:      dealID,
			MilestoneID: milestoneID,
			Payload:     map[string]any{"action": action, "reason": cause.Error()},
		})
		return err
	})
	if err != nil {
		s.log.Warn("failed to record denied action", zap.String("action", action), zap.Error(err))
	}
}

func (s *EscrowService) publish(ctx context.Context, notices []events.Event) {
	for _, n := range notices {
		if err := s.publisher.Publish(ctx, events.StreamEscrow, n); err != nil {
			s.log.Warn("failed to publish notice", zap.String("type", n.Type), zap.Error(err))
		}
	}
}
