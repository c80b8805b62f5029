// Package ledger appends the immutable audit trail of escrow state changes.
//
// Every transition writes its event inside the transaction that applies it, so a
// failed append rolls the transition back. Payloads must never carry actor
// identifiers: the actor column is the only field account erasure may clear.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/creatormarket/escrow/internal/metrics"
	"github.com/creatormarket/escrow/internal/models"
	"github.com/creatormarket/escrow/internal/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrLedgerWriteFailed = errors.New("ledger write failed")

// Event types
const (
	TypeDealCreated          = "deal.created"
	TypeDealFundingRequested = "deal.funding_requested"
	TypeDealFundingInitiated = "deal.funding_initiated"
	TypeDealFundingFailed    = "deal.funding_failed"
	TypeDealFunded           = "deal.funded"
	TypeDealDisputed         = "deal.disputed"
	TypeDealResolved         = "deal.resolved"
	TypeDealRefundInitiated  = "deal.refund_initiated"
	TypeDealReleased         = "deal.released"

	TypeMilestoneSubmitted         = "milestone.submitted"
	TypeMilestoneRevisionRequested = "milestone.revision_requested"
	TypeMilestoneApproved          = "milestone.approved"
	TypeMilestoneReleased          = "milestone.released"
	TypeMilestoneDisputed          = "milestone.disputed"

	TypePayoutCreated       = "payout.created"
	TypePayoutRequested     = "payout.requested"
	TypePayoutStatusChanged = "payout.status_changed"
	TypePayoutAnomaly       = "payout.anomaly"
	TypePayoutRetried       = "payout.retried"

	TypeAccountStatusChanged = "account.status_changed"
	TypeReconcileObserved    = "reconcile.observed"
	TypeActionDenied         = "action.denied"
	TypeWebhookReceived      = "webhook.received"
)

// Webhook outcomes
const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeRejected  = "rejected"
	OutcomeUnhandled = "unhandled"
)

// Appender is the transactional write side of a store.
type Appender interface {
	AppendLedger(ctx context.Context, e *models.LedgerEvent) error
}

// Anonymizer clears actor ids for account erasure.
type Anonymizer interface {
	AnonymizeActor(ctx context.Context, actorID uuid.UUID) (int64, error)
}

type Entry struct {
	Type        string
	Actor       models.Actor
	DealID      *uuid.UUID
	MilestoneID *uuid.UUID
	PayoutID    *uuid.UUID
	Payload     any
}

// WebhookEntry is the single ledger record written for a processed provider event.
type WebhookEntry struct {
	EventID      string
	ProviderType string
	Kind         string
	Outcome      string
	Reason       string
	DealID       *uuid.UUID
	PayoutID     *uuid.UUID
}

type Recorder struct {
	log *zap.Logger
}

func NewRecorder(log *zap.Logger) *Recorder {
	return &Recorder{log: log}
}

// Record appends one event through tx. Any failure is returned wrapped in
// ErrLedgerWriteFailed so the caller aborts the surrounding transaction.
func (r *Recorder) Record(ctx context.Context, tx Appender, e Entry) (*models.LedgerEvent, error) {
	return r.append(ctx, tx, &models.LedgerEvent{
		Type:        e.Type,
		ActorID:     e.Actor.UserID,
		ActorType:   e.Actor.Type,
		DealID:      e.DealID,
		MilestoneID: e.MilestoneID,
		PayoutID:    e.PayoutID,
	}, e.Payload)
}

// RecordWebhook appends the dedup record for a provider event. A second record for the
// same event id fails with the store's duplicate error wrapped in ErrLedgerWriteFailed.
func (r *Recorder) RecordWebhook(ctx context.Context, tx Appender, w WebhookEntry) (*models.LedgerEvent, error) {
	eventID := w.EventID
	payload := map[string]any{
		"provider_type": w.ProviderType,
		"kind":          w.Kind,
		"outcome":       w.Outcome,
	}
	if w.Reason != "" {
		payload["reason"] = w.Reason
	}
	return r.append(ctx, tx, &models.LedgerEvent{
		Type:            TypeWebhookReceived,
		ActorType:       models.ActorTypeProvider,
		DealID:          w.DealID,
		PayoutID:        w.PayoutID,
		ProviderEventID: &eventID,
	}, payload)
}

func (r *Recorder) append(ctx context.Context, tx Appender, ev *models.LedgerEvent, payload any) (*models.LedgerEvent, error) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			metrics.LedgerWritesTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: %s: encode payload: %w", ErrLedgerWriteFailed, ev.Type, err)
		}
		ev.Payload = raw
	}

	if err := tx.AppendLedger(ctx, ev); err != nil {
		if errors.Is(err, repositories.ErrDuplicateEvent) {
			metrics.LedgerWritesTotal.WithLabelValues("duplicate").Inc()
		} else {
			metrics.LedgerWritesTotal.WithLabelValues("error").Inc()
			r.log.Error("ledger append failed", zap.String("type", ev.Type), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrLedgerWriteFailed, ev.Type, err)
	}
	metrics.LedgerWritesTotal.WithLabelValues("ok").Inc()
	return ev, nil
}

// Anonymize detaches every ledger event from the actor without touching type or payload.
func (r *Recorder) Anonymize(ctx context.Context, store Anonymizer, actorID uuid.UUID) (int64, error) {
	n, err := store.AnonymizeActor(ctx, actorID)
	if err != nil {
		return 0, fmt.Errorf("anonymize actor: %w", err)
	}
	r.log.Info("ledger actor anonymized", zap.Int64("events", n))
	return n, nil
}
