package services

import (
	"context"

	"github.com/creatormarket/escrow/internal/events"
	"github.com/creatormarket/escrow/internal/ledger"
	"github.com/creatormarket/escrow/internal/metrics"
	"github.com/creatormarket/escrow/internal/models"
	"github.com/creatormarket/escrow/internal/repositories"
)

// The move* helpers validate a transition, persist the entity with its version
// check and append the ledger event, all through tx. Callers set timestamps and
// other fields on the entity before calling.

func moveDeal(ctx context.Context, tx repositories.Tx, rec *ledger.Recorder, deal *models.Deal, to string, actor models.Actor, eventType string, payload map[string]any) (events.Event, error) {
	from := deal.State
	if !models.IsValidDealTransition(from, to) {
		return events.Event{}, invalidState("deal cannot move from %s to %s", from, to)
	}
	deal.State = to
	if err := tx.UpdateDeal(ctx, deal); err != nil {
		return events.Event{}, err
	}
	if _, err := rec.Record(ctx, tx, ledger.Entry{
		Type:    eventType,
		Actor:   actor,
		DealID:  &deal.ID,
		Payload: withStates(payload, from, to),
	}); err != nil {
		return events.Event{}, err
	}
	metrics.TransitionsTotal.WithLabelValues("deal", to).Inc()
	return dealNotice(deal, from), nil
}

func moveMilestone(ctx context.Context, tx repositories.Tx, rec *ledger.Recorder, deal *models.Deal, m *models.Milestone, to string, actor models.Actor, eventType string, payload map[string]any) (events.Event, error) {
	from := m.State
	if !models.IsValidMilestoneTransition(from, to) {
		return events.Event{}, invalidState("milestone cannot move from %s to %s", from, to)
	}
	m.State = to
	if err := tx.UpdateMilestone(ctx, m); err != nil {
		return events.Event{}, err
	}
	if _, err := rec.Record(ctx, tx, ledger.Entry{
		Type:        eventType,
		Actor:       actor,
		DealID:      &deal.ID,
		MilestoneID: &m.ID,
		Payload:     withStates(payload, from, to),
	}); err != nil {
		return events.Event{}, err
	}
	metrics.TransitionsTotal.WithLabelValues("milestone", to).Inc()
	return milestoneNotice(deal, m, from), nil
}

// recordPayoutStep appends the ledger event for one payout status step. The
// payout row is written once by the caller after all steps.
func recordPayoutStep(ctx context.Context, tx repositories.Tx, rec *ledger.Recorder, deal *models.Deal, p *models.Payout, from string, actor models.Actor, reason string) (events.Event, error) {
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := rec.Record(ctx, tx, ledger.Entry{
		Type:        ledger.TypePayoutStatusChanged,
		Actor:       actor,
		DealID:      &deal.ID,
		MilestoneID: p.MilestoneID,
		PayoutID:    &p.ID,
		Payload:     withStates(payload, from, p.Status),
	}); err != nil {
		return events.Event{}, err
	}
	metrics.TransitionsTotal.WithLabelValues("payout", p.Status).Inc()
	return payoutNotice(deal, p, from), nil
}

func withStates(payload map[string]any, from, to string) map[string]any {
	if payload == nil {
		payload = make(map[string]any, 2)
	}
	payload["from"] = from
	payload["to"] = to
	return payload
}
