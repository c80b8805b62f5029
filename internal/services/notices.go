package services

import (
	"github.com/creatormarket/escrow/internal/events"
	"github.com/creatormarket/escrow/internal/models"
)

func parties(deal *models.Deal) map[string]any {
	return map[string]any{
		"deal_id":     deal.ID.String(),
		"funder_id":   deal.FunderID.String(),
		"receiver_id": deal.ReceiverID.String(),
	}
}

func dealNotice(deal *models.Deal, from string) events.Event {
	p := parties(deal)
	p["old_state"] = from
	p["new_state"] = deal.State
	return events.Event{Type: events.EventDealStateChanged, Payload: p}
}

func milestoneNotice(deal *models.Deal, m *models.Milestone, from string) events.Event {
	p := parties(deal)
	p["milestone_id"] = m.ID.String()
	p["old_state"] = from
	p["new_state"] = m.State
	return events.Event{Type: events.EventMilestoneStateChanged, Payload: p}
}

func payoutNotice(deal *models.Deal, po *models.Payout, from string) events.Event {
	p := parties(deal)
	p["payout_id"] = po.ID.String()
	p["old_status"] = from
	p["new_status"] = po.Status
	return events.Event{Type: events.EventPayoutStatusChanged, Payload: p}
}

func anomalyNotice(deal *models.Deal, po *models.Payout, kind models.PayoutAnomaly, reported string) events.Event {
	p := parties(deal)
	p["payout_id"] = po.ID.String()
	p["status"] = po.Status
	p["reported"] = reported
	p["anomaly"] = string(kind)
	return events.Event{Type: events.EventPayoutAnomaly, Payload: p}
}
