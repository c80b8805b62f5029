package events

import "context"

// StreamEscrow carries every escrow notice published after a committed transition.
const StreamEscrow = "events:escrow"

// Event types
const (
	EventDealStateChanged      = "deal_state_changed"
	EventMilestoneStateChanged = "milestone_state_changed"
	EventPayoutStatusChanged   = "payout_status_changed"
	EventPayoutAnomaly         = "payout_anomaly"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Recipients returns the user ids named in the payload that should see the event.
func (e Event) Recipients() []string {
	var out []string
	for _, key := range []string{"funder_id", "receiver_id"} {
		if v, ok := e.Payload[key].(string); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

// NopPublisher drops events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }
