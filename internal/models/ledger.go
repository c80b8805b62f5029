package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Actor types
const (
	ActorTypeUser     = "user"
	ActorTypeAdmin    = "admin"
	ActorTypeSystem   = "system"
	ActorTypeProvider = "provider"
)

// Actor identifies who triggered an action. UserID is nil for system and provider actors.
type Actor struct {
	UserID *uuid.UUID `json:"user_id,omitempty"`
	Type   string     `json:"type"`
}

func UserActor(id uuid.UUID) Actor {
	return Actor{UserID: &id, Type: ActorTypeUser}
}

func AdminActor(id uuid.UUID) Actor {
	return Actor{UserID: &id, Type: ActorTypeAdmin}
}

var (
	SystemActor   = Actor{Type: ActorTypeSystem}
	ProviderActor = Actor{Type: ActorTypeProvider}
)

// Is reports whether the actor is the given user.
func (a Actor) Is(id uuid.UUID) bool {
	return a.UserID != nil && *a.UserID == id
}

func (a Actor) IsAdmin() bool {
	return a.Type == ActorTypeAdmin
}

// LedgerEvent is one immutable fact. Only ActorID may ever be rewritten (to nil).
type LedgerEvent struct {
	ID              int64           `json:"id"`
	Type            string          `json:"type"`
	ActorID         *uuid.UUID      `json:"actor_id,omitempty"`
	ActorType       string          `json:"actor_type"`
	DealID          *uuid.UUID      `json:"deal_id,omitempty"`
	MilestoneID     *uuid.UUID      `json:"milestone_id,omitempty"`
	PayoutID        *uuid.UUID      `json:"payout_id,omitempty"`
	ProviderEventID *string         `json:"provider_event_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       time.Time       `json:"created_at"`
}
