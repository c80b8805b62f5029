package models

import (
	"time"

	"github.com/google/uuid"
)

// Milestone states
const (
	MilestoneStatePending   = "pending"
	MilestoneStateSubmitted = "submitted"
	MilestoneStateApproved  = "approved"
	MilestoneStateReleased  = "released"
	MilestoneStateDisputed  = "disputed"
)

// Valid milestone transitions: from -> []to.
// disputed -> approved/released is only taken by dispute resolution.
var ValidMilestoneTransitions = map[string][]string{
	MilestoneStatePending:   {MilestoneStateSubmitted, MilestoneStateDisputed},
	MilestoneStateSubmitted: {MilestoneStateApproved, MilestoneStatePending, MilestoneStateDisputed},
	MilestoneStateApproved:  {MilestoneStateReleased, MilestoneStateDisputed},
	MilestoneStateDisputed:  {MilestoneStateApproved, MilestoneStateReleased},
	MilestoneStateReleased:  {},
}

func IsValidMilestoneTransition(from, to string) bool {
	return contains(ValidMilestoneTransitions[from], to)
}

type Milestone struct {
	ID          uuid.UUID  `json:"id"`
	DealID      uuid.UUID  `json:"deal_id"`
	Position    int        `json:"position"`
	Title       string     `json:"title"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	State       string     `json:"state"`
	Deliverable *string    `json:"deliverable,omitempty"`
	Feedback    *string    `json:"feedback,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	DisputedAt  *time.Time `json:"disputed_at,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SumAmounts returns the total amount of the given milestones.
func SumAmounts(ms []Milestone) int64 {
	var total int64
	for _, m := range ms {
		total += m.Amount
	}
	return total
}

// AllReleased reports whether every milestone is released. An empty list is not released.
func AllReleased(ms []Milestone) bool {
	if len(ms) == 0 {
		return false
	}
	for _, m := range ms {
		if m.State != MilestoneStateReleased {
			return false
		}
	}
	return true
}
