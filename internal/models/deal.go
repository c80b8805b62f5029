package models

import (
	"time"

	"github.com/google/uuid"
)

// Deal states
const (
	DealStateDraft    = "draft"
	DealStateFunded   = "funded"
	DealStateReleased = "released"
	DealStateDisputed = "disputed"
	DealStateRefunded = "refunded"
)

// Valid state transitions: from -> []to.
// funded -> released is only reached as the aggregate of released milestones.
var ValidDealTransitions = map[string][]string{
	DealStateDraft:    {DealStateFunded},
	DealStateFunded:   {DealStateDisputed, DealStateReleased},
	DealStateDisputed: {DealStateReleased, DealStateRefunded},
	DealStateReleased: {},
	DealStateRefunded: {},
}

func IsValidDealTransition(from, to string) bool {
	return contains(ValidDealTransitions[from], to)
}

// HasEscrow reports whether a deal in the given state must carry an escrow reference.
func HasEscrow(state string) bool {
	return state != DealStateDraft
}

type Deal struct {
	ID                 uuid.UUID  `json:"id"`
	FunderID           uuid.UUID  `json:"funder_id"`
	ReceiverID         uuid.UUID  `json:"receiver_id"`
	ReceiverAccountRef string     `json:"receiver_account_ref"` // provider account that receives payouts
	PayerRef           *string    `json:"payer_ref,omitempty"`  // provider customer that funds the escrow
	Title              string     `json:"title"`
	Amount             int64      `json:"amount"` // minor units
	Currency           string     `json:"currency"`
	State              string     `json:"state"`
	EscrowRef          *string    `json:"escrow_ref,omitempty"`
	PendingEscrowRef   *string    `json:"pending_escrow_ref,omitempty"`
	FundingPaymentRef  *string    `json:"funding_payment_ref,omitempty"`
	FundingRequestedAt *time.Time `json:"funding_requested_at,omitempty"`
	FundingAttempts    int        `json:"funding_attempts"`
	RefundRef          *string    `json:"refund_ref,omitempty"`
	FundedAt           *time.Time `json:"funded_at,omitempty"`
	DisputedAt         *time.Time `json:"disputed_at,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	Version            int        `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsParty reports whether the user is the funder or the receiver of the deal.
func (d *Deal) IsParty(userID uuid.UUID) bool {
	return d.FunderID == userID || d.ReceiverID == userID
}

// FundingInFlight reports whether a funding charge was requested and not yet settled or failed.
func (d *Deal) FundingInFlight() bool {
	return d.State == DealStateDraft && d.PendingEscrowRef != nil && d.FundingRequestedAt != nil
}

// DealView is a deal with its milestones and payouts for API responses.
type DealView struct {
	Deal
	Milestones []Milestone `json:"milestones"`
	Payouts    []Payout    `json:"payouts"`
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
