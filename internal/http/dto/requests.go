package dto

import "time"

type MilestoneRequest struct {
	Title  string     `json:"title"`
	Amount int64      `json:"amount"` // minor units
	DueAt  *time.Time `json:"due_at,omitempty"`
}

type CreateDealRequest struct {
	ReceiverID         string             `json:"receiver_id"`
	ReceiverAccountRef string             `json:"receiver_account_ref"`
	PayerRef           *string            `json:"payer_ref,omitempty"`
	Title              string             `json:"title"`
	Currency           string             `json:"currency"`
	Milestones         []MilestoneRequest `json:"milestones"`
}

type SubmitMilestoneRequest struct {
	Deliverable string `json:"deliverable"`
}

type RequestRevisionRequest struct {
	Feedback string `json:"feedback"`
}

type RaiseDisputeRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	Outcome string `json:"outcome"` // release / refund
	Reason  string `json:"reason"`
}
