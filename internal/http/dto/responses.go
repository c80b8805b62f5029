package dto

import "github.com/creatormarket/escrow/internal/models"

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type ApproveMilestoneResponse struct {
	Milestone *models.Milestone `json:"milestone"`
	Payout    *models.Payout    `json:"payout,omitempty"`
}

type AnonymizeResponse struct {
	Anonymized int64 `json:"anonymized"`
}

type WebhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}
