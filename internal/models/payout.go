package models

import (
	"time"

	"github.com/google/uuid"
)

// Payout statuses
const (
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusCompleted  = "completed"
	PayoutStatusFailed     = "failed"
	PayoutStatusCanceled   = "canceled"
)

var ValidPayoutTransitions = map[string][]string{
	PayoutStatusPending:    {PayoutStatusProcessing, PayoutStatusCanceled},
	PayoutStatusProcessing: {PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusCanceled},
	PayoutStatusCompleted:  {},
	PayoutStatusFailed:     {},
	PayoutStatusCanceled:   {},
}

func IsValidPayoutTransition(from, to string) bool {
	return contains(ValidPayoutTransitions[from], to)
}

func IsTerminalPayoutStatus(status string) bool {
	switch status {
	case PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusCanceled:
		return true
	}
	return false
}

// IsActivePayoutStatus reports whether the payout still holds (or has moved) escrowed money.
func IsActivePayoutStatus(status string) bool {
	switch status {
	case PayoutStatusPending, PayoutStatusProcessing, PayoutStatusCompleted:
		return true
	}
	return false
}

// PayoutAnomaly describes why a reported payout status was not applied.
type PayoutAnomaly string

const (
	AnomalyNone      PayoutAnomaly = ""
	AnomalyDowngrade PayoutAnomaly = "downgrade_after_completed"
	AnomalyTerminal  PayoutAnomaly = "report_after_terminal"
	AnomalyUnknown   PayoutAnomaly = "unknown_status"
	// AnomalyCompletedAfterRetry: a failed payout settled while its
	// replacement already reached the provider.
	AnomalyCompletedAfterRetry PayoutAnomaly = "completed_after_retry"
	// AnomalyTransferAfterCancel: the provider accepted a transfer for a
	// payout canceled while the release call was in flight.
	AnomalyTransferAfterCancel PayoutAnomaly = "transfer_after_cancel"
)

// PayoutPath returns the statuses to apply, in order, to move a payout from current to
// reported. Statuses never move backwards: a terminal report on a pending payout walks
// through processing; a repeated report yields no steps. A completed payout never changes.
// A failed payout becomes completed only when the report is authoritative (the provider's
// settlement notice); any other report on a terminal payout is an anomaly.
func PayoutPath(current, reported string, authoritative bool) ([]string, PayoutAnomaly) {
	if _, ok := ValidPayoutTransitions[reported]; !ok {
		return nil, AnomalyUnknown
	}
	if current == reported {
		return nil, AnomalyNone
	}

	switch current {
	case PayoutStatusCompleted:
		return nil, AnomalyDowngrade
	case PayoutStatusFailed:
		if reported == PayoutStatusCompleted && authoritative {
			return []string{PayoutStatusCompleted}, AnomalyNone
		}
		return nil, AnomalyTerminal
	case PayoutStatusCanceled:
		return nil, AnomalyTerminal
	case PayoutStatusProcessing:
		if reported == PayoutStatusPending {
			return nil, AnomalyNone
		}
		return []string{reported}, AnomalyNone
	case PayoutStatusPending:
		if reported == PayoutStatusProcessing || reported == PayoutStatusCanceled {
			return []string{reported}, AnomalyNone
		}
		return []string{PayoutStatusProcessing, reported}, AnomalyNone
	}
	return nil, AnomalyUnknown
}

type Payout struct {
	ID            uuid.UUID  `json:"id"`
	DealID        *uuid.UUID `json:"deal_id,omitempty"`
	MilestoneID   *uuid.UUID `json:"milestone_id,omitempty"`
	Provider      string     `json:"provider"`
	ProviderRef   *string    `json:"provider_ref,omitempty"`
	Amount        int64      `json:"amount"` // transferred to the receiver
	Fee           int64      `json:"fee"`    // retained by the platform
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	RequestedAt   time.Time  `json:"requested_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	Version       int        `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Gross is the escrowed amount the payout consumes, fee included.
func (p *Payout) Gross() int64 {
	return p.Amount + p.Fee
}
