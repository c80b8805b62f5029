// Package webhooks authenticates provider notifications, normalizes them into a
// closed set of event variants and hands them to the escrow state machine.
package webhooks

import "time"

// Kind is the normalized event type.
type Kind string

const (
	KindFundingSucceeded     Kind = "funding_succeeded"
	KindFundingFailed        Kind = "funding_failed"
	KindTransferCreated      Kind = "transfer_created"
	KindTransferUpdated      Kind = "transfer_updated"
	KindPayoutSettled        Kind = "payout_settled"
	KindAccountStatusChanged Kind = "account_status_changed"
	KindUnknown              Kind = "unknown"
)

// Meta is shared by every event variant.
type Meta struct {
	ID           string    // provider event id, the dedup key
	ProviderType string    // provider's own type name, e.g. "payment_intent.succeeded"
	Created      time.Time // origination time claimed by the provider
}

// Event is one of the variants below. The set is closed.
type Event interface {
	Base() Meta
	Kind() Kind
	event()
}

func (m Meta) Base() Meta { return m }
func (Meta) event()       {}

// FundingSucceeded reports a captured funding charge.
type FundingSucceeded struct {
	Meta
	EscrowRef  string
	PaymentRef string
	Amount     int64
	Currency   string
}

// FundingFailed reports a funding charge that will not complete.
type FundingFailed struct {
	Meta
	EscrowRef  string
	PaymentRef string
	Attempt    int // 0 when the charge does not carry it
	Reason     string
}

// TransferCreated confirms the provider accepted a release.
type TransferCreated struct {
	Meta
	TransferRef string
	PayoutID    string // our payout id from transfer metadata, may be empty
}

// TransferUpdated carries a status change of a release. Status is a payout
// status, or empty when the update carries no status information.
type TransferUpdated struct {
	Meta
	TransferRef string
	PayoutID    string
	Status      string
	Reason      string
}

// PayoutSettled is the provider's final word that a release reached the receiver.
type PayoutSettled struct {
	Meta
	TransferRef string
	PayoutID    string
}

// AccountStatusChanged reports a change to a receiver's connected account.
type AccountStatusChanged struct {
	Meta
	AccountRef     string
	ChargesEnabled bool
	PayoutsEnabled bool
}

// Unknown is any event type the dispatcher does not route.
type Unknown struct {
	Meta
}

func (FundingSucceeded) Kind() Kind     { return KindFundingSucceeded }
func (FundingFailed) Kind() Kind        { return KindFundingFailed }
func (TransferCreated) Kind() Kind      { return KindTransferCreated }
func (TransferUpdated) Kind() Kind      { return KindTransferUpdated }
func (PayoutSettled) Kind() Kind        { return KindPayoutSettled }
func (AccountStatusChanged) Kind() Kind { return KindAccountStatusChanged }
func (Unknown) Kind() Kind              { return KindUnknown }
