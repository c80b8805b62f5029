package webhooks

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/creatormarket/escrow/internal/models"
	"github.com/stripe/stripe-go/v81"
)

// Stripe event types the dispatcher routes.
const (
	stripePaymentIntentSucceeded = "payment_intent.succeeded"
	stripePaymentIntentFailed    = "payment_intent.payment_failed"
	stripePaymentIntentCanceled  = "payment_intent.canceled"
	stripeTransferCreated        = "transfer.created"
	stripeTransferUpdated        = "transfer.updated"
	stripeTransferReversed       = "transfer.reversed"
	stripePayoutPaid             = "payout.paid"
	stripePayoutFailed           = "payout.failed"
	stripePayoutCanceled         = "payout.canceled"
	stripeAccountUpdated         = "account.updated"
)

// Metadata keys set on transfers and payouts by the provider adapter and
// the receiver's payout schedule.
const (
	metaPayoutID   = "payout_id"
	metaTransferID = "transfer_id"
	metaStatus     = "status"
	metaAttempt    = "funding_attempt"
)

// StripeParser decodes Stripe events. Each routed type is decoded into its
// Stripe object schema; a routed event missing a required field is malformed.
type StripeParser struct{}

func NewStripeParser() *StripeParser { return &StripeParser{} }

func (p *StripeParser) Parse(payload []byte) (Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	meta := Meta{ID: ev.ID, ProviderType: string(ev.Type), Created: time.Unix(ev.Created, 0)}

	var raw json.RawMessage
	if ev.Data != nil {
		raw = ev.Data.Raw
	}

	switch meta.ProviderType {
	case stripePaymentIntentSucceeded, stripePaymentIntentFailed, stripePaymentIntentCanceled:
		var pi stripe.PaymentIntent
		if err := decodeObject(raw, &pi); err != nil {
			return nil, err
		}
		escrowRef := pi.TransferGroup
		if escrowRef == "" {
			escrowRef = pi.Metadata["escrow_ref"]
		}
		if pi.ID == "" || escrowRef == "" {
			return nil, fmt.Errorf("%w: payment intent without id or transfer group", ErrMalformedEvent)
		}
		if meta.ProviderType == stripePaymentIntentSucceeded {
			amount := pi.AmountReceived
			if amount == 0 {
				amount = pi.Amount
			}
			return FundingSucceeded{Meta: meta, EscrowRef: escrowRef, PaymentRef: pi.ID, Amount: amount, Currency: string(pi.Currency)}, nil
		}
		reason := "canceled"
		if pi.LastPaymentError != nil {
			reason = pi.LastPaymentError.Msg
		}
		attempt, _ := strconv.Atoi(pi.Metadata[metaAttempt])
		return FundingFailed{Meta: meta, EscrowRef: escrowRef, PaymentRef: pi.ID, Attempt: attempt, Reason: reason}, nil

	case stripeTransferCreated, stripeTransferUpdated, stripeTransferReversed:
		var tr stripe.Transfer
		if err := decodeObject(raw, &tr); err != nil {
			return nil, err
		}
		if tr.ID == "" {
			return nil, fmt.Errorf("%w: transfer without id", ErrMalformedEvent)
		}
		payoutID := tr.Metadata[metaPayoutID]
		switch {
		case meta.ProviderType == stripeTransferCreated:
			return TransferCreated{Meta: meta, TransferRef: tr.ID, PayoutID: payoutID}, nil
		case meta.ProviderType == stripeTransferReversed || tr.Reversed:
			return TransferUpdated{Meta: meta, TransferRef: tr.ID, PayoutID: payoutID, Status: models.PayoutStatusFailed, Reason: "reversed"}, nil
		}
		return TransferUpdated{Meta: meta, TransferRef: tr.ID, PayoutID: payoutID, Status: transferStatus(tr.Metadata[metaStatus])}, nil

	case stripePayoutPaid, stripePayoutFailed, stripePayoutCanceled:
		var po stripe.Payout
		if err := decodeObject(raw, &po); err != nil {
			return nil, err
		}
		transferRef, payoutID := po.Metadata[metaTransferID], po.Metadata[metaPayoutID]
		if transferRef == "" && payoutID == "" {
			// a payout of the platform's own balance
			return Unknown{Meta: meta}, nil
		}
		switch meta.ProviderType {
		case stripePayoutPaid:
			return PayoutSettled{Meta: meta, TransferRef: transferRef, PayoutID: payoutID}, nil
		case stripePayoutFailed:
			return TransferUpdated{Meta: meta, TransferRef: transferRef, PayoutID: payoutID, Status: models.PayoutStatusFailed, Reason: po.FailureMessage}, nil
		}
		return TransferUpdated{Meta: meta, TransferRef: transferRef, PayoutID: payoutID, Status: models.PayoutStatusCanceled}, nil

	case stripeAccountUpdated:
		var acct stripe.Account
		if err := decodeObject(raw, &acct); err != nil {
			return nil, err
		}
		if acct.ID == "" {
			return nil, fmt.Errorf("%w: account without id", ErrMalformedEvent)
		}
		return AccountStatusChanged{Meta: meta, AccountRef: acct.ID, ChargesEnabled: acct.ChargesEnabled, PayoutsEnabled: acct.PayoutsEnabled}, nil
	}

	return Unknown{Meta: meta}, nil
}

func decodeObject(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// transferStatus maps the status a transfer carries in its metadata.
func transferStatus(s string) string {
	switch s {
	case "paid", "succeeded", models.PayoutStatusCompleted:
		return models.PayoutStatusCompleted
	case "failed":
		return models.PayoutStatusFailed
	case "canceled", "cancelled":
		return models.PayoutStatusCanceled
	case "in_transit", "pending", models.PayoutStatusProcessing:
		return models.PayoutStatusProcessing
	}
	return ""
}
