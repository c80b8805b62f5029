package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.uber.org/zap"
)

// StripeProvider holds escrowed funds on the platform balance. An escrow is a
// Stripe transfer group: funding charges and payout transfers of one deal share
// the group, which makes the group the escrow reference.
type StripeProvider struct {
	sc         *client.API
	currencies map[string]bool
	log        *zap.Logger
}

func NewStripeProvider(secretKey string, currencies []string, log *zap.Logger) *StripeProvider {
	return NewStripeProviderWithBackends(secretKey, nil, currencies, log)
}

// NewStripeProviderWithBackends lets tests point the client at a fake API.
func NewStripeProviderWithBackends(secretKey string, backends *stripe.Backends, currencies []string, log *zap.Logger) *StripeProvider {
	sc := &client.API{}
	sc.Init(secretKey, backends)

	set := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		set[c] = true
	}
	return &StripeProvider{sc: sc, currencies: set, log: log}
}

func (p *StripeProvider) Name() string { return "stripe" }

// EscrowRef returns the transfer group used for a deal.
func EscrowRef(dealID uuid.UUID) string {
	return "escrow_" + dealID.String()
}

func (p *StripeProvider) CreateEscrow(_ context.Context, dealID uuid.UUID, currency string) (string, error) {
	if !p.currencies[currency] {
		return "", fmt.Errorf("%w: %s", ErrInvalidCurrency, currency)
	}
	return EscrowRef(dealID), nil
}

func (p *StripeProvider) FundEscrow(ctx context.Context, req FundRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		TransferGroup: stripe.String(req.EscrowRef),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.PayerRef != "" {
		params.Customer = stripe.String(req.PayerRef)
	}
	params.Context = ctx
	params.AddMetadata("deal_id", req.DealID.String())
	params.AddMetadata("escrow_ref", req.EscrowRef)
	if req.Attempt > 0 {
		params.AddMetadata("funding_attempt", strconv.Itoa(req.Attempt))
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := p.sc.PaymentIntents.New(params)
	if err != nil {
		return "", mapStripeError(err)
	}
	p.log.Info("stripe payment intent created", zap.String("payment_intent", pi.ID), zap.String("escrow_ref", req.EscrowRef))
	return pi.ID, nil
}

func (p *StripeProvider) ReleaseToReceiver(ctx context.Context, req ReleaseRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.ReceiverRef),
		TransferGroup: stripe.String(req.EscrowRef),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	tr, err := p.sc.Transfers.New(params)
	if err != nil {
		return "", mapStripeError(err)
	}
	p.log.Info("stripe transfer created", zap.String("transfer", tr.ID), zap.String("escrow_ref", req.EscrowRef))
	return tr.ID, nil
}

func (p *StripeProvider) RefundToPayer(ctx context.Context, req RefundRequest) (string, error) {
	listParams := &stripe.ChargeListParams{TransferGroup: stripe.String(req.EscrowRef)}
	listParams.Context = ctx

	var charge *stripe.Charge
	it := p.sc.Charges.List(listParams)
	for it.Next() {
		ch := it.Charge()
		if ch.Status == stripe.ChargeStatusSucceeded && !ch.Refunded {
			charge = ch
			break
		}
	}
	if err := it.Err(); err != nil {
		return "", mapStripeError(err)
	}
	if charge == nil {
		return "", fmt.Errorf("%w: no refundable charge in %s", ErrProviderRejected, req.EscrowRef)
	}

	params := &stripe.RefundParams{Charge: stripe.String(charge.ID)}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	re, err := p.sc.Refunds.New(params)
	if err != nil {
		return "", mapStripeError(err)
	}
	p.log.Info("stripe refund created", zap.String("refund", re.ID), zap.String("escrow_ref", req.EscrowRef))
	return re.ID, nil
}

func (p *StripeProvider) GetStatus(ctx context.Context, escrowRef string) (EscrowStatus, error) {
	b, err := p.GetBalance(ctx, escrowRef)
	if err != nil {
		return "", err
	}
	return b.Status(), nil
}

func (p *StripeProvider) GetBalance(ctx context.Context, escrowRef string) (Balance, error) {
	var b Balance

	chargeParams := &stripe.ChargeListParams{TransferGroup: stripe.String(escrowRef)}
	chargeParams.Context = ctx
	charges := p.sc.Charges.List(chargeParams)
	for charges.Next() {
		ch := charges.Charge()
		if ch.Status == stripe.ChargeStatusSucceeded {
			b.Funded += ch.Amount
			b.Refunded += ch.AmountRefunded
		}
	}
	if err := charges.Err(); err != nil {
		return Balance{}, mapStripeError(err)
	}

	transferParams := &stripe.TransferListParams{TransferGroup: stripe.String(escrowRef)}
	transferParams.Context = ctx
	transfers := p.sc.Transfers.List(transferParams)
	for transfers.Next() {
		tr := transfers.Transfer()
		b.Released += tr.Amount - tr.AmountReversed
	}
	if err := transfers.Err(); err != nil {
		return Balance{}, mapStripeError(err)
	}
	return b, nil
}

// GetTransferStatus reports a transfer paid once it exists and was not
// reversed: a Connect transfer lands in the receiver's balance when created.
func (p *StripeProvider) GetTransferStatus(ctx context.Context, transferRef string) (TransferStatus, error) {
	params := &stripe.TransferParams{}
	params.Context = ctx
	tr, err := p.sc.Transfers.Get(transferRef, params)
	if err != nil {
		return "", mapStripeError(err)
	}
	if tr.Reversed || (tr.Amount > 0 && tr.AmountReversed >= tr.Amount) {
		return TransferReversed, nil
	}
	return TransferPaid, nil
}

// mapStripeError sorts Stripe failures into transient and permanent errors.
func mapStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// transport failure: the request may or may not have reached Stripe
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= http.StatusInternalServerError,
		se.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("%w: %s", ErrProviderUnavailable, se.Msg)
	case se.Param == "currency":
		return fmt.Errorf("%w: %s", ErrInvalidCurrency, se.Msg)
	}
	return fmt.Errorf("%w: %s", ErrProviderRejected, se.Msg)
}
