// Package payments adapts concrete payment backends to the escrow lifecycle.
//
// Every operation is an intent: the returned reference identifies a pending
// operation whose outcome arrives later as a webhook. Callers resolve timeouts
// with GetStatus instead of assuming failure.
package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrProviderUnavailable is transient; the call may be retried with the same idempotency key.
	ErrProviderUnavailable = errors.New("payment provider temporarily unavailable")
	ErrInvalidCurrency     = errors.New("currency not supported by payment provider")
	// ErrProviderRejected is a permanent refusal of the request.
	ErrProviderRejected = errors.New("payment provider rejected request")
)

type EscrowStatus string

const (
	EscrowUnfunded EscrowStatus = "unfunded"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Balance sums the settled money movements of one escrow.
type Balance struct {
	Funded   int64
	Released int64
	Refunded int64
}

func (b Balance) Status() EscrowStatus {
	return classify(b.Funded, b.Released, b.Refunded)
}

// TransferStatus is the provider's view of one release transfer.
type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferPaid     TransferStatus = "paid"
	TransferReversed TransferStatus = "reversed"
)

type FundRequest struct {
	EscrowRef      string
	DealID         uuid.UUID
	Amount         int64
	Currency       string
	PayerRef       string
	Attempt        int
	IdempotencyKey string
}

type ReleaseRequest struct {
	EscrowRef      string
	Amount         int64
	Currency       string
	ReceiverRef    string
	Metadata       map[string]string
	IdempotencyKey string
}

type RefundRequest struct {
	EscrowRef      string
	Amount         int64 // 0 refunds everything still refundable
	IdempotencyKey string
}

// Provider is the uniform contract over a payment backend.
type Provider interface {
	Name() string
	// CreateEscrow is idempotent per deal.
	CreateEscrow(ctx context.Context, dealID uuid.UUID, currency string) (string, error)
	FundEscrow(ctx context.Context, req FundRequest) (string, error)
	ReleaseToReceiver(ctx context.Context, req ReleaseRequest) (string, error)
	RefundToPayer(ctx context.Context, req RefundRequest) (string, error)
	GetStatus(ctx context.Context, escrowRef string) (EscrowStatus, error)
	GetBalance(ctx context.Context, escrowRef string) (Balance, error)
	GetTransferStatus(ctx context.Context, transferRef string) (TransferStatus, error)
}

// classify derives the escrow status from settled money movements.
func classify(funded, released, refunded int64) EscrowStatus {
	switch {
	case funded <= 0:
		return EscrowUnfunded
	case refunded > 0 && released+refunded >= funded:
		return EscrowRefunded
	case released >= funded:
		return EscrowReleased
	}
	return EscrowFunded
}
