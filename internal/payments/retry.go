package payments

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creatormarket/escrow/internal/metrics"
	"github.com/creatormarket/escrow/internal/traces"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Retrying wraps a provider with bounded exponential backoff. Only
// ErrProviderUnavailable is retried; every request carries an idempotency key,
// so a retry never starts a second money movement.
type Retrying struct {
	next       Provider
	maxRetries uint64
	initial    time.Duration
	log        *zap.Logger
}

func NewRetrying(next Provider, maxRetries int, log *zap.Logger) *Retrying {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrying{next: next, maxRetries: uint64(maxRetries), initial: 200 * time.Millisecond, log: log}
}

// WithInitialInterval sets the first backoff delay.
func (r *Retrying) WithInitialInterval(d time.Duration) *Retrying {
	r.initial = d
	return r
}

func (r *Retrying) Name() string { return r.next.Name() }

func (r *Retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "payments."+op)
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.initial
	eb.MaxElapsedTime = 30 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(eb, r.maxRetries), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		done := metrics.ObserveProviderCall(op)
		err := fn(ctx)
		done(err)
		if err != nil && !errors.Is(err, ErrProviderUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		r.log.Warn("provider call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil && !errors.Is(err, ErrProviderUnavailable) && ctx.Err() != nil {
		err = errors.Join(ErrProviderUnavailable, err)
	}
	traces.End(span, err)
	return err
}

func (r *Retrying) CreateEscrow(ctx context.Context, dealID uuid.UUID, currency string) (string, error) {
	var ref string
	err := r.do(ctx, OpCreateEscrow, func(ctx context.Context) error {
		var err error
		ref, err = r.next.CreateEscrow(ctx, dealID, currency)
		return err
	})
	return ref, err
}

func (r *Retrying) FundEscrow(ctx context.Context, req FundRequest) (string, error) {
	var ref string
	err := r.do(ctx, OpFundEscrow, func(ctx context.Context) error {
		var err error
		ref, err = r.next.FundEscrow(ctx, req)
		return err
	})
	return ref, err
}

func (r *Retrying) ReleaseToReceiver(ctx context.Context, req ReleaseRequest) (string, error) {
	var ref string
	err := r.do(ctx, OpRelease, func(ctx context.Context) error {
		var err error
		ref, err = r.next.ReleaseToReceiver(ctx, req)
		return err
	})
	return ref, err
}

func (r *Retrying) RefundToPayer(ctx context.Context, req RefundRequest) (string, error) {
	var ref string
	err := r.do(ctx, OpRefund, func(ctx context.Context) error {
		var err error
		ref, err = r.next.RefundToPayer(ctx, req)
		return err
	})
	return ref, err
}

func (r *Retrying) GetStatus(ctx context.Context, escrowRef string) (EscrowStatus, error) {
	var status EscrowStatus
	err := r.do(ctx, OpGetStatus, func(ctx context.Context) error {
		var err error
		status, err = r.next.GetStatus(ctx, escrowRef)
		return err
	})
	return status, err
}

func (r *Retrying) GetBalance(ctx context.Context, escrowRef string) (Balance, error) {
	var b Balance
	err := r.do(ctx, OpGetBalance, func(ctx context.Context) error {
		var err error
		b, err = r.next.GetBalance(ctx, escrowRef)
		return err
	})
	return b, err
}

func (r *Retrying) GetTransferStatus(ctx context.Context, transferRef string) (TransferStatus, error) {
	var status TransferStatus
	err := r.do(ctx, OpGetTransfer, func(ctx context.Context) error {
		var err error
		status, err = r.next.GetTransferStatus(ctx, transferRef)
		return err
	})
	return status, err
}
