package webhooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/creatormarket/escrow/internal/events"
	"github.com/creatormarket/escrow/internal/ledger"
	"github.com/creatormarket/escrow/internal/metrics"
	"github.com/creatormarket/escrow/internal/repositories"
	"github.com/creatormarket/escrow/internal/traces"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OutcomeDuplicate is returned for an event that was already processed. It is
// never written to the ledger.
const OutcomeDuplicate = "duplicate"

// Result describes what an event did. Handlers fill Outcome, the entity ids
// and Notices; the dispatcher fills the rest.
type Result struct {
	EventID  string
	Kind     Kind
	Outcome  string
	Reason   string
	DealID   *uuid.UUID
	PayoutID *uuid.UUID
	Notices  []events.Event
}

// Handler applies a routed event inside the dispatcher's transaction. It must
// not call the payment provider.
type Handler interface {
	Apply(ctx context.Context, tx repositories.Tx, ev Event) (Result, error)
}

// Rejection is a permanent refusal of an event, such as a funding notice for
// an unknown escrow. The transaction is rolled back and the event is recorded
// as rejected so the provider stops redelivering it.
type Rejection struct {
	Reason   string
	DealID   *uuid.UUID
	PayoutID *uuid.UUID
}

func (r *Rejection) Error() string { return "event rejected: " + r.Reason }

func Reject(reason string) *Rejection { return &Rejection{Reason: reason} }

type Dispatcher struct {
	verifier  Verifier
	parser    Parser
	handler   Handler
	store     repositories.Store
	recorder  *ledger.Recorder
	publisher events.Publisher
	log       *zap.Logger
}

func NewDispatcher(
	verifier Verifier,
	parser Parser,
	handler Handler,
	store repositories.Store,
	recorder *ledger.Recorder,
	publisher events.Publisher,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		verifier:  verifier,
		parser:    parser,
		handler:   handler,
		store:     store,
		recorder:  recorder,
		publisher: publisher,
		log:       log,
	}
}

// Dispatch processes one inbound notification. It returns ErrSignatureInvalid
// or ErrMalformedEvent for permanent rejections; any other error is transient
// and the provider should redeliver.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, signature string) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "webhooks.dispatch")
	res, err := d.dispatch(ctx, payload, signature)
	span.SetAttributes(traces.EventID(res.EventID), traces.EventKind(string(res.Kind)))
	traces.End(span, err)
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, payload []byte, signature string) (Result, error) {
	if err := d.verifier.Verify(payload, signature); err != nil {
		metrics.WebhooksTotal.WithLabelValues("unverified", "signature_invalid").Inc()
		d.log.Warn("webhook signature rejected", zap.Int("bytes", len(payload)))
		return Result{}, ErrSignatureInvalid
	}

	ev, err := d.parser.Parse(payload)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("unparsed", "malformed").Inc()
		d.log.Warn("webhook malformed", zap.Error(err))
		return Result{}, err
	}
	meta := ev.Base()
	base := Result{EventID: meta.ID, Kind: ev.Kind()}
	log := d.log.With(zap.String("event_id", meta.ID), zap.String("event_type", meta.ProviderType))

	seen, err := d.store.LedgerEventExists(ctx, meta.ID)
	if err != nil {
		return base, fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		return d.duplicate(base, log), nil
	}

	var res Result
	err = d.store.WithinTx(ctx, func(tx repositories.Tx) error {
		r, err := d.route(ctx, tx, ev)
		if err != nil {
			return err
		}
		res = r
		_, err = d.recorder.RecordWebhook(ctx, tx, ledger.WebhookEntry{
			EventID:      meta.ID,
			ProviderType: meta.ProviderType,
			Kind:         string(ev.Kind()),
			Outcome:      r.Outcome,
			Reason:       r.Reason,
			DealID:       r.DealID,
			PayoutID:     r.PayoutID,
		})
		return err
	})

	var rej *Rejection
	switch {
	case err == nil:
	case errors.Is(err, repositories.ErrDuplicateEvent):
		return d.duplicate(base, log), nil
	case errors.As(err, &rej):
		return d.reject(ctx, base, meta, rej, log)
	default:
		metrics.WebhooksTotal.WithLabelValues(string(ev.Kind()), "error").Inc()
		log.Error("webhook processing failed", zap.Error(err))
		return base, err
	}

	res.EventID, res.Kind = base.EventID, base.Kind
	metrics.WebhooksTotal.WithLabelValues(string(res.Kind), res.Outcome).Inc()
	if res.Outcome == ledger.OutcomeUnhandled {
		log.Info("webhook type not handled")
	} else {
		log.Info("webhook processed", zap.String("outcome", res.Outcome))
	}

	for _, n := range res.Notices {
		if err := d.publisher.Publish(ctx, events.StreamEscrow, n); err != nil {
			log.Warn("failed to publish notice", zap.String("type", n.Type), zap.Error(err))
		}
	}
	return res, nil
}

func (d *Dispatcher) route(ctx context.Context, tx repositories.Tx, ev Event) (Result, error) {
	if _, ok := ev.(Unknown); ok {
		return Result{Outcome: ledger.OutcomeUnhandled}, nil
	}
	return d.handler.Apply(ctx, tx, ev)
}

func (d *Dispatcher) duplicate(base Result, log *zap.Logger) Result {
	metrics.WebhooksTotal.WithLabelValues(string(base.Kind), OutcomeDuplicate).Inc()
	log.Info("webhook already processed")
	base.Outcome = OutcomeDuplicate
	return base
}

// reject records a refused event in its own transaction, after the refused
// transition was rolled back.
func (d *Dispatcher) reject(ctx context.Context, base Result, meta Meta, rej *Rejection, log *zap.Logger) (Result, error) {
	err := d.store.WithinTx(ctx, func(tx repositories.Tx) error {
		_, err := d.recorder.RecordWebhook(ctx, tx, ledger.WebhookEntry{
			EventID:      meta.ID,
			ProviderType: meta.ProviderType,
			Kind:         string(base.Kind),
			Outcome:      ledger.OutcomeRejected,
			Reason:       rej.Reason,
			DealID:       rej.DealID,
			PayoutID:     rej.PayoutID,
		})
		return err
	})
	if errors.Is(err, repositories.ErrDuplicateEvent) {
		return d.duplicate(base, log), nil
	}
	if err != nil {
		log.Error("failed to record rejected webhook", zap.Error(err))
		return base, err
	}

	metrics.WebhooksTotal.WithLabelValues(string(base.Kind), ledger.OutcomeRejected).Inc()
	log.Warn("webhook rejected", zap.String("reason", rej.Reason))
	base.Outcome, base.Reason = ledger.OutcomeRejected, rej.Reason
	base.DealID, base.PayoutID = rej.DealID, rej.PayoutID
	return base, nil
}
