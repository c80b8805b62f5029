package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/creatormarket/escrow/internal/config"
	"github.com/creatormarket/escrow/internal/events"
	"github.com/creatormarket/escrow/internal/ledger"
	"github.com/creatormarket/escrow/internal/models"
	"github.com/creatormarket/escrow/internal/payments"
	"github.com/creatormarket/escrow/internal/repositories"
	"github.com/creatormarket/escrow/internal/webhooks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// acceptAll stands in for signature verification; the dispatcher tests cover it.
type acceptAll struct{}

func (acceptAll) Verify([]byte, string) error { return nil }

// eventTable parses a payload by looking up the event registered under it.
type eventTable struct {
	mu     sync.Mutex
	events map[string]webhooks.Event
}

func (t *eventTable) Parse(payload []byte) (webhooks.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.events[string(payload)]
	if !ok {
		return nil, webhooks.ErrMalformedEvent
	}
	return ev, nil
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	store      repositories.Store
	mem        *repositories.MemoryStore
	sandbox    *payments.Sandbox
	publisher  *recordingPublisher
	cfg        *config.Config
	escrow     *EscrowService
	payouts    *PayoutService
	reconciler *Reconciler
	dispatcher *webhooks.Dispatcher
	parser     *eventTable

	funder   uuid.UUID
	receiver uuid.UUID
	admin    uuid.UUID
}

type harnessOption func(h *harness)

func withFees(f FeePolicy) harnessOption {
	return func(h *harness) { h.payouts.fees = f }
}

func withStore(wrap func(*repositories.MemoryStore) repositories.Store) harnessOption {
	return func(h *harness) { h.store = wrap(h.mem) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	mem := repositories.NewMemoryStore()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		store:     mem,
		mem:       mem,
		sandbox:   payments.NewSandbox([]string{"usd", "eur"}),
		publisher: &recordingPublisher{},
		cfg: &config.Config{
			SupportedCurrencies: []string{"usd", "eur"},
			AutoApproveGrace:    72 * time.Hour,
			ReconcileAfter:      15 * time.Minute,
			ReconcileBatchSize:  100,
			RefundOnResolve:     true,
		},
		parser:   &eventTable{events: make(map[string]webhooks.Event)},
		funder:   uuid.New(),
		receiver: uuid.New(),
		admin:    uuid.New(),
	}
	h.build()
	for _, opt := range opts {
		opt(h)
	}
	h.build()
	return h
}

func (h *harness) build() {
	log := zap.NewNop()
	recorder := ledger.NewRecorder(log)
	var fees FeePolicy
	if h.payouts != nil {
		fees = h.payouts.fees
	}
	h.payouts = NewPayoutService(h.store, h.sandbox, recorder, fees, h.publisher, log)
	h.escrow = NewEscrowService(h.store, h.sandbox, h.payouts, recorder, h.publisher, h.cfg, log)
	h.reconciler = NewReconciler(h.store, h.sandbox, h.escrow, h.payouts, recorder, h.cfg, log)
	h.dispatcher = webhooks.NewDispatcher(acceptAll{}, h.parser, h.escrow, h.store, recorder, h.publisher, log)
}

func (h *harness) funderActor() models.Actor   { return models.UserActor(h.funder) }
func (h *harness) receiverActor() models.Actor { return models.UserActor(h.receiver) }
func (h *harness) adminActor() models.Actor    { return models.AdminActor(h.admin) }

// shiftClock moves every service clock by d.
func (h *harness) shiftClock(d time.Duration) {
	now := func() time.Time { return time.Now().UTC().Add(d) }
	h.escrow.now, h.payouts.now, h.reconciler.now = now, now, now
}

func (h *harness) createDeal(amounts ...int64) *models.DealView {
	h.t.Helper()
	in := CreateDealInput{
		ReceiverID:         h.receiver,
		ReceiverAccountRef: "acct_receiver",
		Title:              "Launch campaign",
		Currency:           "usd",
	}
	for i, a := range amounts {
		in.Milestones = append(in.Milestones, MilestoneInput{Title: "part " + string(rune('A'+i)), Amount: a})
	}
	view, err := h.escrow.CreateDeal(h.ctx, h.funderActor(), in)
	require.NoError(h.t, err)
	return view
}

func (h *harness) deliver(ev webhooks.Event) webhooks.Result {
	h.t.Helper()
	res, err := h.dispatch(ev)
	require.NoError(h.t, err)
	return res
}

func (h *harness) dispatch(ev webhooks.Event) (webhooks.Result, error) {
	id := ev.Base().ID
	h.parser.mu.Lock()
	h.parser.events[id] = ev
	h.parser.mu.Unlock()
	return h.dispatcher.Dispatch(h.ctx, []byte(id), "sig")
}

func meta(id string) webhooks.Meta {
	return webhooks.Meta{ID: id, ProviderType: "test." + id, Created: time.Now()}
}

// fundedDeal creates and funds a deal through the funding webhook.
func (h *harness) fundedDeal(amounts ...int64) *models.DealView {
	h.t.Helper()
	view := h.createDeal(amounts...)
	deal, err := h.escrow.FundDeal(h.ctx, view.ID, h.funderActor())
	require.NoError(h.t, err)
	h.sandbox.SettleFunding(*deal.PendingEscrowRef)
	h.deliver(webhooks.FundingSucceeded{
		Meta:       meta("evt_fund_" + view.ID.String()),
		EscrowRef:  *deal.PendingEscrowRef,
		PaymentRef: *deal.FundingPaymentRef,
		Amount:     deal.Amount,
		Currency:   deal.Currency,
	})
	return h.view(view.ID)
}

func (h *harness) view(dealID uuid.UUID) *models.DealView {
	h.t.Helper()
	v, err := h.escrow.GetDeal(h.ctx, dealID, h.funderActor())
	require.NoError(h.t, err)
	return v
}

func (h *harness) milestone(id uuid.UUID) *models.Milestone {
	h.t.Helper()
	m, err := h.store.GetMilestone(h.ctx, id)
	require.NoError(h.t, err)
	return m
}

func (h *harness) payout(id uuid.UUID) *models.Payout {
	h.t.Helper()
	p, err := h.store.GetPayout(h.ctx, id)
	require.NoError(h.t, err)
	return p
}

// approved submits and approves a milestone and returns its payout.
func (h *harness) approved(milestoneID uuid.UUID) *models.Payout {
	h.t.Helper()
	_, err := h.escrow.SubmitMilestone(h.ctx, milestoneID, h.receiverActor(), "https://example.com/deliverable")
	require.NoError(h.t, err)
	_, p, err := h.escrow.ApproveMilestone(h.ctx, milestoneID, h.funderActor())
	require.NoError(h.t, err)
	return p
}

func (h *harness) ledgerTypes(dealID uuid.UUID) []string {
	h.t.Helper()
	evs, err := h.store.ListLedger(h.ctx, dealID, 500, 0)
	require.NoError(h.t, err)
	types := make([]string, 0, len(evs))
	for _, e := range evs {
		types = append(types, e.Type)
	}
	return types
}

func (h *harness) ledgerCountForEvent(providerEventID string, dealID uuid.UUID) int {
	h.t.Helper()
	evs, err := h.store.ListLedger(h.ctx, dealID, 500, 0)
	require.NoError(h.t, err)
	n := 0
	for _, e := range evs {
		if e.ProviderEventID != nil && *e.ProviderEventID == providerEventID {
			n++
		}
	}
	return n
}

// ledgerFailStore fails ledger appends of one event type.
type ledgerFailStore struct {
	*repositories.MemoryStore
	failType string
}

func (s ledgerFailStore) WithinTx(ctx context.Context, fn func(tx repositories.Tx) error) error {
	return s.MemoryStore.WithinTx(ctx, func(tx repositories.Tx) error {
		return fn(failingTx{Tx: tx, failType: s.failType})
	})
}

type failingTx struct {
	repositories.Tx
	failType string
}

func (t failingTx) AppendLedger(ctx context.Context, e *models.LedgerEvent) error {
	if e.Type == t.failType {
		return errors.New("ledger unavailable")
	}
	return t.Tx.AppendLedger(ctx, e)
}
