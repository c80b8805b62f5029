package services

import (
	"testing"
	"time"

	"github.com/creatormarket/escrow/internal/ledger"
	"github.com/creatormarket/escrow/internal/models"
	"github.com/creatormarket/escrow/internal/payments"
	"github.com/creatormarket/escrow/internal/webhooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileFundingAfterMissedWebhook(t *testing.T) {
	h := newHarness(t)
	view := h.createDeal(10000)
	deal, err := h.escrow.FundDeal(h.ctx, view.ID, h.funderActor())
	require.NoError(t, err)
	h.sandbox.SettleFunding(*deal.PendingEscrowRef)

	n, err := h.reconciler.ReconcileFunding(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "request is younger than the reconcile threshold")

	h.shiftClock(time.Hour)
	n, err = h.reconciler.ReconcileFunding(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.view(view.ID)
	assert.Equal(t, models.DealStateFunded, got.State)
	require.NotNil(t, got.EscrowRef)
	assert.Contains(t, h.ledgerTypes(view.ID), ledger.TypeReconcileObserved)

	// the delayed webhook finds the deal already funded
	res := h.deliver(webhooks.FundingSucceeded{Meta: meta("evt_late"), EscrowRef: *got.EscrowRef, Amount: 10000, Currency: "usd"})
	assert.Equal(t, ledger.OutcomeNoop, res.Outcome)
}

func TestReconcileFundingLeavesUnsettledDeals(t *testing.T) {
	h := newHarness(t)
	view := h.createDeal(10000)
	_, err := h.escrow.FundDeal(h.ctx, view.ID, h.funderActor())
	require.NoError(t, err)

	h.shiftClock(time.Hour)
	n, err := h.reconciler.ReconcileFunding(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, h.view(view.ID).FundingInFlight())
}

func TestReconcilePayoutsReusesIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	mID := view.Milestones[0].ID
	_, err := h.escrow.SubmitMilestone(h.ctx, mID, h.receiverActor(), "done")
	require.NoError(t, err)

	h.sandbox.FailNext(payments.OpRelease, payments.ErrProviderUnavailable)
	_, p, err := h.escrow.ApproveMilestone(h.ctx, mID, h.funderActor())
	assert.ErrorIs(t, err, payments.ErrProviderUnavailable)
	require.NotNil(t, p)

	n, err := h.reconciler.ReconcilePayouts(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.shiftClock(time.Hour)
	n, err = h.reconciler.ReconcilePayouts(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	release := h.sandbox.Calls(payments.OpRelease)
	require.Len(t, release, 2)
	assert.Equal(t, p.ID.String(), release[0].IdempotencyKey)
	assert.Equal(t, release[0].IdempotencyKey, release[1].IdempotencyKey)
	assert.NotNil(t, h.payout(p.ID).ProviderRef)

	// requested payouts are never re-issued
	n, err = h.reconciler.ReconcilePayouts(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.sandbox.Calls(payments.OpRelease), 2)
}

func TestReconcileDeal(t *testing.T) {
	h := newHarness(t)
	view := h.createDeal(10000)
	deal, err := h.escrow.FundDeal(h.ctx, view.ID, h.funderActor())
	require.NoError(t, err)
	h.sandbox.SettleFunding(*deal.PendingEscrowRef)

	_, err = h.reconciler.ReconcileDeal(h.ctx, view.ID, h.funderActor())
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := h.reconciler.ReconcileDeal(h.ctx, view.ID, h.adminActor())
	require.NoError(t, err)
	assert.Equal(t, models.DealStateFunded, got.State, "admin reconciliation ignores the age threshold")
}

func TestReconcileFundingIgnoresPartialFunding(t *testing.T) {
	h := newHarness(t)
	view := h.createDeal(10000)
	h.sandbox.FailNext(payments.OpFundEscrow, payments.ErrProviderUnavailable)
	deal, err := h.escrow.FundDeal(h.ctx, view.ID, h.funderActor())
	assert.ErrorIs(t, err, payments.ErrProviderUnavailable)
	require.NotNil(t, deal)

	// only part of the deal amount settles on the escrow
	_, err = h.sandbox.FundEscrow(h.ctx, payments.FundRequest{
		EscrowRef: *deal.PendingEscrowRef, Amount: 2500, Currency: "usd", IdempotencyKey: "partial",
	})
	require.NoError(t, err)
	h.sandbox.SettleFunding(*deal.PendingEscrowRef)
	balance, err := h.sandbox.GetBalance(h.ctx, *deal.PendingEscrowRef)
	require.NoError(t, err)
	require.Equal(t, payments.EscrowFunded, balance.Status())

	h.shiftClock(time.Hour)
	n, err := h.reconciler.ReconcileFunding(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	got := h.view(view.ID)
	assert.Equal(t, models.DealStateDraft, got.State)
	assert.True(t, got.FundingInFlight())
	assert.NotContains(t, h.ledgerTypes(view.ID), ledger.TypeReconcileObserved)
}

func TestReconcileSettlesStaleRequestedPayout(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(600, 400)
	first := h.approved(view.Milestones[0].ID)
	second := h.approved(view.Milestones[1].ID)
	require.NotNil(t, first.ProviderRef)
	require.NotNil(t, second.ProviderRef)
	h.deliver(webhooks.TransferCreated{Meta: meta("evt_tr_first"), TransferRef: *first.ProviderRef})
	assert.Equal(t, models.PayoutStatusProcessing, h.payout(first.ID).Status)

	h.shiftClock(time.Hour)
	_, err := h.reconciler.ReconcilePayouts(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusProcessing, h.payout(first.ID).Status, "transfer not settled yet")
	assert.Equal(t, models.PayoutStatusPending, h.payout(second.ID).Status)

	h.sandbox.SettleTransfer(*first.ProviderRef)
	h.sandbox.SettleTransfer(*second.ProviderRef)
	_, err = h.reconciler.ReconcilePayouts(h.ctx)
	require.NoError(t, err)

	assert.Equal(t, models.PayoutStatusCompleted, h.payout(first.ID).Status)
	assert.Equal(t, models.PayoutStatusCompleted, h.payout(second.ID).Status)
	assert.Equal(t, models.DealStateReleased, h.view(view.ID).State)
	assert.Contains(t, h.ledgerTypes(view.ID), ledger.TypeReconcileObserved)
	assert.Len(t, h.sandbox.Calls(payments.OpRelease), 2, "reconciliation never re-issues an accepted payout")

	// the late settlement notice changes nothing
	res := h.deliver(webhooks.PayoutSettled{Meta: meta("evt_late_paid"), TransferRef: *first.ProviderRef})
	assert.Equal(t, ledger.OutcomeNoop, res.Outcome)
}

func TestReconcileReversedTransferFailsPayout(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	p := h.approved(view.Milestones[0].ID)
	h.sandbox.ReverseTransfer(*p.ProviderRef, *h.view(view.ID).EscrowRef, p.Amount)

	h.shiftClock(time.Hour)
	_, err := h.reconciler.ReconcilePayouts(h.ctx)
	require.NoError(t, err)

	failed := h.payout(p.ID)
	assert.Equal(t, models.PayoutStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, "reversed", *failed.FailureReason)
	assert.Equal(t, models.MilestoneStateApproved, h.milestone(view.Milestones[0].ID).State)
}
