package services

import (
	"testing"

	"github.com/creatormarket/escrow/internal/ledger"
	"github.com/creatormarket/escrow/internal/models"
	"github.com/creatormarket/escrow/internal/payments"
	"github.com/creatormarket/escrow/internal/webhooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaiseDisputeGuards(t *testing.T) {
	h := newHarness(t)
	draft := h.createDeal(1000)
	_, err := h.escrow.RaiseDispute(h.ctx, draft.ID, h.funderActor(), "too early")
	assert.ErrorIs(t, err, ErrInvalidState)

	view := h.fundedDeal(1000)
	_, err = h.escrow.RaiseDispute(h.ctx, view.ID, h.adminActor(), "admins do not dispute")
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := h.escrow.RaiseDispute(h.ctx, view.ID, h.receiverActor(), "unpaid")
	require.NoError(t, err)
	assert.Equal(t, models.DealStateDisputed, got.State)

	_, err = h.escrow.RaiseDispute(h.ctx, view.ID, h.funderActor(), "again")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDisputeFreezesMilestoneActions(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	mID := view.Milestones[0].ID
	_, err := h.escrow.RaiseDispute(h.ctx, view.ID, h.funderActor(), "missing brief")
	require.NoError(t, err)

	_, err = h.escrow.SubmitMilestone(h.ctx, mID, h.receiverActor(), "late")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, _, err = h.escrow.ApproveMilestone(h.ctx, mID, h.funderActor())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSettlementDuringDisputeKeepsMilestoneDisputed(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(4000, 6000)
	p := h.approved(view.Milestones[0].ID)

	_, err := h.escrow.RaiseDispute(h.ctx, view.ID, h.funderActor(), "second part missing")
	require.NoError(t, err)

	res := h.deliver(webhooks.PayoutSettled{Meta: meta("evt_settle"), TransferRef: *p.ProviderRef})
	assert.Equal(t, ledger.OutcomeApplied, res.Outcome)
	assert.Equal(t, models.PayoutStatusCompleted, h.payout(p.ID).Status)
	assert.Equal(t, models.MilestoneStateDisputed, h.milestone(view.Milestones[0].ID).State)
	assert.Equal(t, models.DealStateDisputed, h.view(view.ID).State)
}

func TestResolveRelease(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(4000, 6000)
	first := h.approved(view.Milestones[0].ID)
	_, err := h.escrow.RaiseDispute(h.ctx, view.ID, h.funderActor(), "quality")
	require.NoError(t, err)

	got, err := h.escrow.ResolveDispute(h.ctx, view.ID, h.adminActor(), ResolveRelease, "work delivered")
	require.NoError(t, err)
	assert.Equal(t, models.DealStateReleased, got.State)
	assert.NotNil(t, got.ResolvedAt)
	for _, m := range got.Milestones {
		assert.Equal(t, models.MilestoneStateApproved, m.State)
	}
	require.Len(t, got.Payouts, 2, "in-flight payout kept, one created for the other milestone")

	release := h.sandbox.Calls(payments.OpRelease)
	require.Len(t, release, 2)
	assert.Equal(t, first.ID.String(), release[0].IdempotencyKey)

	for i, p := range got.Payouts {
		require.NotNil(t, p.ProviderRef)
		h.deliver(webhooks.PayoutSettled{Meta: meta("evt_settle_" + string(rune('a'+i))), TransferRef: *p.ProviderRef})
	}
	final := h.view(view.ID)
	for _, m := range final.Milestones {
		assert.Equal(t, models.MilestoneStateReleased, m.State)
	}
	assert.Equal(t, models.DealStateReleased, final.State)
}

func TestResolveReleaseWithSettledPayout(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	p := h.approved(view.Milestones[0].ID)
	_, err := h.escrow.RaiseDispute(h.ctx, view.ID, h.receiverActor(), "slow payment")
	require.NoError(t, err)
	h.deliver(webhooks.PayoutSettled{Meta: meta("evt_paid"), TransferRef: *p.ProviderRef})

	got, err := h.escrow.ResolveDispute(h.ctx, view.ID, h.adminActor(), ResolveRelease, "already paid")
	require.NoError(t, err)
	assert.Equal(t, models.MilestoneStateReleased, got.Milestones[0].State)
	assert.Len(t, got.Payouts, 1)
	assert.Len(t, h.sandbox.Calls(payments.OpRelease), 1)
}

func TestResolveRefund(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(4000, 6000)
	p := h.approved(view.Milestones[0].ID)
	h.deliver(webhooks.PayoutSettled{Meta: meta("evt_first"), TransferRef: *p.ProviderRef})

	_, err := h.escrow.RaiseDispute(h.ctx, view.ID, h.funderActor(), "abandoned")
	require.NoError(t, err)

	got, err := h.escrow.ResolveDispute(h.ctx, view.ID, h.adminActor(), ResolveRefund, "receiver abandoned the work")
	require.NoError(t, err)
	assert.Equal(t, models.DealStateRefunded, got.State)
	require.NotNil(t, got.RefundRef)
	assert.Equal(t, models.MilestoneStateReleased, got.Milestones[0].State)
	assert.Equal(t, models.MilestoneStateDisputed, got.Milestones[1].State)

	refunds := h.sandbox.Calls(payments.OpRefund)
	require.Len(t, refunds, 1)
	assert.EqualValues(t, 6000, refunds[0].Amount)
	assert.Equal(t, "refund-"+view.ID.String(), refunds[0].IdempotencyKey)
	assert.Contains(t, h.ledgerTypes(view.ID), ledger.TypeDealRefundInitiated)

	_, _, err = h.escrow.ApproveMilestone(h.ctx, view.Milestones[1].ID, h.funderActor())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestResolveRefundRefusedWhilePayoutInFlight(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	h.approved(view.Milestones[0].ID)
	_, err := h.escrow.RaiseDispute(h.ctx, view.ID, h.funderActor(), "wrong account")
	require.NoError(t, err)

	_, err = h.escrow.ResolveDispute(h.ctx, view.ID, h.adminActor(), ResolveRefund, "refund")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, models.DealStateDisputed, h.view(view.ID).State)
	assert.Empty(t, h.sandbox.Calls(payments.OpRefund))
}

func TestResolveRefundReissuedAfterProviderFailure(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	_, err := h.escrow.RaiseDispute(h.ctx, view.ID, h.funderActor(), "never started")
	require.NoError(t, err)

	h.sandbox.FailNext(payments.OpRefund, payments.ErrProviderUnavailable)
	got, err := h.escrow.ResolveDispute(h.ctx, view.ID, h.adminActor(), ResolveRefund, "refund")
	assert.ErrorIs(t, err, payments.ErrProviderUnavailable)
	require.NotNil(t, got)
	assert.Equal(t, models.DealStateRefunded, got.State)
	assert.Nil(t, got.RefundRef)

	got, err = h.escrow.ResolveDispute(h.ctx, view.ID, h.adminActor(), ResolveRefund, "refund")
	require.NoError(t, err)
	require.NotNil(t, got.RefundRef)

	refunds := h.sandbox.Calls(payments.OpRefund)
	require.Len(t, refunds, 2)
	assert.Equal(t, refunds[0].IdempotencyKey, refunds[1].IdempotencyKey)

	_, err = h.escrow.ResolveDispute(h.ctx, view.ID, h.adminActor(), ResolveRefund, "refund")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestResolveDisputePermissions(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	_, err := h.escrow.RaiseDispute(h.ctx, view.ID, h.funderActor(), "x")
	require.NoError(t, err)

	_, err = h.escrow.ResolveDispute(h.ctx, view.ID, h.funderActor(), ResolveRefund, "mine")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.escrow.ResolveDispute(h.ctx, view.ID, models.AdminActor(h.receiver), ResolveRelease, "my own deal")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.escrow.ResolveDispute(h.ctx, view.ID, h.adminActor(), "split", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Equal(t, models.DealStateDisputed, h.view(view.ID).State)
}
