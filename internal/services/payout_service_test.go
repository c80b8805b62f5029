package services

import (
	"testing"

	"github.com/creatormarket/escrow/internal/events"
	"github.com/creatormarket/escrow/internal/ledger"
	"github.com/creatormarket/escrow/internal/models"
	"github.com/creatormarket/escrow/internal/payments"
	"github.com/creatormarket/escrow/internal/webhooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBPSFee(t *testing.T) {
	tests := []struct {
		bps    int
		amount int64
		want   int64
	}{
		{0, 10000, 0},
		{-5, 10000, 0},
		{250, 10000, 250},
		{250, 99, 2},
		{1, 50, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BPSFee(tt.bps).Fee(tt.amount, "usd"), "%+v", tt)
	}
}

func TestRefusedReleaseCancelsPayout(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	mID := view.Milestones[0].ID
	_, err := h.escrow.SubmitMilestone(h.ctx, mID, h.receiverActor(), "done")
	require.NoError(t, err)

	h.sandbox.FailNext(payments.OpRelease, payments.ErrProviderRejected)
	m, p, err := h.escrow.ApproveMilestone(h.ctx, mID, h.funderActor())
	assert.ErrorIs(t, err, payments.ErrProviderRejected)
	require.NotNil(t, m)
	require.NotNil(t, p)
	assert.Equal(t, models.MilestoneStateApproved, m.State)
	assert.Equal(t, models.PayoutStatusCanceled, p.Status)
	require.NotNil(t, p.FailureReason)

	// nothing retries a canceled payout on its own
	h.shiftClock(h.cfg.ReconcileAfter * 2)
	n, err := h.reconciler.ReconcilePayouts(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.sandbox.Calls(payments.OpRelease), 1)
}

func TestRetryPayout(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	p := h.approved(view.Milestones[0].ID)

	_, err := h.payouts.Retry(h.ctx, p.ID, h.adminActor())
	assert.ErrorIs(t, err, ErrInvalidState, "pending payouts are not retried")

	h.deliver(webhooks.TransferUpdated{Meta: meta("evt_failed"), TransferRef: *p.ProviderRef, Status: models.PayoutStatusFailed, Reason: "account_closed"})
	failed := h.payout(p.ID)
	assert.Equal(t, models.PayoutStatusFailed, failed.Status)
	assert.Equal(t, "account_closed", *failed.FailureReason)

	_, err = h.payouts.Retry(h.ctx, p.ID, h.funderActor())
	assert.ErrorIs(t, err, ErrForbidden)

	retried, err := h.payouts.Retry(h.ctx, p.ID, h.adminActor())
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, retried.ID)
	assert.Equal(t, models.PayoutStatusPending, retried.Status)
	require.NotNil(t, retried.ProviderRef)
	assert.Equal(t, p.Amount, retried.Amount)

	release := h.sandbox.Calls(payments.OpRelease)
	require.Len(t, release, 2)
	assert.Equal(t, retried.ID.String(), release[1].IdempotencyKey)
	assert.Contains(t, h.ledgerTypes(view.ID), ledger.TypePayoutRetried)

	_, err = h.payouts.Retry(h.ctx, p.ID, h.adminActor())
	assert.ErrorIs(t, err, ErrInvalidState, "milestone already has an active payout")

	h.deliver(webhooks.PayoutSettled{Meta: meta("evt_retry_paid"), TransferRef: *retried.ProviderRef})
	assert.Equal(t, models.DealStateReleased, h.view(view.ID).State)
	assert.Equal(t, models.PayoutStatusFailed, h.payout(p.ID).Status)
}

func TestTransferRefMismatchRejected(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	p := h.approved(view.Milestones[0].ID)

	res := h.deliver(webhooks.TransferCreated{Meta: meta("evt_other"), TransferRef: "tr_other", PayoutID: p.ID.String()})
	assert.Equal(t, ledger.OutcomeRejected, res.Outcome)
	assert.Equal(t, models.PayoutStatusPending, h.payout(p.ID).Status)
}

func TestUnknownPayoutStatusIsAnomaly(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	p := h.approved(view.Milestones[0].ID)

	res := h.deliver(webhooks.TransferUpdated{Meta: meta("evt_weird"), TransferRef: *p.ProviderRef, Status: "exploded"})
	assert.Equal(t, ledger.OutcomeNoop, res.Outcome)
	assert.Equal(t, string(models.AnomalyUnknown), res.Reason)
	assert.Equal(t, models.PayoutStatusPending, h.payout(p.ID).Status)
}

func TestSettlementAfterRetryCancelsUnsentReplacement(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	p := h.approved(view.Milestones[0].ID)
	h.deliver(webhooks.TransferUpdated{Meta: meta("evt_failed"), TransferRef: *p.ProviderRef, Status: models.PayoutStatusFailed})

	h.sandbox.FailNext(payments.OpRelease, payments.ErrProviderUnavailable)
	replacement, err := h.payouts.Retry(h.ctx, p.ID, h.adminActor())
	assert.ErrorIs(t, err, payments.ErrProviderUnavailable)
	require.NotNil(t, replacement)
	require.Nil(t, replacement.ProviderRef)

	settled := webhooks.PayoutSettled{Meta: meta("evt_late_paid"), TransferRef: *p.ProviderRef}
	for i := 0; i < 3; i++ {
		_, err := h.dispatch(settled)
		require.NoError(t, err, "delivery %d", i+1)
	}

	assert.Equal(t, models.PayoutStatusCompleted, h.payout(p.ID).Status)
	canceled := h.payout(replacement.ID)
	assert.Equal(t, models.PayoutStatusCanceled, canceled.Status)
	require.NotNil(t, canceled.FailureReason)
	assert.Contains(t, *canceled.FailureReason, p.ID.String())
	assert.Equal(t, models.MilestoneStateReleased, h.milestone(view.Milestones[0].ID).State)
	assert.Equal(t, models.DealStateReleased, h.view(view.ID).State)

	// the canceled replacement is never sent
	h.shiftClock(h.cfg.ReconcileAfter * 2)
	_, err = h.reconciler.ReconcilePayouts(h.ctx)
	require.NoError(t, err)
	assert.Len(t, h.sandbox.Calls(payments.OpRelease), 2)
}

func TestSettlementAfterRetryWithSentReplacementIsAnomaly(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	p := h.approved(view.Milestones[0].ID)
	h.deliver(webhooks.TransferUpdated{Meta: meta("evt_failed"), TransferRef: *p.ProviderRef, Status: models.PayoutStatusFailed})

	replacement, err := h.payouts.Retry(h.ctx, p.ID, h.adminActor())
	require.NoError(t, err)
	require.NotNil(t, replacement.ProviderRef)

	settled := webhooks.PayoutSettled{Meta: meta("evt_late_paid"), TransferRef: *p.ProviderRef}
	res, err := h.dispatch(settled)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeNoop, res.Outcome)
	assert.Equal(t, string(models.AnomalyCompletedAfterRetry), res.Reason)
	for i := 0; i < 2; i++ {
		res, err = h.dispatch(settled)
		require.NoError(t, err)
		assert.Equal(t, webhooks.OutcomeDuplicate, res.Outcome)
	}

	assert.Equal(t, models.PayoutStatusFailed, h.payout(p.ID).Status)
	assert.Equal(t, models.PayoutStatusPending, h.payout(replacement.ID).Status)
	assert.Contains(t, h.ledgerTypes(view.ID), ledger.TypePayoutAnomaly)
	assert.Equal(t, 1, h.publisher.count(events.EventPayoutAnomaly))

	h.deliver(webhooks.PayoutSettled{Meta: meta("evt_retry_paid"), TransferRef: *replacement.ProviderRef})
	assert.Equal(t, models.DealStateReleased, h.view(view.ID).State)
}

func TestTransferAcceptedAfterCancelIsRecorded(t *testing.T) {
	h := newHarness(t)
	view := h.fundedDeal(1000)
	mID := view.Milestones[0].ID
	_, err := h.escrow.SubmitMilestone(h.ctx, mID, h.receiverActor(), "done")
	require.NoError(t, err)
	h.sandbox.FailNext(payments.OpRelease, payments.ErrProviderRejected)
	_, p, err := h.escrow.ApproveMilestone(h.ctx, mID, h.funderActor())
	require.Error(t, err)
	require.Equal(t, models.PayoutStatusCanceled, p.Status)

	got, err := h.payouts.confirm(h.ctx, p, "tr_late")
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusCanceled, got.Status)
	require.NotNil(t, got.ProviderRef)
	assert.Equal(t, "tr_late", *got.ProviderRef)
	assert.Contains(t, h.ledgerTypes(view.ID), ledger.TypePayoutAnomaly)
	assert.NotContains(t, h.ledgerTypes(view.ID), ledger.TypePayoutRequested)
}
