package repositories

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/creatormarket/escrow/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create and read deal", func(t *testing.T) { testCreateAndRead(t, newStore(t)) })
	t.Run("version conflict", func(t *testing.T) { testVersionConflict(t, newStore(t)) })
	t.Run("escrow ref lookup", func(t *testing.T) { testEscrowRefLookup(t, newStore(t)) })
	t.Run("one active payout per milestone", func(t *testing.T) { testActivePayoutUnique(t, newStore(t)) })
	t.Run("ledger dedup", func(t *testing.T) { testLedgerDedup(t, newStore(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("anonymize", func(t *testing.T) { testAnonymize(t, newStore(t)) })
	t.Run("worker queries", func(t *testing.T) { testWorkerQueries(t, newStore(t)) })
	t.Run("row lock serializes writers", func(t *testing.T) { testRowLock(t, newStore(t)) })
}

func seedDeal(t *testing.T, s Store, amounts ...int64) (*models.Deal, []models.Milestone) {
	t.Helper()
	deal := &models.Deal{
		ID:                 uuid.New(),
		FunderID:           uuid.New(),
		ReceiverID:         uuid.New(),
		ReceiverAccountRef: "acct_1",
		Title:              "deal",
		Currency:           "usd",
		State:              models.DealStateDraft,
	}
	var milestones []models.Milestone
	for i, a := range amounts {
		deal.Amount += a
		milestones = append(milestones, models.Milestone{
			Position: i + 1, Title: "m", Amount: a, Currency: "usd", State: models.MilestoneStatePending,
		})
	}
	require.NoError(t, s.WithinTx(context.Background(), func(tx Tx) error {
		return tx.CreateDeal(context.Background(), deal, milestones)
	}))
	return deal, milestones
}

// fund moves a seeded deal to funded with the given escrow reference.
func fund(t *testing.T, s Store, dealID uuid.UUID, ref string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		d, err := tx.LockDeal(ctx, dealID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		d.EscrowRef, d.State, d.FundedAt = &ref, models.DealStateFunded, &now
		return tx.UpdateDeal(ctx, d)
	}))
}

func testCreateAndRead(t *testing.T, s Store) {
	ctx := context.Background()
	deal, _ := seedDeal(t, s, 4000, 6000)

	got, err := s.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10000, got.Amount)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, models.DealStateDraft, got.State)

	ms, err := s.ListMilestones(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, 1, ms[0].Position)
	assert.EqualValues(t, 6000, ms[1].Amount)

	_, err = s.GetDeal(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func testVersionConflict(t *testing.T, s Store) {
	ctx := context.Background()
	deal, _ := seedDeal(t, s, 1000)

	stale, err := s.GetDeal(ctx, deal.ID)
	require.NoError(t, err)

	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		d, err := tx.LockDeal(ctx, deal.ID)
		if err != nil {
			return err
		}
		d.FundingAttempts = 1
		if err := tx.UpdateDeal(ctx, d); err != nil {
			return err
		}
		assert.Equal(t, 2, d.Version)
		return nil
	}))

	err = s.WithinTx(ctx, func(tx Tx) error {
		stale.FundingAttempts = 5
		return tx.UpdateDeal(ctx, stale)
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FundingAttempts)
}

func testEscrowRefLookup(t *testing.T, s Store) {
	ctx := context.Background()
	deal, _ := seedDeal(t, s, 1000)
	ref := "escrow_" + deal.ID.String()

	err := s.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.LockDealByEscrowRef(ctx, ref)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		d, err := tx.LockDeal(ctx, deal.ID)
		if err != nil {
			return err
		}
		d.PendingEscrowRef = &ref
		return tx.UpdateDeal(ctx, d)
	}))
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		d, err := tx.LockDealByEscrowRef(ctx, ref)
		if err != nil {
			return err
		}
		assert.Equal(t, deal.ID, d.ID)
		return nil
	}))

	other, _ := seedDeal(t, s, 1000)
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		d, err := tx.LockDeal(ctx, other.ID)
		if err != nil {
			return err
		}
		d.PendingEscrowRef = &ref
		return tx.UpdateDeal(ctx, d)
	}))
	err = s.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.LockDealByEscrowRef(ctx, ref)
		return err
	})
	assert.ErrorIs(t, err, ErrAmbiguous)
}

func testActivePayoutUnique(t *testing.T, s Store) {
	ctx := context.Background()
	deal, ms := seedDeal(t, s, 1000)
	fund(t, s, deal.ID, "escrow_"+deal.ID.String())

	newPayout := func() *models.Payout {
		return &models.Payout{
			ID: uuid.New(), DealID: &deal.ID, MilestoneID: &ms[0].ID, Provider: "sandbox",
			Amount: 1000, Currency: "usd", Status: models.PayoutStatusPending, RequestedAt: time.Now().UTC(),
		}
	}
	first := newPayout()
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error { return tx.CreatePayout(ctx, first) }))

	err := s.WithinTx(ctx, func(tx Tx) error { return tx.CreatePayout(ctx, newPayout()) })
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		p, err := tx.LockPayout(ctx, first.ID)
		if err != nil {
			return err
		}
		ref := "tr_1"
		p.ProviderRef, p.Status = &ref, models.PayoutStatusFailed
		return tx.UpdatePayout(ctx, p)
	}))

	byRef, err := s.GetPayoutByProviderRef(ctx, "tr_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byRef.ID)

	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error { return tx.CreatePayout(ctx, newPayout()) }))
	payouts, err := s.ListPayouts(ctx, deal.ID)
	require.NoError(t, err)
	assert.Len(t, payouts, 2)
}

func testLedgerDedup(t *testing.T, s Store) {
	ctx := context.Background()
	eventID := "evt_" + uuid.NewString()
	entry := func() *models.LedgerEvent {
		return &models.LedgerEvent{Type: "webhook.received", ActorType: models.ActorTypeProvider, ProviderEventID: &eventID}
	}

	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error { return tx.AppendLedger(ctx, entry()) }))
	err := s.WithinTx(ctx, func(tx Tx) error { return tx.AppendLedger(ctx, entry()) })
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	exists, err := s.LedgerEventExists(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func testRollback(t *testing.T, s Store) {
	ctx := context.Background()
	deal, _ := seedDeal(t, s, 1000)
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx Tx) error {
		d, err := tx.LockDeal(ctx, deal.ID)
		if err != nil {
			return err
		}
		d.FundingAttempts = 9
		if err := tx.UpdateDeal(ctx, d); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, &models.LedgerEvent{Type: "deal.funding_requested", ActorType: models.ActorTypeSystem, DealID: &deal.ID}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FundingAttempts)
	evs, err := s.ListLedger(ctx, deal.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func testAnonymize(t *testing.T, s Store) {
	ctx := context.Background()
	deal, _ := seedDeal(t, s, 1000)
	user := uuid.New()

	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		for _, typ := range []string{"deal.created", "deal.funding_requested"} {
			if err := tx.AppendLedger(ctx, &models.LedgerEvent{
				Type: typ, ActorID: &user, ActorType: models.ActorTypeUser, DealID: &deal.ID, Payload: []byte(`{"n":1}`),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	n, err := s.AnonymizeActor(ctx, user)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	evs, err := s.ListLedger(ctx, deal.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "deal.created", evs[0].Type)
	for _, e := range evs {
		assert.Nil(t, e.ActorID)
		assert.JSONEq(t, `{"n":1}`, string(e.Payload))
	}
}

func testWorkerQueries(t *testing.T, s Store) {
	ctx := context.Background()
	deal, ms := seedDeal(t, s, 1000)
	fund(t, s, deal.ID, "escrow_"+deal.ID.String())

	submitted := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		m, err := tx.LockMilestone(ctx, ms[0].ID)
		if err != nil {
			return err
		}
		m.State, m.SubmittedAt = models.MilestoneStateSubmitted, &submitted
		return tx.UpdateMilestone(ctx, m)
	}))

	due, err := s.ListDueMilestones(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Contains(t, ids(due), ms[0].ID)

	due, err = s.ListDueMilestones(ctx, time.Now().UTC().Add(-3*time.Hour), 10)
	require.NoError(t, err)
	assert.NotContains(t, ids(due), ms[0].ID)

	p := &models.Payout{
		ID: uuid.New(), DealID: &deal.ID, MilestoneID: &ms[0].ID, Provider: "sandbox",
		Amount: 1000, Currency: "usd", Status: models.PayoutStatusPending, RequestedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error { return tx.CreatePayout(ctx, p) }))
	unrequested, err := s.ListUnrequestedPayouts(ctx, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	found := false
	for _, u := range unrequested {
		found = found || u.ID == p.ID
	}
	assert.True(t, found)

	ref := "tr_stale_" + p.ID.String()
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		locked, err := tx.LockPayout(ctx, p.ID)
		if err != nil {
			return err
		}
		locked.ProviderRef = &ref
		return tx.UpdatePayout(ctx, locked)
	}))
	stale, err := s.ListStaleRequestedPayouts(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Contains(t, payoutIDs(stale), p.ID)
	stale, err = s.ListStaleRequestedPayouts(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.NotContains(t, payoutIDs(stale), p.ID)
}

func payoutIDs(ps []models.Payout) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func ids(ms []models.Milestone) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func testRowLock(t *testing.T, s Store) {
	ctx := context.Background()
	deal, _ := seedDeal(t, s, 1000)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithinTx(ctx, func(tx Tx) error {
				d, err := tx.LockDeal(ctx, deal.ID)
				if err != nil {
					return err
				}
				d.FundingAttempts++
				return tx.UpdateDeal(ctx, d)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, writers, got.FundingAttempts)
	assert.Equal(t, writers+1, got.Version)
}
