package repositories

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/creatormarket/escrow/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps escrow state in process memory. Transactions are serialized
// by a single mutex and applied to a private copy that replaces the live state
// on commit. Used by the sandbox deployment and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

type memData struct {
	deals      map[uuid.UUID]models.Deal
	milestones map[uuid.UUID]models.Milestone
	payouts    map[uuid.UUID]models.Payout
	ledger     []models.LedgerEvent
	nextLedger int64
}

func newMemData() *memData {
	return &memData{
		deals:      make(map[uuid.UUID]models.Deal),
		milestones: make(map[uuid.UUID]models.Milestone),
		payouts:    make(map[uuid.UUID]models.Payout),
		nextLedger: 1,
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		deals:      make(map[uuid.UUID]models.Deal, len(d.deals)),
		milestones: make(map[uuid.UUID]models.Milestone, len(d.milestones)),
		payouts:    make(map[uuid.UUID]models.Payout, len(d.payouts)),
		ledger:     make([]models.LedgerEvent, len(d.ledger)),
		nextLedger: d.nextLedger,
	}
	for k, v := range d.deals {
		c.deals[k] = v
	}
	for k, v := range d.milestones {
		c.milestones[k] = v
	}
	for k, v := range d.payouts {
		c.payouts[k] = v
	}
	copy(c.ledger, d.ledger)
	return c
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.data.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *MemoryStore) read() *memData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Committed state is never mutated in place, so reads can use a snapshot pointer.

func (s *MemoryStore) GetDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	return s.read().GetDeal(ctx, id)
}

func (s *MemoryStore) GetMilestone(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	return s.read().GetMilestone(ctx, id)
}

func (s *MemoryStore) GetPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	return s.read().GetPayout(ctx, id)
}

func (s *MemoryStore) GetPayoutByProviderRef(ctx context.Context, ref string) (*models.Payout, error) {
	return s.read().GetPayoutByProviderRef(ctx, ref)
}

func (s *MemoryStore) ListMilestones(ctx context.Context, dealID uuid.UUID) ([]models.Milestone, error) {
	return s.read().ListMilestones(ctx, dealID)
}

func (s *MemoryStore) ListPayouts(ctx context.Context, dealID uuid.UUID) ([]models.Payout, error) {
	return s.read().ListPayouts(ctx, dealID)
}

func (s *MemoryStore) ListLedger(ctx context.Context, dealID uuid.UUID, limit, offset int) ([]models.LedgerEvent, error) {
	return s.read().ListLedger(ctx, dealID, limit, offset)
}

func (s *MemoryStore) LedgerEventExists(ctx context.Context, providerEventID string) (bool, error) {
	return s.read().LedgerEventExists(ctx, providerEventID)
}

func (s *MemoryStore) ListDueMilestones(_ context.Context, cutoff time.Time, limit int) ([]models.Milestone, error) {
	d := s.read()
	var out []models.Milestone
	for _, m := range d.milestones {
		deal, ok := d.deals[m.DealID]
		if !ok || deal.State != models.DealStateFunded {
			continue
		}
		if m.State == models.MilestoneStateSubmitted && m.SubmittedAt != nil && !m.SubmittedAt.After(cutoff) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(*out[j].SubmittedAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) ListStaleFunding(_ context.Context, cutoff time.Time, limit int) ([]models.Deal, error) {
	d := s.read()
	var out []models.Deal
	for _, deal := range d.deals {
		if deal.FundingInFlight() && !deal.FundingRequestedAt.After(cutoff) {
			out = append(out, deal)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FundingRequestedAt.Before(*out[j].FundingRequestedAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) ListUnrequestedPayouts(_ context.Context, cutoff time.Time, limit int) ([]models.Payout, error) {
	d := s.read()
	var out []models.Payout
	for _, p := range d.payouts {
		if p.Status == models.PayoutStatusPending && p.ProviderRef == nil && !p.RequestedAt.After(cutoff) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) ListStaleRequestedPayouts(_ context.Context, cutoff time.Time, limit int) ([]models.Payout, error) {
	d := s.read()
	var out []models.Payout
	for _, p := range d.payouts {
		open := p.Status == models.PayoutStatusPending || p.Status == models.PayoutStatusProcessing
		if open && p.ProviderRef != nil && !p.UpdatedAt.After(cutoff) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) AnonymizeActor(_ context.Context, actorID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	var n int64
	for i := range work.ledger {
		if work.ledger[i].ActorID != nil && *work.ledger[i].ActorID == actorID {
			work.ledger[i].ActorID = nil
			n++
		}
	}
	s.data = work
	return n, nil
}

func truncate[T any](list []T, limit int) []T {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

// memData implements Tx against a private working copy.

func (d *memData) GetDeal(_ context.Context, id uuid.UUID) (*models.Deal, error) {
	deal, ok := d.deals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &deal, nil
}

func (d *memData) LockDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	return d.GetDeal(ctx, id)
}

func (d *memData) LockDealByEscrowRef(_ context.Context, ref string) (*models.Deal, error) {
	var found []models.Deal
	for _, deal := range d.deals {
		if (deal.EscrowRef != nil && *deal.EscrowRef == ref) || (deal.PendingEscrowRef != nil && *deal.PendingEscrowRef == ref) {
			found = append(found, deal)
		}
	}
	switch len(found) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &found[0], nil
	}
	return nil, ErrAmbiguous
}

func (d *memData) CreateDeal(_ context.Context, deal *models.Deal, milestones []models.Milestone) error {
	if deal.ID == uuid.Nil {
		deal.ID = uuid.New()
	}
	if _, exists := d.deals[deal.ID]; exists {
		return ErrConflict
	}
	now := time.Now().UTC()
	deal.Version = 1
	deal.CreatedAt, deal.UpdatedAt = now, now
	d.deals[deal.ID] = *deal

	for i := range milestones {
		m := &milestones[i]
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.DealID = deal.ID
		m.Version = 1
		m.CreatedAt, m.UpdatedAt = now, now
		d.milestones[m.ID] = *m
	}
	return nil
}

func (d *memData) UpdateDeal(_ context.Context, deal *models.Deal) error {
	cur, ok := d.deals[deal.ID]
	if !ok || cur.Version != deal.Version {
		return ErrConflict
	}
	if deal.EscrowRef != nil {
		for id, other := range d.deals {
			if id != deal.ID && other.EscrowRef != nil && *other.EscrowRef == *deal.EscrowRef {
				return ErrConflict
			}
		}
	}
	deal.Amount = cur.Amount
	deal.Version++
	deal.UpdatedAt = time.Now().UTC()
	d.deals[deal.ID] = *deal
	return nil
}

func (d *memData) GetMilestone(_ context.Context, id uuid.UUID) (*models.Milestone, error) {
	m, ok := d.milestones[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (d *memData) LockMilestone(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	return d.GetMilestone(ctx, id)
}

func (d *memData) ListMilestones(_ context.Context, dealID uuid.UUID) ([]models.Milestone, error) {
	var out []models.Milestone
	for _, m := range d.milestones {
		if m.DealID == dealID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (d *memData) UpdateMilestone(_ context.Context, m *models.Milestone) error {
	cur, ok := d.milestones[m.ID]
	if !ok || cur.Version != m.Version {
		return ErrConflict
	}
	m.Version++
	m.UpdatedAt = time.Now().UTC()
	d.milestones[m.ID] = *m
	return nil
}

func (d *memData) GetPayout(_ context.Context, id uuid.UUID) (*models.Payout, error) {
	p, ok := d.payouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (d *memData) GetPayoutByProviderRef(_ context.Context, ref string) (*models.Payout, error) {
	for _, p := range d.payouts {
		if p.ProviderRef != nil && *p.ProviderRef == ref {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (d *memData) LockPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	return d.GetPayout(ctx, id)
}

func (d *memData) ListPayouts(_ context.Context, dealID uuid.UUID) ([]models.Payout, error) {
	var out []models.Payout
	for _, p := range d.payouts {
		if p.DealID != nil && *p.DealID == dealID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// checkPayoutUnique mirrors the unique provider reference and the one-active-payout-per-milestone indexes.
func (d *memData) checkPayoutUnique(p *models.Payout) error {
	for id, other := range d.payouts {
		if id == p.ID {
			continue
		}
		if p.ProviderRef != nil && other.ProviderRef != nil && *p.ProviderRef == *other.ProviderRef {
			return ErrConflict
		}
		if p.MilestoneID != nil && other.MilestoneID != nil && *p.MilestoneID == *other.MilestoneID &&
			models.IsActivePayoutStatus(p.Status) && models.IsActivePayoutStatus(other.Status) {
			return ErrConflict
		}
	}
	return nil
}

func (d *memData) CreatePayout(_ context.Context, p *models.Payout) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if err := d.checkPayoutUnique(p); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	d.payouts[p.ID] = *p
	return nil
}

func (d *memData) UpdatePayout(_ context.Context, p *models.Payout) error {
	cur, ok := d.payouts[p.ID]
	if !ok || cur.Version != p.Version {
		return ErrConflict
	}
	if err := d.checkPayoutUnique(p); err != nil {
		return err
	}
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	d.payouts[p.ID] = *p
	return nil
}

func (d *memData) AppendLedger(_ context.Context, e *models.LedgerEvent) error {
	if e.ProviderEventID != nil {
		for _, existing := range d.ledger {
			if existing.ProviderEventID != nil && *existing.ProviderEventID == *e.ProviderEventID {
				return ErrDuplicateEvent
			}
		}
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	}
	e.ID = d.nextLedger
	d.nextLedger++
	e.CreatedAt = time.Now().UTC()
	d.ledger = append(d.ledger, *e)
	return nil
}

func (d *memData) LedgerEventExists(_ context.Context, providerEventID string) (bool, error) {
	for _, e := range d.ledger {
		if e.ProviderEventID != nil && *e.ProviderEventID == providerEventID {
			return true, nil
		}
	}
	return false, nil
}

func (d *memData) ListLedger(_ context.Context, dealID uuid.UUID, limit, offset int) ([]models.LedgerEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.LedgerEvent
	for _, e := range d.ledger {
		if e.DealID != nil && *e.DealID == dealID {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	return truncate(out, limit), nil
}
