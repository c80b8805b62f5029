package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/creatormarket/escrow/internal/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("concurrent modification")
	ErrDuplicateEvent = errors.New("provider event already recorded")
	ErrAmbiguous      = errors.New("reference matches more than one record")
)

// Reader holds the lookups available both inside and outside a transaction.
type Reader interface {
	GetDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	GetMilestone(ctx context.Context, id uuid.UUID) (*models.Milestone, error)
	GetPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error)
	GetPayoutByProviderRef(ctx context.Context, ref string) (*models.Payout, error)
	ListMilestones(ctx context.Context, dealID uuid.UUID) ([]models.Milestone, error)
	ListPayouts(ctx context.Context, dealID uuid.UUID) ([]models.Payout, error)
	ListLedger(ctx context.Context, dealID uuid.UUID, limit, offset int) ([]models.LedgerEvent, error)
	LedgerEventExists(ctx context.Context, providerEventID string) (bool, error)
}

// Tx is a unit of work. Lock* methods take row locks that are held until the
// transaction ends; callers lock in the order deal, milestone, payout.
// Update* methods compare the entity version and fail with ErrConflict if the
// row changed since it was read.
type Tx interface {
	Reader

	CreateDeal(ctx context.Context, d *models.Deal, milestones []models.Milestone) error
	LockDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	LockDealByEscrowRef(ctx context.Context, ref string) (*models.Deal, error)
	UpdateDeal(ctx context.Context, d *models.Deal) error

	LockMilestone(ctx context.Context, id uuid.UUID) (*models.Milestone, error)
	UpdateMilestone(ctx context.Context, m *models.Milestone) error

	CreatePayout(ctx context.Context, p *models.Payout) error
	LockPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error)
	UpdatePayout(ctx context.Context, p *models.Payout) error

	AppendLedger(ctx context.Context, e *models.LedgerEvent) error
}

// Store is the single source of truth for escrow state.
type Store interface {
	Reader

	// WithinTx runs fn in a transaction. The transaction commits if fn returns nil.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// ListDueMilestones returns submitted milestones of funded deals submitted before cutoff.
	ListDueMilestones(ctx context.Context, cutoff time.Time, limit int) ([]models.Milestone, error)
	// ListStaleFunding returns draft deals whose funding was requested before cutoff.
	ListStaleFunding(ctx context.Context, cutoff time.Time, limit int) ([]models.Deal, error)
	// ListUnrequestedPayouts returns pending payouts without a provider reference requested before cutoff.
	ListUnrequestedPayouts(ctx context.Context, cutoff time.Time, limit int) ([]models.Payout, error)
	// ListStaleRequestedPayouts returns open payouts the provider accepted that
	// were last updated before cutoff.
	ListStaleRequestedPayouts(ctx context.Context, cutoff time.Time, limit int) ([]models.Payout, error)

	// AnonymizeActor clears the actor id on every ledger event of the actor.
	AnonymizeActor(ctx context.Context, actorID uuid.UUID) (int64, error)
}
