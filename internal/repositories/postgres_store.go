package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creatormarket/escrow/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ledgerDedupConstraint = "ledger_events_provider_event_id_key"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type PostgresStore struct {
	pgQueries
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{db: pool}, pool: pool}
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pgQueries implements Tx on top of a pool or a transaction.
type pgQueries struct {
	db querier
}

const dealColumns = `id, funder_id, receiver_id, receiver_account_ref, payer_ref, title, amount, currency, state,
	escrow_ref, pending_escrow_ref, funding_payment_ref, funding_requested_at, funding_attempts, refund_ref,
	funded_at, disputed_at, resolved_at, version, created_at, updated_at`

const milestoneColumns = `id, deal_id, position, title, amount, currency, state, deliverable, feedback,
	due_at, submitted_at, approved_at, released_at, disputed_at, version, created_at, updated_at`

const payoutColumns = `id, deal_id, milestone_id, provider, provider_ref, amount, fee, currency, status,
	failure_reason, requested_at, processed_at, version, created_at, updated_at`

const ledgerColumns = `id, type, actor_id, actor_type, deal_id, milestone_id, payout_id, provider_event_id, payload, created_at`

func scanDeal(row scanner) (*models.Deal, error) {
	var d models.Deal
	err := row.Scan(&d.ID, &d.FunderID, &d.ReceiverID, &d.ReceiverAccountRef, &d.PayerRef, &d.Title, &d.Amount, &d.Currency, &d.State,
		&d.EscrowRef, &d.PendingEscrowRef, &d.FundingPaymentRef, &d.FundingRequestedAt, &d.FundingAttempts, &d.RefundRef,
		&d.FundedAt, &d.DisputedAt, &d.ResolvedAt, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func scanMilestone(row scanner) (*models.Milestone, error) {
	var m models.Milestone
	err := row.Scan(&m.ID, &m.DealID, &m.Position, &m.Title, &m.Amount, &m.Currency, &m.State, &m.Deliverable, &m.Feedback,
		&m.DueAt, &m.SubmittedAt, &m.ApprovedAt, &m.ReleasedAt, &m.DisputedAt, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func scanPayout(row scanner) (*models.Payout, error) {
	var p models.Payout
	err := row.Scan(&p.ID, &p.DealID, &p.MilestoneID, &p.Provider, &p.ProviderRef, &p.Amount, &p.Fee, &p.Currency, &p.Status,
		&p.FailureReason, &p.RequestedAt, &p.ProcessedAt, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func scanLedger(row scanner) (*models.LedgerEvent, error) {
	var e models.LedgerEvent
	err := row.Scan(&e.ID, &e.Type, &e.ActorID, &e.ActorType, &e.DealID, &e.MilestoneID, &e.PayoutID, &e.ProviderEventID, &e.Payload, &e.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// writeError maps unique violations onto store errors.
func writeError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == ledgerDedupConstraint {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func collect[T any](rows pgx.Rows, scan func(scanner) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Deals

func (q *pgQueries) GetDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	return scanDeal(q.db.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
}

func (q *pgQueries) LockDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	return scanDeal(q.db.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id))
}

func (q *pgQueries) LockDealByEscrowRef(ctx context.Context, ref string) (*models.Deal, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE escrow_ref = $1 OR pending_escrow_ref = $1
		LIMIT 2 FOR UPDATE
	`, ref)
	if err != nil {
		return nil, err
	}
	deals, err := collect(rows, scanDeal)
	if err != nil {
		return nil, err
	}
	switch len(deals) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &deals[0], nil
	}
	return nil, ErrAmbiguous
}

func (q *pgQueries) CreateDeal(ctx context.Context, d *models.Deal, milestones []models.Milestone) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Version = 1
	err := q.db.QueryRow(ctx, `
		INSERT INTO deals (id, funder_id, receiver_id, receiver_account_ref, payer_ref, title, amount, currency, state, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, d.ID, d.FunderID, d.ReceiverID, d.ReceiverAccountRef, d.PayerRef, d.Title, d.Amount, d.Currency, d.State, d.Version,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return writeError(err)
	}

	for i := range milestones {
		m := &milestones[i]
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.DealID = d.ID
		m.Version = 1
		err := q.db.QueryRow(ctx, `
			INSERT INTO milestones (id, deal_id, position, title, amount, currency, state, due_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at, updated_at
		`, m.ID, m.DealID, m.Position, m.Title, m.Amount, m.Currency, m.State, m.DueAt, m.Version,
		).Scan(&m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return writeError(err)
		}
	}
	return nil
}

func (q *pgQueries) UpdateDeal(ctx context.Context, d *models.Deal) error {
	err := q.db.QueryRow(ctx, `
		UPDATE deals SET payer_ref = $3, state = $4, escrow_ref = $5, pending_escrow_ref = $6,
		       funding_payment_ref = $7, funding_requested_at = $8, funding_attempts = $9, refund_ref = $10,
		       funded_at = $11, disputed_at = $12, resolved_at = $13,
		       version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, d.ID, d.Version, d.PayerRef, d.State, d.EscrowRef, d.PendingEscrowRef,
		d.FundingPaymentRef, d.FundingRequestedAt, d.FundingAttempts, d.RefundRef,
		d.FundedAt, d.DisputedAt, d.ResolvedAt,
	).Scan(&d.Version, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return writeError(err)
}

// Milestones

func (q *pgQueries) GetMilestone(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	return scanMilestone(q.db.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
}

func (q *pgQueries) LockMilestone(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	return scanMilestone(q.db.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1 FOR UPDATE`, id))
}

func (q *pgQueries) ListMilestones(ctx context.Context, dealID uuid.UUID) ([]models.Milestone, error) {
	rows, err := q.db.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE deal_id = $1 ORDER BY position`, dealID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanMilestone)
}

func (q *pgQueries) UpdateMilestone(ctx context.Context, m *models.Milestone) error {
	err := q.db.QueryRow(ctx, `
		UPDATE milestones SET state = $3, deliverable = $4, feedback = $5,
		       submitted_at = $6, approved_at = $7, released_at = $8, disputed_at = $9,
		       version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, m.ID, m.Version, m.State, m.Deliverable, m.Feedback,
		m.SubmittedAt, m.ApprovedAt, m.ReleasedAt, m.DisputedAt,
	).Scan(&m.Version, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return writeError(err)
}

func (q *pgQueries) ListDueMilestones(ctx context.Context, cutoff time.Time, limit int) ([]models.Milestone, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+prefixed("m", milestoneColumns)+`
		FROM milestones m
		JOIN deals d ON d.id = m.deal_id
		WHERE m.state = 'submitted' AND d.state = 'funded' AND m.submitted_at <= $1
		ORDER BY m.submitted_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanMilestone)
}

// Payouts

func (q *pgQueries) GetPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	return scanPayout(q.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
}

func (q *pgQueries) GetPayoutByProviderRef(ctx context.Context, ref string) (*models.Payout, error) {
	return scanPayout(q.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE provider_ref = $1`, ref))
}

func (q *pgQueries) LockPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	return scanPayout(q.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id))
}

func (q *pgQueries) ListPayouts(ctx context.Context, dealID uuid.UUID) ([]models.Payout, error) {
	rows, err := q.db.Query(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE deal_id = $1 ORDER BY requested_at`, dealID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPayout)
}

func (q *pgQueries) CreatePayout(ctx context.Context, p *models.Payout) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Version = 1
	err := q.db.QueryRow(ctx, `
		INSERT INTO payouts (id, deal_id, milestone_id, provider, provider_ref, amount, fee, currency, status, requested_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, p.ID, p.DealID, p.MilestoneID, p.Provider, p.ProviderRef, p.Amount, p.Fee, p.Currency, p.Status, p.RequestedAt, p.Version,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return writeError(err)
}

func (q *pgQueries) UpdatePayout(ctx context.Context, p *models.Payout) error {
	err := q.db.QueryRow(ctx, `
		UPDATE payouts SET provider_ref = $3, status = $4, failure_reason = $5, processed_at = $6,
		       version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, p.ID, p.Version, p.ProviderRef, p.Status, p.FailureReason, p.ProcessedAt,
	).Scan(&p.Version, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return writeError(err)
}

func (q *pgQueries) ListUnrequestedPayouts(ctx context.Context, cutoff time.Time, limit int) ([]models.Payout, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'pending' AND provider_ref IS NULL AND requested_at <= $1
		ORDER BY requested_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPayout)
}

func (q *pgQueries) ListStaleRequestedPayouts(ctx context.Context, cutoff time.Time, limit int) ([]models.Payout, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status IN ('pending', 'processing') AND provider_ref IS NOT NULL AND updated_at <= $1
		ORDER BY updated_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPayout)
}

func (q *pgQueries) ListStaleFunding(ctx context.Context, cutoff time.Time, limit int) ([]models.Deal, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE state = 'draft' AND pending_escrow_ref IS NOT NULL AND funding_requested_at <= $1
		ORDER BY funding_requested_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDeal)
}

// Ledger

func (q *pgQueries) AppendLedger(ctx context.Context, e *models.LedgerEvent) error {
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO ledger_events (type, actor_id, actor_type, deal_id, milestone_id, payout_id, provider_event_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, e.Type, e.ActorID, e.ActorType, e.DealID, e.MilestoneID, e.PayoutID, e.ProviderEventID, e.Payload,
	).Scan(&e.ID, &e.CreatedAt)
	return writeError(err)
}

func (q *pgQueries) LedgerEventExists(ctx context.Context, providerEventID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_events WHERE provider_event_id = $1)`, providerEventID,
	).Scan(&exists)
	return exists, err
}

func (q *pgQueries) ListLedger(ctx context.Context, dealID uuid.UUID, limit, offset int) ([]models.LedgerEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_events
		WHERE deal_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, dealID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanLedger)
}

func (q *pgQueries) AnonymizeActor(ctx context.Context, actorID uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE ledger_events SET actor_id = NULL WHERE actor_id = $1`, actorID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
