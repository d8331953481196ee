package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benchwarmers/marketplace/internal/httpx"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const selectDispute = `
	SELECT id, engagement_id, escrow_payment_id, raised_by, reason, description, status,
	       resolution, admin_notes, refund_amount_cents, resolved_by, resolved_at, created_at, updated_at
	FROM disputes
`

func scanDispute(row pgx.Row) (*Dispute, error) {
	var d Dispute
	var status string
	var resolution *string
	err := row.Scan(&d.ID, &d.EngagementID, &d.EscrowPaymentID, &d.RaisedBy, &d.Reason, &d.Description, &status,
		&resolution, &d.AdminNotes, &d.RefundAmountCents, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Status = Status(status)
	if resolution != nil {
		r := Resolution(*resolution)
		d.Resolution = &r
	}
	return &d, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	d, err := scanDispute(r.pool.QueryRow(ctx, selectDispute+` WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("dispute: get %s: %w", id, err)
	}
	return d, err
}

// GetForUpdate locks the dispute row for the rest of tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, selectDispute+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("dispute: lock %s: %w", id, err)
	}
	return d, err
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, d *Dispute) error {
	var status string
	err := tx.QueryRow(ctx, `
		INSERT INTO disputes (engagement_id, escrow_payment_id, raised_by, reason, description, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING id, status, created_at, updated_at
	`, d.EngagementID, d.EscrowPaymentID, d.RaisedBy, d.Reason, d.Description).
		Scan(&d.ID, &status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("dispute: insert: %w", err)
	}
	d.Status = Status(status)
	return nil
}

// Resolve writes the resolution. The status predicate makes a second
// resolution a no-op that reports an error.
func (r *Repository) Resolve(ctx context.Context, tx pgx.Tx, d *Dispute) error {
	var resolution *string
	if d.Resolution != nil {
		s := string(*d.Resolution)
		resolution = &s
	}
	tag, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status = 'resolved', resolution = $2, admin_notes = $3, refund_amount_cents = $4,
		    resolved_by = $5, resolved_at = $6, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, d.ID, resolution, d.AdminNotes, d.RefundAmountCents, d.ResolvedBy, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("dispute: resolve %s: %w", d.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func (r *Repository) ListPending(ctx context.Context, page httpx.Page) ([]Dispute, int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM disputes WHERE status = 'pending'`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("dispute: count pending: %w", err)
	}
	rows, err := r.pool.Query(ctx, selectDispute+`
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1 OFFSET $2
	`, page.Limit, page.Skip())
	if err != nil {
		return nil, 0, fmt.Errorf("dispute: list pending: %w", err)
	}
	defer rows.Close()

	var out []Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, *d)
	}
	return out, total, rows.Err()
}

// EngagementParties returns the seeker and provider company of an engagement.
func (r *Repository) EngagementParties(ctx context.Context, engagementID uuid.UUID) (uuid.UUID, uuid.UUID, error) {
	var seeker, provider uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT seeker_company_id, provider_company_id FROM engagements WHERE id = $1
	`, engagementID).Scan(&seeker, &provider)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, uuid.Nil, ErrEngagementNotFound
		}
		return uuid.Nil, uuid.Nil, fmt.Errorf("dispute: engagement %s: %w", engagementID, err)
	}
	return seeker, provider, nil
}
