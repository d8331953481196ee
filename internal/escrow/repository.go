package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const selectPayment = `
	SELECT p.id, p.engagement_id, e.seeker_company_id, e.provider_company_id,
	       p.amount_cents, p.refunded_cents, p.refund_reserved_cents, p.currency, p.status,
	       p.payment_intent_id, p.failure_reason, p.processed_at, p.created_at, p.updated_at
	FROM escrow_payments p
	JOIN engagements e ON e.id = p.engagement_id
`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var status string
	err := row.Scan(&p.ID, &p.EngagementID, &p.SeekerCompanyID, &p.ProviderCompanyID,
		&p.AmountCents, &p.RefundedCents, &p.RefundReservedCents, &p.Currency, &status,
		&p.PaymentIntentID, &p.FailureReason, &p.ProcessedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = Status(status)
	return &p, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, selectPayment+` WHERE p.id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("escrow: get %s: %w", id, err)
	}
	return p, err
}

// GetForUpdate locks the payment row for the rest of tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx, selectPayment+` WHERE p.id = $1 FOR UPDATE OF p`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("escrow: lock %s: %w", id, err)
	}
	return p, err
}

// Claim moves a pending payment to processing. It autocommits so that a
// concurrent caller sees the new status and gets false.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_payments
		SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("escrow: claim %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, id uuid.UUID, paymentIntentID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_payments
		SET status = 'processed', payment_intent_id = $2, processed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, paymentIntentID)
	if err != nil {
		return fmt.Errorf("escrow: mark processed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow: mark processed %s: payment not in processing state", id)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE escrow_payments
		SET status = 'failed', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, reason)
	if err != nil {
		return fmt.Errorf("escrow: mark failed %s: %w", id, err)
	}
	return nil
}

// FailStale fails every payment that has sat in processing since before
// olderThan and returns their ids.
func (r *Repository) FailStale(ctx context.Context, tx pgx.Tx, olderThan time.Time, reason string) ([]uuid.UUID, error) {
	rows, err := tx.Query(ctx, `
		UPDATE escrow_payments
		SET status = 'failed', failure_reason = $2, updated_at = now()
		WHERE status = 'processing' AND updated_at < $1
		RETURNING id
	`, olderThan, reason)
	if err != nil {
		return nil, fmt.Errorf("escrow: fail stale: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("escrow: fail stale: %w", err)
	}
	return ids, nil
}

// ReserveRefund sets cents aside for a pending refund. Callers hold the row
// lock from GetForUpdate; the WHERE clause still refuses to over-reserve.
func (r *Repository) ReserveRefund(ctx context.Context, tx pgx.Tx, id uuid.UUID, cents int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_payments
		SET refund_reserved_cents = refund_reserved_cents + $2, updated_at = now()
		WHERE id = $1 AND refund_reserved_cents + $2 <= amount_cents
	`, id, cents)
	if err != nil {
		return fmt.Errorf("escrow: reserve refund %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRefundExceeds
	}
	return nil
}

// AddRefund records refunded cents; the total never exceeds amount_cents.
func (r *Repository) AddRefund(ctx context.Context, tx pgx.Tx, id uuid.UUID, cents int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_payments
		SET refunded_cents = refunded_cents + $2, updated_at = now()
		WHERE id = $1 AND refunded_cents + $2 <= amount_cents
	`, id, cents)
	if err != nil {
		return fmt.Errorf("escrow: add refund %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow: add refund %s: refund exceeds payment amount", id)
	}
	return nil
}
