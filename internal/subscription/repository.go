package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const selectSubscription = `
	SELECT id, user_id, company_id, email, plan_type, amount_cents, currency, status,
	       provider_customer_id, start_date, next_billing_date, canceled_at, created_at, updated_at
	FROM subscriptions
`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	var plan, status string
	err := row.Scan(&s.ID, &s.UserID, &s.CompanyID, &s.Email, &plan, &s.AmountCents, &s.Currency, &status,
		&s.ProviderCustomerID, &s.StartDate, &s.NextBillingDate, &s.CanceledAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.PlanType = Plan(plan)
	s.Status = Status(status)
	return &s, nil
}

// GetOpen returns the user's subscription that is not canceled.
func (r *Repository) GetOpen(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	s, err := scanSubscription(r.pool.QueryRow(ctx, selectSubscription+` WHERE user_id = $1 AND status <> 'canceled'`, userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("subscription: get open for %s: %w", userID, err)
	}
	return s, err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s, err := scanSubscription(r.pool.QueryRow(ctx, selectSubscription+` WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("subscription: get %s: %w", id, err)
	}
	return s, err
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, s *Subscription) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, company_id, email, plan_type, amount_cents, currency, status,
		                           provider_customer_id, start_date, next_billing_date)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $8, $9)
		RETURNING id, created_at, updated_at
	`, s.UserID, s.CompanyID, s.Email, string(s.PlanType), s.AmountCents, s.Currency,
		s.ProviderCustomerID, s.StartDate, s.NextBillingDate).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyActive
		}
		return fmt.Errorf("subscription: insert: %w", err)
	}
	s.Status = StatusActive
	return nil
}

func (r *Repository) Cancel(ctx context.Context, tx pgx.Tx, userID uuid.UUID, at time.Time) (*Subscription, error) {
	s, err := scanSubscription(tx.QueryRow(ctx, `
		UPDATE subscriptions SET status = 'canceled', canceled_at = $2, updated_at = now()
		WHERE user_id = $1 AND status <> 'canceled'
		RETURNING id, user_id, company_id, email, plan_type, amount_cents, currency, status,
		          provider_customer_id, start_date, next_billing_date, canceled_at, created_at, updated_at
	`, userID, at))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("subscription: cancel for %s: %w", userID, err)
	}
	return s, err
}

// Advance moves the billing date forward from one period to the next and
// reactivates a past_due subscription. It reports false when the
// subscription is canceled or was already advanced past from.
func (r *Repository) Advance(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, next time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE subscriptions SET next_billing_date = $3, status = 'active', updated_at = now()
		WHERE id = $1 AND next_billing_date = $2 AND status <> 'canceled'
	`, id, from, next)
	if err != nil {
		return false, fmt.Errorf("subscription: advance %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) MarkPastDue(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE subscriptions SET status = 'past_due', updated_at = now()
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return fmt.Errorf("subscription: mark past due %s: %w", id, err)
	}
	return nil
}
