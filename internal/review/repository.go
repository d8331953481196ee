package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
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

// byProfile is shared by the aggregate and page queries so the total, the
// average and the rows always describe the same set.
const byProfile = ` WHERE profile_id = $1`

// List returns one page of a profile's reviews plus the summary over all of
// them, read from a single snapshot.
func (r *Repository) List(ctx context.Context, profileID uuid.UUID, page httpx.Page) ([]Review, Summary, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, Summary{}, fmt.Errorf("review: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var sum Summary
	err = tx.QueryRow(ctx, `SELECT count(*), COALESCE(avg(rating), 0)::float8 FROM reviews`+byProfile, profileID).
		Scan(&sum.Total, &sum.AverageRating)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("review: summarize %s: %w", profileID, err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, profile_id, reviewer_id, rating, comment, created_at
		FROM reviews`+byProfile+`
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, profileID, page.Limit, page.Skip())
	if err != nil {
		return nil, Summary{}, fmt.Errorf("review: list %s: %w", profileID, err)
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		var rv Review
		if err := rows.Scan(&rv.ID, &rv.ProfileID, &rv.ReviewerID, &rv.Rating, &rv.Comment, &rv.CreatedAt); err != nil {
			return nil, Summary{}, fmt.Errorf("review: scan: %w", err)
		}
		out = append(out, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, Summary{}, fmt.Errorf("review: rows: %w", err)
	}
	return out, sum, tx.Commit(ctx)
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, rv *Review) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO reviews (profile_id, reviewer_id, rating, comment)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, rv.ProfileID, rv.ReviewerID, rv.Rating, rv.Comment).Scan(&rv.ID, &rv.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return ErrDuplicate
			case "23503":
				return ErrProfileNotFound
			}
		}
		return fmt.Errorf("review: insert: %w", err)
	}
	return nil
}
