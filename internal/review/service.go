package review

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/audit"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/database"
	"github.com/benchwarmers/marketplace/internal/httpx"
	"github.com/benchwarmers/marketplace/internal/logging"
)

type Store interface {
	List(ctx context.Context, profileID uuid.UUID, page httpx.Page) ([]Review, Summary, error)
	Create(ctx context.Context, tx pgx.Tx, rv *Review) error
}

type Service interface {
	List(ctx context.Context, profileID uuid.UUID, page httpx.Page) (*Listing, error)
	Create(ctx context.Context, actor *authz.Identity, p CreateParams) (*Review, error)
}

type service struct {
	db    database.TxBeginner
	store Store
	audit audit.Recorder
}

func NewService(db database.TxBeginner, store Store, rec audit.Recorder) *service {
	return &service{db: db, store: store, audit: rec}
}

var _ Service = (*service)(nil)

func (s *service) List(ctx context.Context, profileID uuid.UUID, page httpx.Page) (*Listing, error) {
	rvs, sum, err := s.store.List(ctx, profileID, page)
	if err != nil {
		return nil, apperr.Upstream("list reviews", err)
	}
	if rvs == nil {
		rvs = []Review{}
	}
	return &Listing{
		Reviews:       rvs,
		Pagination:    page.Paginate(sum.Total),
		AverageRating: math.Round(sum.AverageRating*100) / 100,
	}, nil
}

func (s *service) Create(ctx context.Context, actor *authz.Identity, p CreateParams) (*Review, error) {
	if actor.UserID == p.ProfileID {
		return nil, ErrSelfReview
	}
	rv := &Review{
		ProfileID:  p.ProfileID,
		ReviewerID: actor.UserID,
		Rating:     p.Rating,
		Comment:    p.Comment,
	}
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.store.Create(ctx, tx, rv); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry{
			ActorID:    &actor.UserID,
			Action:     audit.ActionReviewCreated,
			EntityType: "review",
			EntityID:   rv.ID,
			Detail:     map[string]any{"profile_id": p.ProfileID.String(), "rating": p.Rating},
		})
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) || errors.Is(err, ErrProfileNotFound) {
			return nil, err
		}
		return nil, apperr.Upstream("create review", err)
	}
	logging.FromContext(ctx).Info("review created", "review_id", rv.ID, "profile_id", rv.ProfileID)
	return rv, nil
}
