package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/audit"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/database"
	"github.com/benchwarmers/marketplace/internal/jobs"
	"github.com/benchwarmers/marketplace/internal/logging"
	"github.com/benchwarmers/marketplace/internal/payments"
)

type Store interface {
	GetOpen(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	Create(ctx context.Context, tx pgx.Tx, s *Subscription) error
	Cancel(ctx context.Context, tx pgx.Tx, userID uuid.UUID, at time.Time) (*Subscription, error)
	Advance(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, next time.Time) (bool, error)
	MarkPastDue(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

type Service interface {
	Create(ctx context.Context, actor *authz.Identity, p CreateParams) (*Subscription, error)
	GetStatus(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	Cancel(ctx context.Context, actor *authz.Identity) (*Subscription, error)
}

type service struct {
	db       database.TxBeginner
	store    Store
	audit    audit.Recorder
	jobs     jobs.Inserter
	provider payments.Provider
	pricing  Pricing
	now      func() time.Time
}

func NewService(db database.TxBeginner, store Store, rec audit.Recorder, ins jobs.Inserter, provider payments.Provider, pricing Pricing) *service {
	return &service{
		db:       db,
		store:    store,
		audit:    rec,
		jobs:     ins,
		provider: provider,
		pricing:  pricing,
		now:      time.Now,
	}
}

var _ Service = (*service)(nil)

// Create registers the customer with the provider, stores the subscription
// and schedules its first renewal in the same transaction.
func (s *service) Create(ctx context.Context, actor *authz.Identity, p CreateParams) (*Subscription, error) {
	if !p.PlanType.Valid() {
		return nil, apperr.Validation("invalid request body", apperr.FieldError{Field: "planType", Message: "must be monthly or yearly"})
	}
	if !authz.CanActForCompany(actor, p.CompanyID) {
		return nil, apperr.Forbidden("cannot subscribe on behalf of another company")
	}

	switch _, err := s.store.GetOpen(ctx, p.UserID); {
	case err == nil:
		return nil, ErrAlreadyActive
	case !errors.Is(err, ErrNotFound):
		return nil, apperr.Upstream("load subscription", err)
	}

	start := Normalize(s.now())
	if p.StartDate != nil {
		start = Normalize(*p.StartDate)
	}
	sub := &Subscription{
		UserID:          p.UserID,
		CompanyID:       p.CompanyID,
		Email:           p.Email,
		PlanType:        p.PlanType,
		AmountCents:     s.pricing.Amount(p.PlanType),
		Currency:        s.pricing.Currency,
		StartDate:       start,
		NextBillingDate: NextBillingDate(start, p.PlanType),
	}

	customerID, err := s.provider.CreateCustomer(ctx, p.Email, map[string]string{
		"user_id":    p.UserID.String(),
		"company_id": p.CompanyID.String(),
	})
	if err != nil {
		return nil, apperr.Upstream("subscription provider unavailable", err)
	}
	sub.ProviderCustomerID = customerID

	err = database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.store.Create(ctx, tx, sub); err != nil {
			return err
		}
		if err := s.audit.RecordTx(ctx, tx, audit.Entry{
			ActorID:    &actor.UserID,
			Action:     audit.ActionSubscriptionCreated,
			EntityType: "subscription",
			EntityID:   sub.ID,
			Detail: map[string]any{
				"plan_type":         string(sub.PlanType),
				"next_billing_date": sub.NextBillingDate.Format(time.RFC3339),
			},
		}); err != nil {
			return err
		}
		return s.jobs.InsertTx(ctx, tx, jobs.SubscriptionRenewalArgs{
			SubscriptionID: sub.ID,
			BillingDate:    sub.NextBillingDate,
		}, jobs.RenewalOpts(sub.NextBillingDate))
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyActive) {
			return nil, err
		}
		return nil, apperr.Upstream("create subscription", err)
	}

	logging.FromContext(ctx).Info("subscription created",
		"subscription_id", sub.ID,
		"plan_type", string(sub.PlanType),
		"next_billing_date", sub.NextBillingDate,
	)
	return sub, nil
}

// GetStatus returns nil, nil when the user has no open subscription.
func (s *service) GetStatus(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.GetOpen(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Upstream("load subscription", err)
	}
	return sub, nil
}

func (s *service) Cancel(ctx context.Context, actor *authz.Identity) (*Subscription, error) {
	var sub *Subscription
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		sub, err = s.store.Cancel(ctx, tx, actor.UserID, s.now().UTC())
		if err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry{
			ActorID:    &actor.UserID,
			Action:     audit.ActionSubscriptionCancel,
			EntityType: "subscription",
			EntityID:   sub.ID,
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Upstream("cancel subscription", err)
	}
	logging.FromContext(ctx).Info("subscription canceled", "subscription_id", sub.ID)
	return sub, nil
}
