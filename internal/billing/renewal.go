package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/benchwarmers/marketplace/internal/audit"
	"github.com/benchwarmers/marketplace/internal/database"
	"github.com/benchwarmers/marketplace/internal/jobs"
	"github.com/benchwarmers/marketplace/internal/logging"
	"github.com/benchwarmers/marketplace/internal/metrics"
	"github.com/benchwarmers/marketplace/internal/payments"
	"github.com/benchwarmers/marketplace/internal/subscription"
)

type SubscriptionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error)
	Advance(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, next time.Time) (bool, error)
	MarkPastDue(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

type SubscriptionRenewalWorker struct {
	river.WorkerDefaults[jobs.SubscriptionRenewalArgs]
	db       database.TxBeginner
	store    SubscriptionStore
	audit    audit.Recorder
	jobs     jobs.Inserter
	provider payments.Provider
	metrics  *metrics.Collector
}

func NewSubscriptionRenewalWorker(db database.TxBeginner, store SubscriptionStore, rec audit.Recorder, ins jobs.Inserter, provider payments.Provider, m *metrics.Collector) *SubscriptionRenewalWorker {
	return &SubscriptionRenewalWorker{db: db, store: store, audit: rec, jobs: ins, provider: provider, metrics: m}
}

// Work charges one billing period. A successful charge advances the billing
// date and schedules the following period; a failed charge marks the
// subscription past_due and returns the error so River retries.
func (w *SubscriptionRenewalWorker) Work(ctx context.Context, job *river.Job[jobs.SubscriptionRenewalArgs]) error {
	args := job.Args
	billingDate := subscription.Normalize(args.BillingDate)
	log := logging.FromContext(ctx).With("subscription_id", args.SubscriptionID, "billing_date", args.BillingDate, "attempt", job.Attempt)

	sub, err := w.store.GetByID(ctx, args.SubscriptionID)
	if errors.Is(err, subscription.ErrNotFound) {
		return river.JobCancel(fmt.Errorf("subscription %s no longer exists", args.SubscriptionID))
	}
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", args.SubscriptionID, err)
	}
	if sub.Status == subscription.StatusCanceled {
		log.Info("skipping renewal of canceled subscription")
		return nil
	}
	if !subscription.Normalize(sub.NextBillingDate).Equal(billingDate) {
		log.Info("skipping stale renewal", "next_billing_date", sub.NextBillingDate)
		return nil
	}

	charge, err := w.provider.ChargeSubscription(ctx, payments.SubscriptionCharge{
		SubscriptionID: sub.ID,
		CustomerID:     sub.ProviderCustomerID,
		AmountCents:    sub.AmountCents,
		Currency:       sub.Currency,
		BillingDate:    billingDate,
	})
	if err != nil {
		w.metrics.SubscriptionCharge("failed")
		if markErr := w.markPastDue(ctx, sub, err); markErr != nil {
			return fmt.Errorf("charge subscription %s failed (%v) and marking past due failed: %w", sub.ID, err, markErr)
		}
		log.Warn("subscription charge failed", "error", err)
		return fmt.Errorf("charge subscription %s: %w", sub.ID, err)
	}

	next := subscription.NextBillingDate(billingDate, sub.PlanType)
	err = database.InTx(ctx, w.db, func(tx pgx.Tx) error {
		advanced, err := w.store.Advance(ctx, tx, sub.ID, billingDate, next)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
		if err := w.audit.RecordTx(ctx, tx, audit.Entry{
			Action:     audit.ActionSubscriptionRenewed,
			EntityType: "subscription",
			EntityID:   sub.ID,
			Detail: map[string]any{
				"payment_intent_id": charge.ID,
				"amount_cents":      charge.AmountCents,
				"next_billing_date": next.Format(time.RFC3339),
			},
		}); err != nil {
			return err
		}
		return w.jobs.InsertTx(ctx, tx, jobs.SubscriptionRenewalArgs{
			SubscriptionID: sub.ID,
			BillingDate:    next,
		}, jobs.RenewalOpts(next))
	})
	if err != nil {
		return fmt.Errorf("advance subscription %s: %w", sub.ID, err)
	}
	w.metrics.SubscriptionCharge("succeeded")
	log.Info("subscription renewed", "payment_intent_id", charge.ID, "next_billing_date", next)
	return nil
}

func (w *SubscriptionRenewalWorker) markPastDue(ctx context.Context, sub *subscription.Subscription, cause error) error {
	return database.InTx(ctx, w.db, func(tx pgx.Tx) error {
		if err := w.store.MarkPastDue(ctx, tx, sub.ID); err != nil {
			return err
		}
		return w.audit.RecordTx(ctx, tx, audit.Entry{
			Action:     audit.ActionSubscriptionPastDue,
			EntityType: "subscription",
			EntityID:   sub.ID,
			Detail:     map[string]any{"reason": cause.Error()},
		})
	})
}
