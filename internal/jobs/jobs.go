// Package jobs declares the background job payloads and the transactional
// enqueue hook that repositories use to write them alongside state changes.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// DisputeRefundArgs refunds part or all of an escrow payment after an admin
// resolves a dispute in the payer's favour.
type DisputeRefundArgs struct {
	DisputeID       uuid.UUID `json:"dispute_id"`
	EscrowPaymentID uuid.UUID `json:"escrow_payment_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	AmountCents     int64     `json:"amount_cents"`
	Resolution      string    `json:"resolution"`
}

func (DisputeRefundArgs) Kind() string { return "dispute_refund" }

// SubscriptionRenewalArgs charges one billing period. BillingDate is part of
// the args so each period is a distinct unique job.
type SubscriptionRenewalArgs struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	BillingDate    time.Time `json:"billing_date"`
}

func (SubscriptionRenewalArgs) Kind() string { return "subscription_renewal" }

// RenewalOpts schedules a renewal at its billing date.
func RenewalOpts(at time.Time) *river.InsertOpts {
	return &river.InsertOpts{
		ScheduledAt: at,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// InsertTxFunc enqueues args within tx. Provided by main using river.Client.InsertTx.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error

// Inserter is what repositories depend on.
type Inserter interface {
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error
}

var ErrNotBound = errors.New("jobs: river client not bound")

// Enqueuer is bound to the River client after the client exists. Workers
// need repositories, repositories need an inserter and the client needs the
// workers, so the binding happens last.
type Enqueuer struct {
	mu sync.RWMutex
	fn InsertTxFunc
}

func NewEnqueuer() *Enqueuer { return &Enqueuer{} }

var _ Inserter = (*Enqueuer)(nil)

func (e *Enqueuer) Bind(fn InsertTxFunc) {
	e.mu.Lock()
	e.fn = fn
	e.mu.Unlock()
}

// BindClient binds e to c.InsertTx.
func (e *Enqueuer) BindClient(c *river.Client[pgx.Tx]) {
	e.Bind(func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
		_, err := c.InsertTx(ctx, tx, args, opts)
		return err
	})
}

func (e *Enqueuer) InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
	e.mu.RLock()
	fn := e.fn
	e.mu.RUnlock()
	if fn == nil {
		return ErrNotBound
	}
	return fn(ctx, tx, args, opts)
}

// EscrowSweepArgs fails escrow payments stuck in processing. It carries no
// payload; the worker decides what counts as stale.
type EscrowSweepArgs struct{}

func (EscrowSweepArgs) Kind() string { return "escrow_stale_sweep" }
