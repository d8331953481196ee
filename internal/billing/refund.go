// Package billing holds the River workers that move money after the
// request that scheduled them has committed.
package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/benchwarmers/marketplace/internal/audit"
	"github.com/benchwarmers/marketplace/internal/database"
	"github.com/benchwarmers/marketplace/internal/jobs"
	"github.com/benchwarmers/marketplace/internal/logging"
	"github.com/benchwarmers/marketplace/internal/payments"
)

// RefundLedger records refunded amounts against an escrow payment.
type RefundLedger interface {
	AddRefund(ctx context.Context, tx pgx.Tx, id uuid.UUID, cents int64) error
}

type DisputeRefundWorker struct {
	river.WorkerDefaults[jobs.DisputeRefundArgs]
	db       database.TxBeginner
	ledger   RefundLedger
	audit    audit.Recorder
	provider payments.Provider
}

func NewDisputeRefundWorker(db database.TxBeginner, ledger RefundLedger, rec audit.Recorder, provider payments.Provider) *DisputeRefundWorker {
	return &DisputeRefundWorker{db: db, ledger: ledger, audit: rec, provider: provider}
}

// RefundIdempotencyKey is stable per dispute so a retried job never refunds twice.
func RefundIdempotencyKey(disputeID uuid.UUID) string {
	return "dispute-" + disputeID.String()
}

func (w *DisputeRefundWorker) Work(ctx context.Context, job *river.Job[jobs.DisputeRefundArgs]) error {
	args := job.Args
	log := logging.FromContext(ctx).With("dispute_id", args.DisputeID, "escrow_payment_id", args.EscrowPaymentID, "attempt", job.Attempt)

	refund, err := w.provider.Refund(ctx, payments.RefundRequest{
		PaymentIntentID: args.PaymentIntentID,
		AmountCents:     args.AmountCents,
		IdempotencyKey:  RefundIdempotencyKey(args.DisputeID),
		Reason:          args.Resolution,
	})
	if err != nil {
		log.Warn("refund failed, will retry", "error", err)
		return fmt.Errorf("refund dispute %s: %w", args.DisputeID, err)
	}

	err = database.InTx(ctx, w.db, func(tx pgx.Tx) error {
		if err := w.ledger.AddRefund(ctx, tx, args.EscrowPaymentID, args.AmountCents); err != nil {
			return err
		}
		return w.audit.RecordTx(ctx, tx, audit.Entry{
			Action:     audit.ActionEscrowRefunded,
			EntityType: "escrow_payment",
			EntityID:   args.EscrowPaymentID,
			Detail: map[string]any{
				"dispute_id":   args.DisputeID.String(),
				"refund_id":    refund.ID,
				"amount_cents": args.AmountCents,
			},
		})
	})
	if err != nil {
		return fmt.Errorf("record refund for dispute %s: %w", args.DisputeID, err)
	}
	log.Info("dispute refund issued", "refund_id", refund.ID, "amount_cents", args.AmountCents)
	return nil
}
