package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/benchwarmers/marketplace/internal/audit"
	"github.com/benchwarmers/marketplace/internal/database"
	"github.com/benchwarmers/marketplace/internal/jobs"
	"github.com/benchwarmers/marketplace/internal/logging"
)

const (
	// StaleProcessingAfter is far beyond the provider timeout, so a payment
	// still processing this long lost its outcome.
	StaleProcessingAfter = 15 * time.Minute
	// SweepInterval is how often the periodic sweep is enqueued.
	SweepInterval = 5 * time.Minute

	staleReason = "processing timed out; reconcile with the payment provider"
)

type StaleEscrowStore interface {
	FailStale(ctx context.Context, tx pgx.Tx, olderThan time.Time, reason string) ([]uuid.UUID, error)
}

// EscrowSweepWorker fails escrow payments left in processing, for example
// when recording a provider failure did not commit.
type EscrowSweepWorker struct {
	river.WorkerDefaults[jobs.EscrowSweepArgs]
	db    database.TxBeginner
	store StaleEscrowStore
	audit audit.Recorder
	after time.Duration
	now   func() time.Time
}

func NewEscrowSweepWorker(db database.TxBeginner, store StaleEscrowStore, rec audit.Recorder) *EscrowSweepWorker {
	return &EscrowSweepWorker{db: db, store: store, audit: rec, after: StaleProcessingAfter, now: time.Now}
}

// SweepPeriodicJob enqueues the sweep every SweepInterval and once at start.
func SweepPeriodicJob() *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(SweepInterval),
		func() (river.JobArgs, *river.InsertOpts) { return jobs.EscrowSweepArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

func (w *EscrowSweepWorker) Work(ctx context.Context, job *river.Job[jobs.EscrowSweepArgs]) error {
	log := logging.FromContext(ctx).With("attempt", job.Attempt)
	cutoff := w.now().UTC().Add(-w.after)

	var failed []uuid.UUID
	err := database.InTx(ctx, w.db, func(tx pgx.Tx) error {
		ids, err := w.store.FailStale(ctx, tx, cutoff, staleReason)
		if err != nil {
			return err
		}
		for _, id := range ids {
			err := w.audit.RecordTx(ctx, tx, audit.Entry{
				Action:     audit.ActionEscrowFailed,
				EntityType: "escrow_payment",
				EntityID:   id,
				Detail:     map[string]any{"reason": staleReason, "stale_since": cutoff.Format(time.RFC3339)},
			})
			if err != nil {
				return err
			}
		}
		failed = ids
		return nil
	})
	if err != nil {
		return fmt.Errorf("sweep stale escrow payments: %w", err)
	}
	for _, id := range failed {
		log.Warn("escrow payment stuck in processing marked failed", "escrow_payment_id", id)
	}
	return nil
}
