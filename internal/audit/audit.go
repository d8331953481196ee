// Package audit appends state-change records to audit_log inside the
// caller's transaction.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/benchwarmers/marketplace/internal/logging"
)

const (
	ActionEscrowProcessed     = "escrow.processed"
	ActionEscrowFailed        = "escrow.failed"
	ActionEscrowRefunded      = "escrow.refunded"
	ActionDisputeCreated      = "dispute.created"
	ActionDisputeResolved     = "dispute.resolved"
	ActionReviewCreated       = "review.created"
	ActionSubscriptionCreated = "subscription.created"
	ActionSubscriptionRenewed = "subscription.renewed"
	ActionSubscriptionPastDue = "subscription.past_due"
	ActionSubscriptionCancel  = "subscription.canceled"
)

type Entry struct {
	ActorID    *uuid.UUID
	Action     string
	EntityType string
	EntityID   uuid.UUID
	Detail     map[string]any
}

// Recorder is what delegates depend on; tests substitute a slice-backed fake.
type Recorder interface {
	RecordTx(ctx context.Context, tx pgx.Tx, e Entry) error
}

type Repository struct{}

func NewRepository() *Repository { return &Repository{} }

var _ Recorder = (*Repository)(nil)

// RecordTx inserts e using tx. The correlation id is taken from ctx.
func (r *Repository) RecordTx(ctx context.Context, tx pgx.Tx, e Entry) error {
	detail := e.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("audit: marshal detail: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (correlation_id, actor_id, action, entity_type, entity_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, logging.CorrelationID(ctx), e.ActorID, e.Action, e.EntityType, e.EntityID, raw)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.Action, err)
	}
	return nil
}
