package dispute

import (
	"time"

	"github.com/google/uuid"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/httpx"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

type Resolution string

const (
	ResolutionRefundFull    Resolution = "refund_full"
	ResolutionRefundPartial Resolution = "refund_partial"
	ResolutionNoRefund      Resolution = "no_refund"
	ResolutionContinueWork  Resolution = "continue_work"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionRefundFull, ResolutionRefundPartial, ResolutionNoRefund, ResolutionContinueWork:
		return true
	}
	return false
}

// Refunds reports whether the resolution moves money back to the payer.
func (r Resolution) Refunds() bool {
	return r == ResolutionRefundFull || r == ResolutionRefundPartial
}

var (
	ErrNotFound        = apperr.NotFound("dispute not found")
	ErrAlreadyResolved = apperr.Conflict("dispute already resolved")
	ErrNotParty        = apperr.Forbidden("caller is not a party to this engagement")

	ErrEngagementNotFound = apperr.NotFound("engagement not found")
)

type Dispute struct {
	ID                uuid.UUID
	EngagementID      uuid.UUID
	EscrowPaymentID   *uuid.UUID
	RaisedBy          uuid.UUID
	Reason            string
	Description       string
	Status            Status
	Resolution        *Resolution
	AdminNotes        *string
	RefundAmountCents *int64
	ResolvedBy        *uuid.UUID
	ResolvedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type CreateParams struct {
	EngagementID    uuid.UUID
	EscrowPaymentID *uuid.UUID
	Reason          string
	Description     string
}

type ResolveParams struct {
	DisputeID         uuid.UUID
	Resolution        Resolution
	AdminNotes        string
	RefundAmountCents *int64
}

type Listing struct {
	Disputes   []Dispute
	Pagination httpx.Pagination
}
