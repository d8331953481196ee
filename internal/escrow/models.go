package escrow

import (
	"time"

	"github.com/google/uuid"

	"github.com/benchwarmers/marketplace/internal/apperr"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

var (
	ErrNotFound         = apperr.NotFound("escrow payment not found")
	ErrAlreadyProcessed = apperr.New(apperr.KindAlreadyProcessed, "escrow payment already processed")
	ErrPartyMismatch    = apperr.Forbidden("caller is not a party to this engagement")
	ErrRefundExceeds    = apperr.Conflict("refund exceeds the refundable amount")
)

// Payment is an escrow payment joined with its engagement parties.
type Payment struct {
	ID                uuid.UUID
	EngagementID      uuid.UUID
	SeekerCompanyID   uuid.UUID
	ProviderCompanyID uuid.UUID
	AmountCents       int64
	RefundedCents     int64
	// RefundReservedCents counts refunds committed by dispute resolutions,
	// including those the provider has not processed yet.
	RefundReservedCents int64
	Currency            string
	Status              Status
	PaymentIntentID     *string
	FailureReason       *string
	ProcessedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasParty reports whether companyID is the seeker or the provider.
func (p *Payment) HasParty(companyID uuid.UUID) bool {
	return p.SeekerCompanyID == companyID || p.ProviderCompanyID == companyID
}

// Refundable is what may still be reserved for refunds.
func (p *Payment) Refundable() int64 {
	return p.AmountCents - max(p.RefundReservedCents, p.RefundedCents)
}

type ProcessParams struct {
	EscrowPaymentID uuid.UUID
	// PayerCompanyID and PayeeCompanyID default to the engagement parties.
	PayerCompanyID  *uuid.UUID
	PayeeCompanyID  *uuid.UUID
	PaymentMethodID string
}

type Result struct {
	EscrowPaymentID uuid.UUID
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	Status          Status
}
