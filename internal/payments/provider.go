// Package payments wraps the external payment processor behind a small
// interface so delegates and workers can be tested with stubs.
package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds every outbound provider call.
const DefaultTimeout = 15 * time.Second

type EscrowCharge struct {
	EscrowPaymentID uuid.UUID
	AmountCents     int64
	Currency        string
	PaymentMethodID string
	PayerCompanyID  uuid.UUID
	PayeeCompanyID  uuid.UUID
}

type SubscriptionCharge struct {
	SubscriptionID uuid.UUID
	CustomerID     string
	AmountCents    int64
	Currency       string
	BillingDate    time.Time
}

type RefundRequest struct {
	PaymentIntentID string
	AmountCents     int64
	// IdempotencyKey makes retried refunds safe; callers derive it from the dispute id.
	IdempotencyKey string
	Reason         string
}

type Charge struct {
	ID          string
	Status      string
	AmountCents int64
	Currency    string
}

type Refund struct {
	ID          string
	Status      string
	AmountCents int64
}

type Provider interface {
	ChargeEscrow(ctx context.Context, c EscrowCharge) (Charge, error)
	ChargeSubscription(ctx context.Context, c SubscriptionCharge) (Charge, error)
	Refund(ctx context.Context, r RefundRequest) (Refund, error)
	CreateCustomer(ctx context.Context, email string, meta map[string]string) (string, error)
	Ping(ctx context.Context) error
}
