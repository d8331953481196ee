package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/benchwarmers/marketplace/internal/apperr"
)

// Stripe implements Provider with PaymentIntents and Refunds.
type Stripe struct {
	api     *client.API
	timeout time.Duration
}

var _ Provider = (*Stripe)(nil)

// NewStripe returns a provider using the live Stripe backends.
func NewStripe(secretKey string, timeout time.Duration) *Stripe {
	return NewStripeWithBackends(secretKey, nil, timeout)
}

// NewStripeWithBackends lets tests point the client at a local server.
func NewStripeWithBackends(secretKey string, backends *stripe.Backends, timeout time.Duration) *Stripe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Stripe{api: client.New(secretKey, backends), timeout: timeout}
}

func (s *Stripe) ChargeEscrow(ctx context.Context, c EscrowCharge) (Charge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(c.AmountCents),
		Currency:      stripe.String(strings.ToLower(c.Currency)),
		PaymentMethod: stripe.String(c.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
		Description: stripe.String("Escrow payment " + c.EscrowPaymentID.String()),
	}
	params.Context = ctx
	params.SetIdempotencyKey("escrow-" + c.EscrowPaymentID.String())
	params.AddMetadata("escrow_payment_id", c.EscrowPaymentID.String())
	params.AddMetadata("payer_company_id", c.PayerCompanyID.String())
	params.AddMetadata("payee_company_id", c.PayeeCompanyID.String())

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return Charge{}, providerError("create escrow payment intent", err)
	}
	if !settled(pi) {
		return Charge{}, apperr.Upstream("payments: escrow payment not completed", fmt.Errorf("payment intent %s is %s", pi.ID, pi.Status))
	}
	return chargeFromIntent(pi), nil
}

// ChargeSubscription charges the customer's first saved card off-session.
func (s *Stripe) ChargeSubscription(ctx context.Context, c SubscriptionCharge) (Charge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	listParams := &stripe.PaymentMethodListParams{
		Customer: stripe.String(c.CustomerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)
	iter := s.api.PaymentMethods.List(listParams)
	var methodID string
	if iter.Next() {
		methodID = iter.PaymentMethod().ID
	}
	if err := iter.Err(); err != nil {
		return Charge{}, providerError("list payment methods", err)
	}
	if methodID == "" {
		return Charge{}, apperr.Upstream("charge subscription", fmt.Errorf("customer %s has no saved card", c.CustomerID))
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(c.AmountCents),
		Currency:      stripe.String(strings.ToLower(c.Currency)),
		Customer:      stripe.String(c.CustomerID),
		PaymentMethod: stripe.String(methodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String("Subscription " + c.SubscriptionID.String()),
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("subscription-%s-%s", c.SubscriptionID, c.BillingDate.UTC().Format("2006-01-02")))
	params.AddMetadata("subscription_id", c.SubscriptionID.String())

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return Charge{}, providerError("create subscription payment intent", err)
	}
	if !settled(pi) {
		return Charge{}, apperr.Upstream("payments: subscription charge not completed", fmt.Errorf("payment intent %s is %s", pi.ID, pi.Status))
	}
	return chargeFromIntent(pi), nil
}

func (s *Stripe) Refund(ctx context.Context, r RefundRequest) (Refund, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(r.PaymentIntentID),
		Amount:        stripe.Int64(r.AmountCents),
	}
	params.Context = ctx
	if r.IdempotencyKey != "" {
		params.SetIdempotencyKey(r.IdempotencyKey)
	}
	if r.Reason != "" {
		params.AddMetadata("reason", r.Reason)
	}

	ref, err := s.api.Refunds.New(params)
	if err != nil {
		return Refund{}, providerError("create refund", err)
	}
	return Refund{ID: ref.ID, Status: string(ref.Status), AmountCents: ref.Amount}, nil
}

func (s *Stripe) CreateCustomer(ctx context.Context, email string, meta map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	cus, err := s.api.Customers.New(params)
	if err != nil {
		return "", providerError("create customer", err)
	}
	return cus.ID, nil
}

// Ping fetches the account balance, the cheapest authenticated call.
func (s *Stripe) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.BalanceParams{}
	params.Context = ctx
	if _, err := s.api.Balance.Get(params); err != nil {
		return providerError("ping", err)
	}
	return nil
}

// settled reports whether the intent needs no further customer action.
func settled(pi *stripe.PaymentIntent) bool {
	return pi.Status == stripe.PaymentIntentStatusSucceeded || pi.Status == stripe.PaymentIntentStatusProcessing
}

func chargeFromIntent(pi *stripe.PaymentIntent) Charge {
	return Charge{
		ID:          pi.ID,
		Status:      string(pi.Status),
		AmountCents: pi.Amount,
		Currency:    string(pi.Currency),
	}
}

// providerError keeps the Stripe code and message for logs; callers never
// see them.
func providerError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return apperr.Upstream("payments: "+op, fmt.Errorf("stripe %s (%s): %s", se.Type, se.Code, se.Msg))
	}
	return apperr.Upstream("payments: "+op, err)
}
