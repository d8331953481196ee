package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/audit"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/database"
	"github.com/benchwarmers/marketplace/internal/logging"
	"github.com/benchwarmers/marketplace/internal/metrics"
	"github.com/benchwarmers/marketplace/internal/payments"
)

// Store is the persistence the escrow service needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id uuid.UUID, paymentIntentID string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error
}

type Service interface {
	ProcessPayment(ctx context.Context, actor *authz.Identity, p ProcessParams) (*Result, error)
	Get(ctx context.Context, actor *authz.Identity, id uuid.UUID) (*Payment, error)
}

type service struct {
	db       database.TxBeginner
	store    Store
	audit    audit.Recorder
	provider payments.Provider
	metrics  *metrics.Collector
}

func NewService(db database.TxBeginner, store Store, rec audit.Recorder, provider payments.Provider, m *metrics.Collector) *service {
	return &service{db: db, store: store, audit: rec, provider: provider, metrics: m}
}

var _ Service = (*service)(nil)

// ProcessPayment charges a pending escrow payment exactly once. A payment
// that is not pending, or that another request claimed first, fails with
// ErrAlreadyProcessed before the provider is called.
func (s *service) ProcessPayment(ctx context.Context, actor *authz.Identity, p ProcessParams) (*Result, error) {
	log := logging.FromContext(ctx).With("escrow_payment_id", p.EscrowPaymentID.String())

	pay, err := s.store.GetByID(ctx, p.EscrowPaymentID)
	if err != nil {
		return nil, classify(err, "load escrow payment")
	}

	payer := pay.SeekerCompanyID
	if p.PayerCompanyID != nil {
		payer = *p.PayerCompanyID
	}
	payee := pay.ProviderCompanyID
	if p.PayeeCompanyID != nil {
		payee = *p.PayeeCompanyID
	}
	if payer != pay.SeekerCompanyID || payee != pay.ProviderCompanyID {
		return nil, ErrPartyMismatch
	}
	if !authz.CanActForCompany(actor, payer) {
		return nil, apperr.Forbidden("caller cannot pay on behalf of this company")
	}

	if pay.Status != StatusPending {
		s.metrics.EscrowPayment("rejected")
		return nil, ErrAlreadyProcessed
	}
	claimed, err := s.store.Claim(ctx, pay.ID)
	if err != nil {
		return nil, apperr.Upstream("claim escrow payment", err)
	}
	if !claimed {
		s.metrics.EscrowPayment("rejected")
		return nil, ErrAlreadyProcessed
	}

	charge, chargeErr := s.provider.ChargeEscrow(ctx, payments.EscrowCharge{
		EscrowPaymentID: pay.ID,
		AmountCents:     pay.AmountCents,
		Currency:        pay.Currency,
		PaymentMethodID: p.PaymentMethodID,
		PayerCompanyID:  payer,
		PayeeCompanyID:  payee,
	})
	if chargeErr != nil {
		s.metrics.EscrowPayment("failed")
		log.Error("escrow charge failed", "error", chargeErr)
		if err := s.markFailed(ctx, actor, pay, chargeErr); err != nil {
			// The stale sweep fails it later.
			log.Error("escrow payment left in processing state", "error", err)
		}
		return nil, apperr.Upstream("payment processing failed", chargeErr)
	}

	err = database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.store.MarkProcessed(ctx, tx, pay.ID, charge.ID); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry{
			ActorID:    actorID(actor),
			Action:     audit.ActionEscrowProcessed,
			EntityType: "escrow_payment",
			EntityID:   pay.ID,
			Detail: map[string]any{
				"payment_intent_id": charge.ID,
				"amount_cents":      pay.AmountCents,
				"currency":          pay.Currency,
			},
		})
	})
	if err != nil {
		log.Error("charge succeeded but escrow record not updated", "payment_intent_id", charge.ID, "error", err)
		return nil, apperr.Upstream("record escrow payment", err)
	}

	s.metrics.EscrowPayment("processed")
	log.Info("escrow payment processed", "payment_intent_id", charge.ID, "amount_cents", pay.AmountCents)
	return &Result{
		EscrowPaymentID: pay.ID,
		PaymentIntentID: charge.ID,
		AmountCents:     pay.AmountCents,
		Currency:        pay.Currency,
		Status:          StatusProcessed,
	}, nil
}

func (s *service) markFailed(ctx context.Context, actor *authz.Identity, pay *Payment, cause error) error {
	reason := "payment provider error"
	if ae, ok := apperr.As(cause); ok {
		reason = ae.Message
	}
	return database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.store.MarkFailed(ctx, tx, pay.ID, reason); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry{
			ActorID:    actorID(actor),
			Action:     audit.ActionEscrowFailed,
			EntityType: "escrow_payment",
			EntityID:   pay.ID,
			Detail:     map[string]any{"reason": reason},
		})
	})
}

// Get returns a payment visible to a party of its engagement or an admin.
func (s *service) Get(ctx context.Context, actor *authz.Identity, id uuid.UUID) (*Payment, error) {
	pay, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, classify(err, "load escrow payment")
	}
	if actor.IsAdmin() {
		return pay, nil
	}
	if actor == nil || actor.CompanyID == nil || !pay.HasParty(*actor.CompanyID) {
		return nil, ErrNotFound
	}
	return pay, nil
}

func classify(err error, op string) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Upstream(op, fmt.Errorf("escrow: %w", err))
}

func actorID(id *authz.Identity) *uuid.UUID {
	if id == nil {
		return nil
	}
	u := id.UserID
	return &u
}
