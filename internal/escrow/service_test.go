package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/audit"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/database/dbtest"
	"github.com/benchwarmers/marketplace/internal/payments"
)

// ---------------------------------------------------------------------------
// In-memory doubles
// ---------------------------------------------------------------------------

type memStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*Payment
	getErr   error
}

func newMemStore(ps ...*Payment) *memStore {
	m := &memStore{payments: make(map[uuid.UUID]*Payment)}
	for _, p := range ps {
		cp := *p
		m.payments[p.ID] = &cp
	}
	return m
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) Claim(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusProcessing
	return true, nil
}

func (m *memStore) MarkProcessed(_ context.Context, _ pgx.Tx, id uuid.UUID, intent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[id]
	p.Status = StatusProcessed
	p.PaymentIntentID = &intent
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, _ pgx.Tx, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[id]
	p.Status = StatusFailed
	p.FailureReason = &reason
	return nil
}

func (m *memStore) status(id uuid.UUID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id].Status
}

type recordedAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordedAudit) RecordTx(_ context.Context, _ pgx.Tx, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

type stubProvider struct {
	mu          sync.Mutex
	chargeCalls int
	chargeErr   error
	lastCharge  payments.EscrowCharge
}

func (s *stubProvider) ChargeEscrow(_ context.Context, c payments.EscrowCharge) (payments.Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chargeCalls++
	s.lastCharge = c
	if s.chargeErr != nil {
		return payments.Charge{}, s.chargeErr
	}
	return payments.Charge{ID: "pi_test_1", Status: "succeeded", AmountCents: c.AmountCents, Currency: c.Currency}, nil
}

func (s *stubProvider) ChargeSubscription(context.Context, payments.SubscriptionCharge) (payments.Charge, error) {
	return payments.Charge{}, errors.New("not used")
}

func (s *stubProvider) Refund(context.Context, payments.RefundRequest) (payments.Refund, error) {
	return payments.Refund{}, errors.New("not used")
}

func (s *stubProvider) CreateCustomer(context.Context, string, map[string]string) (string, error) {
	return "", errors.New("not used")
}

func (s *stubProvider) Ping(context.Context) error { return nil }

func (s *stubProvider) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chargeCalls
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	seeker, provider uuid.UUID
	payment          *Payment
	store            *memStore
	audit            *recordedAudit
	gateway          *stubProvider
	db               *dbtest.Beginner
	svc              *service
	payerAdmin       *authz.Identity
}

func newFixture(status Status) *fixture {
	seeker, provider := uuid.New(), uuid.New()
	p := &Payment{
		ID:                uuid.New(),
		EngagementID:      uuid.New(),
		SeekerCompanyID:   seeker,
		ProviderCompanyID: provider,
		AmountCents:       250000,
		Currency:          "usd",
		Status:            status,
	}
	f := &fixture{
		seeker:   seeker,
		provider: provider,
		payment:  p,
		store:    newMemStore(p),
		audit:    &recordedAudit{},
		gateway:  &stubProvider{},
		db:       &dbtest.Beginner{},
		payerAdmin: &authz.Identity{
			UserID:    uuid.New(),
			Role:      authz.RoleCompanyAdmin,
			CompanyID: &seeker,
		},
	}
	f.svc = NewService(f.db, f.store, f.audit, f.gateway, nil)
	return f
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestProcessPayment_Success(t *testing.T) {
	f := newFixture(StatusPending)

	res, err := f.svc.ProcessPayment(context.Background(), f.payerAdmin, ProcessParams{
		EscrowPaymentID: f.payment.ID,
		PaymentMethodID: "pm_card_visa",
	})
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	if res.PaymentIntentID != "pi_test_1" || res.AmountCents != 250000 || res.Status != StatusProcessed {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.store.status(f.payment.ID); got != StatusProcessed {
		t.Fatalf("expected processed, got %s", got)
	}
	if f.gateway.lastCharge.PayerCompanyID != f.seeker || f.gateway.lastCharge.PayeeCompanyID != f.provider {
		t.Errorf("charge parties not taken from engagement: %+v", f.gateway.lastCharge)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].Action != audit.ActionEscrowProcessed {
		t.Errorf("expected one escrow.processed audit entry, got %+v", f.audit.entries)
	}
	if f.db.Commits() != 1 {
		t.Errorf("expected state change and audit in one committed tx, got %d commits", f.db.Commits())
	}
}

func TestProcessPayment_NotPendingSkipsProvider(t *testing.T) {
	for _, st := range []Status{StatusProcessing, StatusProcessed, StatusFailed} {
		t.Run(string(st), func(t *testing.T) {
			f := newFixture(st)
			_, err := f.svc.ProcessPayment(context.Background(), f.payerAdmin, ProcessParams{
				EscrowPaymentID: f.payment.ID,
				PaymentMethodID: "pm",
			})
			if !errors.Is(err, ErrAlreadyProcessed) {
				t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
			}
			if apperr.Status(apperr.KindOf(err)) != 400 {
				t.Fatalf("expected 400 mapping, got %d", apperr.Status(apperr.KindOf(err)))
			}
			if f.gateway.calls() != 0 {
				t.Fatalf("provider must not be called, got %d calls", f.gateway.calls())
			}
		})
	}
}

func TestProcessPayment_Twice(t *testing.T) {
	f := newFixture(StatusPending)
	params := ProcessParams{EscrowPaymentID: f.payment.ID, PaymentMethodID: "pm"}

	if _, err := f.svc.ProcessPayment(context.Background(), f.payerAdmin, params); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := f.svc.ProcessPayment(context.Background(), f.payerAdmin, params); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("second call: expected ErrAlreadyProcessed, got %v", err)
	}
	if f.gateway.calls() != 1 {
		t.Fatalf("expected exactly one provider charge, got %d", f.gateway.calls())
	}
}

func TestProcessPayment_ConcurrentSingleCharge(t *testing.T) {
	f := newFixture(StatusPending)
	params := ProcessParams{EscrowPaymentID: f.payment.ID, PaymentMethodID: "pm"}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ProcessPayment(context.Background(), f.payerAdmin, params)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrAlreadyProcessed) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || f.gateway.calls() != 1 {
		t.Fatalf("expected one success and one charge, got %d successes, %d charges", ok, f.gateway.calls())
	}
}

func TestProcessPayment_NotFound(t *testing.T) {
	f := newFixture(StatusPending)
	_, err := f.svc.ProcessPayment(context.Background(), f.payerAdmin, ProcessParams{EscrowPaymentID: uuid.New(), PaymentMethodID: "pm"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.gateway.calls() != 0 {
		t.Fatal("provider must not be called")
	}
}

func TestProcessPayment_PartyChecks(t *testing.T) {
	f := newFixture(StatusPending)
	other := uuid.New()

	cases := []struct {
		name   string
		actor  *authz.Identity
		params ProcessParams
	}{
		{
			name:   "payer is not the seeker",
			actor:  f.payerAdmin,
			params: ProcessParams{EscrowPaymentID: f.payment.ID, PaymentMethodID: "pm", PayerCompanyID: &other},
		},
		{
			name:   "payee is not the provider",
			actor:  f.payerAdmin,
			params: ProcessParams{EscrowPaymentID: f.payment.ID, PaymentMethodID: "pm", PayeeCompanyID: &other},
		},
		{
			name:   "caller belongs to another company",
			actor:  &authz.Identity{UserID: uuid.New(), Role: authz.RoleCompanyAdmin, CompanyID: &other},
			params: ProcessParams{EscrowPaymentID: f.payment.ID, PaymentMethodID: "pm"},
		},
		{
			name:   "provider company cannot pay itself",
			actor:  &authz.Identity{UserID: uuid.New(), Role: authz.RoleCompanyAdmin, CompanyID: &f.provider},
			params: ProcessParams{EscrowPaymentID: f.payment.ID, PaymentMethodID: "pm"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.ProcessPayment(context.Background(), tc.actor, tc.params)
			if apperr.KindOf(err) != apperr.KindForbidden {
				t.Fatalf("expected forbidden, got %v", err)
			}
		})
	}
	if f.gateway.calls() != 0 {
		t.Fatal("provider must not be called")
	}
}

func TestProcessPayment_AdminMayPay(t *testing.T) {
	f := newFixture(StatusPending)
	admin := &authz.Identity{UserID: uuid.New(), Role: authz.RoleAdmin}
	if _, err := f.svc.ProcessPayment(context.Background(), admin, ProcessParams{EscrowPaymentID: f.payment.ID, PaymentMethodID: "pm"}); err != nil {
		t.Fatalf("admin process: %v", err)
	}
}

func TestProcessPayment_ProviderFailure(t *testing.T) {
	f := newFixture(StatusPending)
	f.gateway.chargeErr = apperr.Upstream("payments: create escrow payment intent", errors.New("stripe card_error (card_declined)"))

	_, err := f.svc.ProcessPayment(context.Background(), f.payerAdmin, ProcessParams{EscrowPaymentID: f.payment.ID, PaymentMethodID: "pm"})
	if apperr.KindOf(err) != apperr.KindUpstream {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if got := f.store.status(f.payment.ID); got != StatusFailed {
		t.Fatalf("expected failed status, got %s", got)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].Action != audit.ActionEscrowFailed {
		t.Fatalf("expected escrow.failed audit entry, got %+v", f.audit.entries)
	}

	// A failed payment is terminal.
	_, err = f.svc.ProcessPayment(context.Background(), f.payerAdmin, ProcessParams{EscrowPaymentID: f.payment.ID, PaymentMethodID: "pm"})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed on retry, got %v", err)
	}
}

func TestProcessPayment_StoreFailureIsUpstream(t *testing.T) {
	f := newFixture(StatusPending)
	f.store.getErr = errors.New("connection reset")
	_, err := f.svc.ProcessPayment(context.Background(), f.payerAdmin, ProcessParams{EscrowPaymentID: f.payment.ID, PaymentMethodID: "pm"})
	if apperr.KindOf(err) != apperr.KindUpstream {
		t.Fatalf("expected upstream, got %v", err)
	}
}

func TestGet_Visibility(t *testing.T) {
	f := newFixture(StatusPending)
	ctx := context.Background()
	other := uuid.New()

	if _, err := f.svc.Get(ctx, f.payerAdmin, f.payment.ID); err != nil {
		t.Fatalf("party should see payment: %v", err)
	}
	if _, err := f.svc.Get(ctx, &authz.Identity{UserID: uuid.New(), Role: authz.RoleAdmin}, f.payment.ID); err != nil {
		t.Fatalf("admin should see payment: %v", err)
	}
	if _, err := f.svc.Get(ctx, &authz.Identity{UserID: uuid.New(), Role: authz.RoleMember, CompanyID: &other}, f.payment.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("outsider should get not found, got %v", err)
	}
}
