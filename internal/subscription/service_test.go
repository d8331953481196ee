package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/audit"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/database/dbtest"
	"github.com/benchwarmers/marketplace/internal/jobs"
	"github.com/benchwarmers/marketplace/internal/middleware"
	"github.com/benchwarmers/marketplace/internal/payments"
	"github.com/benchwarmers/marketplace/internal/validate"
)

type memStore struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	getErr error
}

func newMemStore() *memStore { return &memStore{subs: make(map[uuid.UUID]*Subscription)} }

func (m *memStore) GetOpen(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, s := range m.subs {
		if s.UserID == userID && s.Status != StatusCanceled {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) Create(_ context.Context, _ pgx.Tx, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.New()
	s.Status = StatusActive
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *memStore) Cancel(_ context.Context, _ pgx.Tx, userID uuid.UUID, at time.Time) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.UserID == userID && s.Status != StatusCanceled {
			s.Status = StatusCanceled
			s.CanceledAt = &at
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) Advance(_ context.Context, _ pgx.Tx, id uuid.UUID, from, next time.Time) (bool, error) {
	return false, errors.New("not used")
}

func (m *memStore) MarkPastDue(context.Context, pgx.Tx, uuid.UUID) error {
	return errors.New("not used")
}

type recordedAudit struct{ entries []audit.Entry }

func (r *recordedAudit) RecordTx(_ context.Context, _ pgx.Tx, e audit.Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

type recordedJobs struct {
	args []river.JobArgs
	opts []*river.InsertOpts
}

func (r *recordedJobs) InsertTx(_ context.Context, _ pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
	r.args = append(r.args, args)
	r.opts = append(r.opts, opts)
	return nil
}

type stubProvider struct {
	customerCalls int
	customerErr   error
}

func (s *stubProvider) CreateCustomer(context.Context, string, map[string]string) (string, error) {
	s.customerCalls++
	if s.customerErr != nil {
		return "", s.customerErr
	}
	return "cus_test", nil
}

func (s *stubProvider) ChargeEscrow(context.Context, payments.EscrowCharge) (payments.Charge, error) {
	return payments.Charge{}, errors.New("not used")
}

func (s *stubProvider) ChargeSubscription(context.Context, payments.SubscriptionCharge) (payments.Charge, error) {
	return payments.Charge{}, errors.New("not used")
}

func (s *stubProvider) Refund(context.Context, payments.RefundRequest) (payments.Refund, error) {
	return payments.Refund{}, errors.New("not used")
}

func (s *stubProvider) Ping(context.Context) error { return nil }

type fixture struct {
	company  uuid.UUID
	user     *authz.Identity
	store    *memStore
	audit    *recordedAudit
	jobs     *recordedJobs
	provider *stubProvider
	db       *dbtest.Beginner
	svc      *service
}

func newFixture() *fixture {
	company := uuid.New()
	f := &fixture{
		company:  company,
		user:     &authz.Identity{UserID: uuid.New(), Role: authz.RoleCompanyAdmin, CompanyID: &company},
		store:    newMemStore(),
		audit:    &recordedAudit{},
		jobs:     &recordedJobs{},
		provider: &stubProvider{},
		db:       &dbtest.Beginner{},
	}
	f.svc = NewService(f.db, f.store, f.audit, f.jobs, f.provider, Pricing{MonthlyCents: 4900, YearlyCents: 49000, Currency: "usd"})
	return f
}

func (f *fixture) params(plan Plan, start *time.Time) CreateParams {
	return CreateParams{UserID: f.user.UserID, CompanyID: f.company, Email: "ops@acme.test", PlanType: plan, StartDate: start}
}

func TestNextBillingDate(t *testing.T) {
	cases := []struct {
		start time.Time
		plan  Plan
		want  time.Time
	}{
		{time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), PlanMonthly, time.Date(2024, 4, 15, 10, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), PlanYearly, time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)},
		{time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), PlanMonthly, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC), PlanMonthly, time.Date(2023, 3, 3, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), PlanYearly, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 15, 1, 0, 0, 0, time.FixedZone("UTC+2", 2*3600)), PlanMonthly, time.Date(2024, 4, 14, 23, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := NextBillingDate(tc.start, tc.plan); !got.Equal(tc.want) {
			t.Errorf("NextBillingDate(%s, %s) = %s, want %s", tc.start, tc.plan, got, tc.want)
		}
	}
}

func TestCreate_PlanAndBillingDateConsistent(t *testing.T) {
	start := time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC)
	for _, tc := range []struct {
		plan   Plan
		amount int64
		want   time.Time
	}{
		{PlanMonthly, 4900, start.AddDate(0, 1, 0)},
		{PlanYearly, 49000, start.AddDate(1, 0, 0)},
	} {
		t.Run(string(tc.plan), func(t *testing.T) {
			f := newFixture()
			sub, err := f.svc.Create(context.Background(), f.user, f.params(tc.plan, &start))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if sub.PlanType != tc.plan || !sub.StartDate.Equal(start) || !sub.NextBillingDate.Equal(tc.want) {
				t.Fatalf("unexpected subscription %+v", sub)
			}
			if sub.AmountCents != tc.amount || sub.ProviderCustomerID != "cus_test" {
				t.Fatalf("unexpected amount or customer %+v", sub)
			}

			if len(f.jobs.args) != 1 {
				t.Fatalf("expected one renewal job, got %d", len(f.jobs.args))
			}
			args := f.jobs.args[0].(jobs.SubscriptionRenewalArgs)
			if args.SubscriptionID != sub.ID || !args.BillingDate.Equal(tc.want) {
				t.Fatalf("unexpected renewal args %+v", args)
			}
			if !f.jobs.opts[0].ScheduledAt.Equal(tc.want) {
				t.Fatalf("renewal scheduled at %s, want %s", f.jobs.opts[0].ScheduledAt, tc.want)
			}
			if f.db.Commits() != 1 || len(f.audit.entries) != 1 {
				t.Fatal("expected one committed tx with an audit entry")
			}
		})
	}
}

func TestCreate_DefaultsStartToNow(t *testing.T) {
	f := newFixture()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	sub, err := f.svc.Create(context.Background(), f.user, f.params(PlanMonthly, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !sub.StartDate.Equal(now) || !sub.NextBillingDate.Equal(now.AddDate(0, 1, 0)) {
		t.Fatalf("unexpected dates %s %s", sub.StartDate, sub.NextBillingDate)
	}
}

func TestCreate_StoresMicrosecondPrecision(t *testing.T) {
	f := newFixture()
	now := time.Date(2025, 6, 1, 12, 0, 0, 987654321, time.UTC)
	f.svc.now = func() time.Time { return now }

	sub, err := f.svc.Create(context.Background(), f.user, f.params(PlanMonthly, nil))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 7, 1, 12, 0, 0, 987654000, time.UTC)
	if !sub.NextBillingDate.Equal(want) || sub.StartDate.Nanosecond() != 987654000 {
		t.Fatalf("unexpected dates %s %s", sub.StartDate, sub.NextBillingDate)
	}
	args := f.jobs.args[0].(jobs.SubscriptionRenewalArgs)
	if !args.BillingDate.Equal(sub.NextBillingDate) {
		t.Fatalf("renewal job billing date %s differs from stored %s", args.BillingDate, sub.NextBillingDate)
	}
}

func TestCreate_AlreadyActive(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Create(context.Background(), f.user, f.params(PlanMonthly, nil)); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Create(context.Background(), f.user, f.params(PlanYearly, nil))
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if f.provider.customerCalls != 1 {
		t.Fatalf("provider must not be called for a duplicate, got %d calls", f.provider.customerCalls)
	}
}

func TestCreate_ProviderFailure(t *testing.T) {
	f := newFixture()
	f.provider.customerErr = errors.New("stripe: api_connection_error")
	_, err := f.svc.Create(context.Background(), f.user, f.params(PlanMonthly, nil))
	if apperr.KindOf(err) != apperr.KindUpstream {
		t.Fatalf("expected upstream, got %v", err)
	}
	if len(f.db.Txs) != 0 {
		t.Fatal("nothing may be written when the provider fails")
	}
}

func TestCreate_OtherCompany(t *testing.T) {
	f := newFixture()
	p := f.params(PlanMonthly, nil)
	p.CompanyID = uuid.New()
	_, err := f.svc.Create(context.Background(), f.user, p)
	if apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	f := newFixture()
	sub, err := f.svc.GetStatus(context.Background(), f.user.UserID)
	if sub != nil || err != nil {
		t.Fatalf("expected nil, nil for no subscription, got %v, %v", sub, err)
	}

	f.store.getErr = errors.New("connection refused")
	_, err = f.svc.GetStatus(context.Background(), f.user.UserID)
	if apperr.KindOf(err) != apperr.KindUpstream {
		t.Fatalf("store failure must be distinguishable from not subscribed, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Cancel(context.Background(), f.user); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.Create(context.Background(), f.user, f.params(PlanMonthly, nil)); err != nil {
		t.Fatal(err)
	}
	sub, err := f.svc.Cancel(context.Background(), f.user)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != StatusCanceled || sub.CanceledAt == nil {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if got, _ := f.svc.GetStatus(context.Background(), f.user.UserID); got != nil {
		t.Fatal("canceled subscription must not be reported")
	}
}

type tokenVerifier map[string]*authz.Identity

func (v tokenVerifier) Verify(_ context.Context, token string) (*authz.Identity, error) {
	id, ok := v[token]
	if !ok {
		return nil, apperr.Unauthenticated("invalid or expired session")
	}
	return id, nil
}

func TestHandlers(t *testing.T) {
	f := newFixture()
	v, err := validate.New()
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(f.svc, v)
	authn := middleware.Authenticate(tokenVerifier{"user": f.user}, "bw_session")
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/subscriptions", authn(http.HandlerFunc(h.Create)))
	mux.Handle("GET /api/v1/subscriptions/status", authn(http.HandlerFunc(h.Status)))

	call := func(method, path, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := call(http.MethodGet, "/api/v1/subscriptions/status", "user", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"subscribed":false`) {
		t.Fatalf("expected subscribed:false, got %d %s", rec.Code, rec.Body.String())
	}

	if rec := call(http.MethodPost, "/api/v1/subscriptions", "", `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	body := `{"companyId":"` + f.company.String() + `","email":"ops@acme.test","planType":"weekly"}`
	if rec := call(http.MethodPost, "/api/v1/subscriptions", "user", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown plan, got %d", rec.Code)
	}

	body = `{"companyId":"` + f.company.String() + `","email":"ops@acme.test","planType":"yearly","startDate":"2025-01-10T00:00:00Z"}`
	rec = call(http.MethodPost, "/api/v1/subscriptions", "user", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var env struct {
		Data Response `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Data.PlanType != "yearly" || !env.Data.NextBillingDate.Equal(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected response %+v", env.Data)
	}

	rec = call(http.MethodGet, "/api/v1/subscriptions/status", "user", "")
	if !strings.Contains(rec.Body.String(), `"subscribed":true`) {
		t.Fatalf("expected subscribed:true, got %s", rec.Body.String())
	}
}
