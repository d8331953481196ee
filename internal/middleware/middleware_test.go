package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/logging"
	"github.com/benchwarmers/marketplace/internal/metrics"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type stubVerifier struct {
	identity *authz.Identity
	err      error
	calls    int
	token    string
}

func (s *stubVerifier) Verify(_ context.Context, token string) (*authz.Identity, error) {
	s.calls++
	s.token = token
	return s.identity, s.err
}

type countingHandler struct {
	calls    int
	identity *authz.Identity
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls++
	h.identity = authz.FromContext(r.Context())
	w.WriteHeader(http.StatusOK)
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return env
}

// ---------------------------------------------------------------------------
// Authenticate / RequireRole
// ---------------------------------------------------------------------------

func TestAuthenticate_BearerToken(t *testing.T) {
	id := &authz.Identity{UserID: uuid.New(), Role: authz.RoleMember}
	v := &stubVerifier{identity: id}
	next := &countingHandler{}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	rec := httptest.NewRecorder()
	Authenticate(v, "bw_session")(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if v.token != "tok-123" {
		t.Errorf("expected verifier to receive tok-123, got %q", v.token)
	}
	if next.identity == nil || next.identity.UserID != id.UserID {
		t.Errorf("expected identity on context, got %+v", next.identity)
	}
}

func TestAuthenticate_SessionCookie(t *testing.T) {
	v := &stubVerifier{identity: &authz.Identity{UserID: uuid.New(), Role: authz.RoleMember}}
	next := &countingHandler{}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "bw_session", Value: "cookie-tok"})
	rec := httptest.NewRecorder()
	Authenticate(v, "bw_session")(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || v.token != "cookie-tok" {
		t.Fatalf("expected cookie token to be verified, got %d token=%q", rec.Code, v.token)
	}
}

func TestAuthenticate_MissingCredentials(t *testing.T) {
	cases := []struct {
		name   string
		header string
	}{
		{"no header at all", ""},
		{"empty bearer", "Bearer "},
		{"wrong scheme", "Basic abc123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := &stubVerifier{}
			next := &countingHandler{}
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			Authenticate(v, "bw_session")(next).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
			if next.calls != 0 || v.calls != 0 {
				t.Errorf("expected no downstream calls, got handler=%d verifier=%d", next.calls, v.calls)
			}
			env := decodeEnvelope(t, rec)
			if env["success"] != false || env["error"] != "authentication required" {
				t.Errorf("unexpected envelope: %v", env)
			}
		})
	}
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	v := &stubVerifier{err: apperr.Unauthenticated("invalid or expired session")}
	next := &countingHandler{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec := httptest.NewRecorder()
	Authenticate(v, "")(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if next.calls != 0 {
		t.Fatal("handler must not run for invalid token")
	}
}

func TestAuthenticate_VerifierUpstreamFailure(t *testing.T) {
	v := &stubVerifier{err: apperr.Upstream("check session revocation", errors.New("dial tcp: refused"))}
	next := &countingHandler{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	Authenticate(v, "")(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "refused") {
		t.Fatalf("upstream cause leaked into body: %s", rec.Body.String())
	}
}

func TestRequireRole(t *testing.T) {
	company := uuid.New()
	cases := []struct {
		name     string
		identity *authz.Identity
		required authz.Role
		want     int
	}{
		{"no identity", nil, authz.RoleMember, http.StatusUnauthorized},
		{"member on admin route", &authz.Identity{UserID: uuid.New(), Role: authz.RoleMember}, authz.RoleAdmin, http.StatusForbidden},
		{"company admin on admin route", &authz.Identity{UserID: uuid.New(), Role: authz.RoleCompanyAdmin, CompanyID: &company}, authz.RoleAdmin, http.StatusForbidden},
		{"company admin on company route", &authz.Identity{UserID: uuid.New(), Role: authz.RoleCompanyAdmin, CompanyID: &company}, authz.RoleCompanyAdmin, http.StatusOK},
		{"admin on admin route", &authz.Identity{UserID: uuid.New(), Role: authz.RoleAdmin}, authz.RoleAdmin, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next := &countingHandler{}
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.identity != nil {
				req = req.WithContext(authz.WithIdentity(req.Context(), tc.identity))
			}
			rec := httptest.NewRecorder()
			RequireRole(authz.RolePolicy{}, tc.required)(next).ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			wantCalls := 0
			if tc.want == http.StatusOK {
				wantCalls = 1
			}
			if next.calls != wantCalls {
				t.Fatalf("expected %d handler calls, got %d", wantCalls, next.calls)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Correlation
// ---------------------------------------------------------------------------

func TestCorrelation_GeneratesAndEchoes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.CorrelationID(r.Context())
		logging.FromContext(r.Context()).Info("inside")
	})

	rec := httptest.NewRecorder()
	Correlation(logger)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("expected generated uuid, got %q", seen)
	}
	if rec.Header().Get(HeaderCorrelationID) != seen {
		t.Errorf("header %q != context %q", rec.Header().Get(HeaderCorrelationID), seen)
	}
	if !strings.Contains(buf.String(), `"correlation_id":"`+seen+`"`) {
		t.Errorf("expected correlation id in log line, got %s", buf.String())
	}
}

func TestCorrelation_UsesIncomingHeader(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.CorrelationID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	Correlation(logger)(next).ServeHTTP(rec, req)

	if seen != "req-42" || rec.Header().Get(HeaderCorrelationID) != "req-42" {
		t.Fatalf("expected req-42 to be propagated, got ctx=%q header=%q", seen, rec.Header().Get(HeaderCorrelationID))
	}
}

func TestCorrelation_AppearsInErrorBody(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	v := &stubVerifier{}
	h := Correlation(logger)(Authenticate(v, "")(&countingHandler{}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, "corr-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec)
	if env["correlationId"] != "corr-7" {
		t.Fatalf("expected correlationId corr-7 in body, got %v", env)
	}
}

// ---------------------------------------------------------------------------
// RateLimit / Metrics
// ---------------------------------------------------------------------------

func TestRateLimiter_RejectsAfterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }
	next := &countingHandler{}
	h := rl.Handler(next)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
	if next.calls != 2 {
		t.Fatalf("expected 2 handler calls, got %d", next.calls)
	}

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected second client to pass, got %d", rec.Code)
	}
}

func TestRateLimiter_KeysByClientIPOnly(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }
	h := rl.Handler(&countingHandler{})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		id := &authz.Identity{UserID: uuid.New(), Role: authz.RoleMember}
		req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(authz.WithIdentity(context.Background(), id))
		req.RemoteAddr = "10.0.0.9:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("callers behind one IP share a bucket, got %v", codes)
	}
	if len(rl.limiters) != 1 {
		t.Fatalf("expected one bucket, got %d", len(rl.limiters))
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.allow("a")
	now = now.Add(time.Hour)
	rl.allow("b")
	rl.Sweep()
	if _, ok := rl.limiters["a"]; ok {
		t.Error("expected idle bucket a to be swept")
	}
	if _, ok := rl.limiters["b"]; !ok {
		t.Error("expected fresh bucket b to survive")
	}
}

func TestMetrics_RecordsPattern(t *testing.T) {
	m := metrics.New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/escrow/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	Metrics(m)(mux).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/escrow/abc", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 passthrough, got %d", rec.Code)
	}
	out := httptest.NewRecorder()
	m.Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `benchwarmers_http_requests_total{method="GET",route="GET /api/v1/escrow/{id}",status="404"} 1`
	if !strings.Contains(out.Body.String(), want) {
		t.Fatalf("expected %s in exposition", want)
	}
}
