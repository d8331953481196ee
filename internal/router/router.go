package router

import (
	"log/slog"
	"net/http"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/auth"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/dispute"
	"github.com/benchwarmers/marketplace/internal/escrow"
	"github.com/benchwarmers/marketplace/internal/health"
	"github.com/benchwarmers/marketplace/internal/httpx"
	"github.com/benchwarmers/marketplace/internal/metrics"
	"github.com/benchwarmers/marketplace/internal/middleware"
	"github.com/benchwarmers/marketplace/internal/review"
	"github.com/benchwarmers/marketplace/internal/sealbox"
	"github.com/benchwarmers/marketplace/internal/subscription"
)

type Handlers struct {
	Auth         *auth.Handler
	Escrow       *escrow.Handler
	Dispute      *dispute.Handler
	Review       *review.Handler
	Subscription *subscription.Handler
	Sealbox      *sealbox.Handler
	Health       *health.Checker
}

type Options struct {
	Logger     *slog.Logger
	Verifier   middleware.Verifier
	Policy     authz.Policy
	CookieName string
	Metrics    *metrics.Collector
	Limiter    *middleware.RateLimiter
}

// New returns the API handler. Chain, outermost first: correlation id,
// request metrics, rate limit, then per-route identity gates.
func New(h Handlers, o Options) http.Handler {
	if o.Policy == nil {
		o.Policy = authz.RolePolicy{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	authn := middleware.Authenticate(o.Verifier, o.CookieName)
	member := gate(authn, o.Policy, authz.RoleMember)
	companyAdmin := gate(authn, o.Policy, authz.RoleCompanyAdmin)
	admin := gate(authn, o.Policy, authz.RoleAdmin)

	mux := http.NewServeMux()
	base := "/api/v1"

	mux.HandleFunc("GET /api/health", h.Health.Handler)
	if o.Metrics != nil {
		mux.Handle("GET /metrics", o.Metrics.Handler())
	}

	mux.HandleFunc("POST "+base+"/auth/register", h.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", h.Auth.Login)
	mux.Handle("POST "+base+"/auth/logout", member(h.Auth.Logout))
	mux.Handle("GET "+base+"/auth/session", member(h.Auth.Session))
	mux.Handle("POST "+base+"/companies/{id}/members", companyAdmin(h.Auth.AddMember))

	mux.Handle("POST "+base+"/escrow/process", companyAdmin(h.Escrow.Process))
	mux.Handle("GET "+base+"/escrow/{id}", member(h.Escrow.Get))

	mux.Handle("POST "+base+"/disputes", member(h.Dispute.Create))
	mux.Handle("GET "+base+"/disputes/{id}", member(h.Dispute.Get))
	mux.Handle("GET "+base+"/admin/disputes", admin(h.Dispute.ListPending))
	mux.Handle("POST "+base+"/admin/disputes/{id}/resolve", admin(h.Dispute.Resolve))

	mux.HandleFunc("GET "+base+"/profiles/{id}/reviews", h.Review.List)
	mux.Handle("POST "+base+"/profiles/{id}/reviews", member(h.Review.Create))

	mux.Handle("POST "+base+"/subscriptions", member(h.Subscription.Create))
	mux.Handle("GET "+base+"/subscriptions/status", member(h.Subscription.Status))
	mux.Handle("POST "+base+"/subscriptions/cancel", member(h.Subscription.Cancel))

	mux.Handle("POST "+base+"/crypto/encrypt", member(h.Sealbox.Encrypt))
	mux.Handle("POST "+base+"/crypto/decrypt", member(h.Sealbox.Decrypt))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, apperr.NotFound("route not found"))
	})

	var handler http.Handler = mux
	if o.Limiter != nil {
		handler = o.Limiter.Handler(handler)
	}
	handler = middleware.Metrics(o.Metrics)(handler)
	return middleware.Correlation(o.Logger)(handler)
}

func gate(authn func(http.Handler) http.Handler, p authz.Policy, role authz.Role) func(http.HandlerFunc) http.Handler {
	require := middleware.RequireRole(p, role)
	return func(fn http.HandlerFunc) http.Handler {
		return authn(require(fn))
	}
}
