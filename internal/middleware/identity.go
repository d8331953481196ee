package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/httpx"
	"github.com/benchwarmers/marketplace/internal/logging"
)

// Verifier resolves a session token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*authz.Identity, error)
}

var errAuthRequired = apperr.Unauthenticated("authentication required")

// Authenticate resolves the caller from a Bearer token or the session cookie
// and stores the identity on the request context. Requests without a valid
// session never reach next.
func Authenticate(v Verifier, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" && cookieName != "" {
				if c, err := r.Cookie(cookieName); err == nil {
					raw = c.Value
				}
			}
			if raw == "" {
				httpx.WriteError(w, r, errAuthRequired)
				return
			}

			id, err := v.Verify(r.Context(), raw)
			if err != nil {
				if apperr.KindOf(err) == apperr.KindUnauthenticated {
					err = errAuthRequired
				}
				httpx.WriteError(w, r, err)
				return
			}

			ctx := authz.WithIdentity(r.Context(), id)
			log := logging.FromContext(ctx).With("user_id", id.UserID.String(), "role", string(id.Role))
			ctx = logging.WithLogger(ctx, log)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects identities the policy does not allow with 403. It must
// run after Authenticate; a missing identity is treated as unauthenticated.
func RequireRole(p authz.Policy, role authz.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := authz.FromContext(r.Context())
			if id == nil {
				httpx.WriteError(w, r, errAuthRequired)
				return
			}
			if d := p.Allow(id, role); !d.Allowed {
				logging.FromContext(r.Context()).Info("access denied", "reason", d.Reason, "path", r.URL.Path)
				httpx.WriteError(w, r, apperr.Forbidden("insufficient permissions"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
