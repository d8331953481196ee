// Package authz decides whether a resolved identity may perform an action.
package authz

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleMember       Role = "member"
	RoleCompanyAdmin Role = "company_admin"
	RoleAdmin        Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleMember:
		return 1
	case RoleCompanyAdmin:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

func (r Role) Valid() bool { return r.rank() > 0 }

// Identity is the caller resolved from the session.
type Identity struct {
	UserID    uuid.UUID
	Email     string
	Role      Role
	CompanyID *uuid.UUID
	SessionID uuid.UUID
	ExpiresAt time.Time
}

func (id *Identity) IsAdmin() bool { return id != nil && id.Role == RoleAdmin }

type Decision struct {
	Allowed bool
	Reason  string
}

// Policy answers capability checks independently of any handler.
type Policy interface {
	Allow(id *Identity, required Role) Decision
}

// RolePolicy allows an identity whose role ranks at or above the required role.
type RolePolicy struct{}

var _ Policy = RolePolicy{}

func (RolePolicy) Allow(id *Identity, required Role) Decision {
	if id == nil {
		return Decision{Reason: "no identity"}
	}
	if !id.Role.Valid() {
		return Decision{Reason: "unknown role " + string(id.Role)}
	}
	if id.Role.rank() < required.rank() {
		return Decision{Reason: "requires role " + string(required)}
	}
	return Decision{Allowed: true}
}

// CanActForCompany reports whether id belongs to companyID or is an admin.
func CanActForCompany(id *Identity, companyID uuid.UUID) bool {
	if id == nil {
		return false
	}
	if id.IsAdmin() {
		return true
	}
	return id.CompanyID != nil && *id.CompanyID == companyID
}

type contextKey string

const ctxIdentityKey contextKey = "identity"

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

// FromContext returns the authenticated identity or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxIdentityKey).(*Identity)
	return id
}
