package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/authz"
)

var (
	// ErrDuplicateEmail is returned when registering with an email that already exists.
	ErrDuplicateEmail = apperr.Conflict("email already registered")
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = apperr.Unauthenticated("invalid credentials")
	// ErrInvalidToken covers malformed, expired, and revoked session tokens.
	ErrInvalidToken = apperr.Unauthenticated("invalid or expired session")
	// ErrUserNotFound is returned by the store when no row matches.
	ErrUserNotFound = apperr.NotFound("user not found")
	// ErrOtherCompany is returned when adding a user who already belongs to
	// a different company, or who is a platform admin.
	ErrOtherCompany = apperr.Conflict("user belongs to another company")
)

type User struct {
	ID           uuid.UUID
	Email        string
	DisplayName  string
	PasswordHash string
	Role         authz.Role
	CompanyID    *uuid.UUID
	CreatedAt    time.Time
}

// NewCompany is the company a registrant founds. The founder becomes its
// company_admin.
type NewCompany struct {
	Name string
	Kind string
}

// RegisterParams carries no role or company id: self-registration yields a
// member with no company unless it founds a new one.
type RegisterParams struct {
	Email       string
	Password    string
	DisplayName string
	Company     *NewCompany
}

type AddMemberParams struct {
	CompanyID uuid.UUID
	Email     string
	Role      authz.Role
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      User
}

// Store is the persistence the service needs.
type Store interface {
	CreateUser(ctx context.Context, u User) (User, error)
	// CreateFounder inserts c and u, with u.CompanyID set to the new
	// company, in one transaction.
	CreateFounder(ctx context.Context, c NewCompany, u User) (User, error)
	// AssignCompany sets the company and role of the user with email,
	// provided the user has no company or already belongs to companyID.
	AssignCompany(ctx context.Context, email string, companyID uuid.UUID, role authz.Role) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
}

// RevocationStore records logged-out sessions until their token expires.
type RevocationStore interface {
	MarkRevoked(ctx context.Context, sessionID uuid.UUID, expiresAt time.Time) error
	IsRevoked(ctx context.Context, sessionID uuid.UUID) (bool, error)
}

type Service interface {
	Register(ctx context.Context, p RegisterParams) (*User, error)
	AddMember(ctx context.Context, actor *authz.Identity, p AddMemberParams) (*User, error)
	Login(ctx context.Context, email, password string) (LoginResult, error)
	Logout(ctx context.Context, id *authz.Identity) error
	Verify(ctx context.Context, token string) (*authz.Identity, error)
}

type service struct {
	store   Store
	revoked RevocationStore
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewService returns the session service. revoked may be nil, in which case
// logout only clears the client cookie.
func NewService(store Store, revoked RevocationStore, secret string, ttl time.Duration) *service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &service{store: store, revoked: revoked, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Email     string `json:"email"`
	Role      string `json:"role"`
	CompanyID string `json:"company_id,omitempty"`
}

func (s *service) Register(ctx context.Context, p RegisterParams) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	u := User{
		Email:        strings.ToLower(strings.TrimSpace(p.Email)),
		DisplayName:  strings.TrimSpace(p.DisplayName),
		PasswordHash: string(hash),
		Role:         authz.RoleMember,
	}
	if p.Company != nil {
		c := NewCompany{Name: strings.TrimSpace(p.Company.Name), Kind: p.Company.Kind}
		if c.Name == "" || (c.Kind != "seeker" && c.Kind != "provider") {
			return nil, apperr.Validation("invalid company", apperr.FieldError{Field: "company", Message: "name and kind seeker|provider are required"})
		}
		u.Role = authz.RoleCompanyAdmin
		u, err = s.store.CreateFounder(ctx, c, u)
	} else {
		u, err = s.store.CreateUser(ctx, u)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// AddMember attaches an existing user to the actor's company. Only a
// company_admin of that company or a platform admin may do so; the user's
// next login carries the new scope.
func (s *service) AddMember(ctx context.Context, actor *authz.Identity, p AddMemberParams) (*User, error) {
	role := p.Role
	if role == "" {
		role = authz.RoleMember
	}
	if role != authz.RoleMember && role != authz.RoleCompanyAdmin {
		return nil, apperr.Validation("invalid role", apperr.FieldError{Field: "role", Message: "must be member or company_admin"})
	}
	if !actor.IsAdmin() && (actor.Role != authz.RoleCompanyAdmin || !authz.CanActForCompany(actor, p.CompanyID)) {
		return nil, apperr.Forbidden("only an admin of this company can add members")
	}
	u, err := s.store.AssignCompany(ctx, strings.ToLower(strings.TrimSpace(p.Email)), p.CompanyID, role)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	u, err := s.store.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	token, exp, err := s.issueToken(u)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: issue token: %w", err)
	}
	return LoginResult{Token: token, ExpiresAt: exp, User: u}, nil
}

func (s *service) Logout(ctx context.Context, id *authz.Identity) error {
	if id == nil || s.revoked == nil {
		return nil
	}
	if err := s.revoked.MarkRevoked(ctx, id.SessionID, id.ExpiresAt); err != nil {
		return apperr.Upstream("revoke session", err)
	}
	return nil
}

func (s *service) issueToken(u User) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID.String(),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email: u.Email,
		Role:  string(u.Role),
	}
	if u.CompanyID != nil {
		c.CompanyID = u.CompanyID.String()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(s.secret)
	return signed, exp, err
}

// Verify validates the token and returns the identity it carries.
func (s *service) Verify(ctx context.Context, token string) (*authz.Identity, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}
	sessionID, err := uuid.Parse(c.ID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	role := authz.Role(c.Role)
	if !role.Valid() {
		return nil, ErrInvalidToken
	}
	id := &authz.Identity{UserID: userID, Email: c.Email, Role: role, SessionID: sessionID}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	if c.CompanyID != "" {
		companyID, err := uuid.Parse(c.CompanyID)
		if err != nil {
			return nil, ErrInvalidToken
		}
		id.CompanyID = &companyID
	}

	if s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(ctx, sessionID)
		if err != nil {
			return nil, apperr.Upstream("check session revocation", err)
		}
		if revoked {
			return nil, ErrInvalidToken
		}
	}
	return id, nil
}
