package auth

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/httpx"
	"github.com/benchwarmers/marketplace/internal/logging"
	"github.com/benchwarmers/marketplace/internal/validate"
)

type RegisterRequest struct {
	Email       string          `json:"email"`
	Password    string          `json:"password"`
	DisplayName string          `json:"displayName"`
	Company     *CompanyRequest `json:"company"`
}

type CompanyRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type AddMemberRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UserResponse struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"displayName,omitempty"`
	Role        string  `json:"role"`
	CompanyID   *string `json:"companyId,omitempty"`
}

type LoginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      UserResponse `json:"user"`
}

type SessionResponse struct {
	User      UserResponse `json:"user"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

type Handler struct {
	svc          Service
	validator    *validate.Validator
	cookieName   string
	secureCookie bool
}

func NewHandler(svc Service, v *validate.Validator, cookieName string, secureCookie bool) *Handler {
	return &Handler{svc: svc, validator: v, cookieName: cookieName, secureCookie: secureCookie}
}

// Register handles POST /api/v1/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := h.validator.Decode(r.Body, validate.AuthRegister, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p := RegisterParams{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	}
	if req.Company != nil {
		p.Company = &NewCompany{Name: req.Company.Name, Kind: req.Company.Kind}
	}
	u, err := h.svc.Register(r.Context(), p)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("user registered", "user_id", u.ID, "role", u.Role)
	httpx.WriteSuccess(w, r, http.StatusCreated, userToResponse(u.ID, u.Email, u.DisplayName, u.Role, u.CompanyID))
}

// AddMember handles POST /api/v1/companies/{id}/members.
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	companyID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, apperr.Validation("invalid company id"))
		return
	}
	var req AddMemberRequest
	if err := h.validator.Decode(r.Body, validate.CompanyMemberAdd, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	u, err := h.svc.AddMember(r.Context(), authz.FromContext(r.Context()), AddMemberParams{
		CompanyID: companyID,
		Email:     req.Email,
		Role:      authz.Role(req.Role),
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("company member added", "user_id", u.ID, "company_id", companyID, "role", u.Role)
	httpx.WriteSuccess(w, r, http.StatusOK, userToResponse(u.ID, u.Email, u.DisplayName, u.Role, u.CompanyID))
}

// Login handles POST /api/v1/auth/login. The token is returned in the body
// and set as an HttpOnly session cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := h.validator.Decode(r.Body, validate.AuthLogin, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    res.Token,
		Path:     "/",
		Expires:  res.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	u := res.User
	httpx.WriteSuccess(w, r, http.StatusOK, LoginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
		User:      userToResponse(u.ID, u.Email, u.DisplayName, u.Role, u.CompanyID),
	})
}

// Logout handles POST /api/v1/auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	id := authz.FromContext(r.Context())
	if id == nil {
		httpx.WriteError(w, r, apperr.Unauthenticated("authentication required"))
		return
	}
	if err := h.svc.Logout(r.Context(), id); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	httpx.WriteSuccess(w, r, http.StatusOK, map[string]bool{"loggedOut": true})
}

// Session handles GET /api/v1/auth/session.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	id := authz.FromContext(r.Context())
	if id == nil {
		httpx.WriteError(w, r, apperr.Unauthenticated("authentication required"))
		return
	}
	httpx.WriteSuccess(w, r, http.StatusOK, SessionResponse{
		User:      userToResponse(id.UserID, id.Email, "", id.Role, id.CompanyID),
		ExpiresAt: id.ExpiresAt,
	})
}

func userToResponse(id uuid.UUID, email, displayName string, role authz.Role, companyID *uuid.UUID) UserResponse {
	out := UserResponse{ID: id.String(), Email: email, DisplayName: displayName, Role: string(role)}
	if companyID != nil {
		s := companyID.String()
		out.CompanyID = &s
	}
	return out
}
