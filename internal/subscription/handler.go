package subscription

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/httpx"
	"github.com/benchwarmers/marketplace/internal/validate"
)

type CreateRequest struct {
	CompanyID string     `json:"companyId"`
	Email     string     `json:"email"`
	PlanType  string     `json:"planType"`
	StartDate *time.Time `json:"startDate"`
}

type Response struct {
	ID              string     `json:"id"`
	CompanyID       string     `json:"companyId"`
	PlanType        string     `json:"planType"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	StartDate       time.Time  `json:"startDate"`
	NextBillingDate time.Time  `json:"nextBillingDate"`
	CanceledAt      *time.Time `json:"canceledAt,omitempty"`
}

type StatusResponse struct {
	Subscribed   bool      `json:"subscribed"`
	Subscription *Response `json:"subscription,omitempty"`
}

func toResponse(s *Subscription) *Response {
	return &Response{
		ID:              s.ID.String(),
		CompanyID:       s.CompanyID.String(),
		PlanType:        string(s.PlanType),
		Amount:          s.AmountCents,
		Currency:        s.Currency,
		Status:          string(s.Status),
		StartDate:       s.StartDate,
		NextBillingDate: s.NextBillingDate,
		CanceledAt:      s.CanceledAt,
	}
}

type Handler struct {
	svc       Service
	validator *validate.Validator
}

func NewHandler(svc Service, v *validate.Validator) *Handler {
	return &Handler{svc: svc, validator: v}
}

// Create handles POST /api/v1/subscriptions.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := h.validator.Decode(r.Body, validate.SubscriptionCreate, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	companyID, err := uuid.Parse(req.CompanyID)
	if err != nil {
		httpx.WriteError(w, r, apperr.Validation("invalid request body", apperr.FieldError{Field: "companyId", Message: "must be a uuid"}))
		return
	}
	actor := authz.FromContext(r.Context())
	sub, err := h.svc.Create(r.Context(), actor, CreateParams{
		UserID:    actor.UserID,
		CompanyID: companyID,
		Email:     req.Email,
		PlanType:  Plan(req.PlanType),
		StartDate: req.StartDate,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, r, http.StatusCreated, toResponse(sub))
}

// Status handles GET /api/v1/subscriptions/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.GetStatus(r.Context(), authz.FromContext(r.Context()).UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if sub == nil {
		httpx.WriteSuccess(w, r, http.StatusOK, StatusResponse{})
		return
	}
	httpx.WriteSuccess(w, r, http.StatusOK, StatusResponse{Subscribed: true, Subscription: toResponse(sub)})
}

// Cancel handles POST /api/v1/subscriptions/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.Cancel(r.Context(), authz.FromContext(r.Context()))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, r, http.StatusOK, toResponse(sub))
}
