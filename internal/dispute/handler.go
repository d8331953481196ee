package dispute

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
	EngagementID    string  `json:"engagementId"`
	EscrowPaymentID *string `json:"escrowPaymentId"`
	Reason          string  `json:"reason"`
	Description     string  `json:"description"`
}

type ResolveRequest struct {
	Resolution   string `json:"resolution"`
	AdminNotes   string `json:"adminNotes"`
	RefundAmount *int64 `json:"refundAmount"`
}

type Response struct {
	ID              string     `json:"id"`
	EngagementID    string     `json:"engagementId"`
	EscrowPaymentID *string    `json:"escrowPaymentId,omitempty"`
	RaisedBy        string     `json:"raisedBy"`
	Reason          string     `json:"reason"`
	Description     string     `json:"description"`
	Status          string     `json:"status"`
	Resolution      *string    `json:"resolution,omitempty"`
	AdminNotes      *string    `json:"adminNotes,omitempty"`
	RefundAmount    *int64     `json:"refundAmount,omitempty"`
	ResolvedBy      *string    `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type ListResponse struct {
	Disputes   []Response       `json:"disputes"`
	Pagination httpx.Pagination `json:"pagination"`
}

func toResponse(d *Dispute) Response {
	out := Response{
		ID:           d.ID.String(),
		EngagementID: d.EngagementID.String(),
		RaisedBy:     d.RaisedBy.String(),
		Reason:       d.Reason,
		Description:  d.Description,
		Status:       string(d.Status),
		AdminNotes:   d.AdminNotes,
		RefundAmount: d.RefundAmountCents,
		ResolvedAt:   d.ResolvedAt,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.EscrowPaymentID != nil {
		s := d.EscrowPaymentID.String()
		out.EscrowPaymentID = &s
	}
	if d.Resolution != nil {
		s := string(*d.Resolution)
		out.Resolution = &s
	}
	if d.ResolvedBy != nil {
		s := d.ResolvedBy.String()
		out.ResolvedBy = &s
	}
	return out
}

type Handler struct {
	svc       Service
	validator *validate.Validator
}

func NewHandler(svc Service, v *validate.Validator) *Handler {
	return &Handler{svc: svc, validator: v}
}

// Create handles POST /api/v1/disputes.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := h.validator.Decode(r.Body, validate.DisputeCreate, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	engagementID, err := uuid.Parse(req.EngagementID)
	if err != nil {
		httpx.WriteError(w, r, apperr.Validation("invalid request body", apperr.FieldError{Field: "engagementId", Message: "must be a uuid"}))
		return
	}
	params := CreateParams{EngagementID: engagementID, Reason: req.Reason, Description: req.Description}
	if req.EscrowPaymentID != nil && *req.EscrowPaymentID != "" {
		id, err := uuid.Parse(*req.EscrowPaymentID)
		if err != nil {
			httpx.WriteError(w, r, apperr.Validation("invalid request body", apperr.FieldError{Field: "escrowPaymentId", Message: "must be a uuid"}))
			return
		}
		params.EscrowPaymentID = &id
	}

	d, err := h.svc.Create(r.Context(), authz.FromContext(r.Context()), params)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, r, http.StatusCreated, toResponse(d))
}

// Get handles GET /api/v1/disputes/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, apperr.Validation("invalid dispute id"))
		return
	}
	d, err := h.svc.Get(r.Context(), authz.FromContext(r.Context()), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, r, http.StatusOK, toResponse(d))
}

// ListPending handles GET /api/v1/admin/disputes.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	page, err := httpx.ParsePage(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	listing, err := h.svc.ListPending(r.Context(), page)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	out := ListResponse{Disputes: make([]Response, 0, len(listing.Disputes)), Pagination: listing.Pagination}
	for i := range listing.Disputes {
		out.Disputes = append(out.Disputes, toResponse(&listing.Disputes[i]))
	}
	httpx.WriteSuccess(w, r, http.StatusOK, out)
}

// Resolve handles POST /api/v1/admin/disputes/{id}/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, apperr.Validation("invalid dispute id"))
		return
	}
	var req ResolveRequest
	if err := h.validator.Decode(r.Body, validate.DisputeResolve, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	d, err := h.svc.Resolve(r.Context(), authz.FromContext(r.Context()), ResolveParams{
		DisputeID:         id,
		Resolution:        Resolution(req.Resolution),
		AdminNotes:        req.AdminNotes,
		RefundAmountCents: req.RefundAmount,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, r, http.StatusOK, toResponse(d))
}
