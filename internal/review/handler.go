package review

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
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type Response struct {
	ID         string    `json:"id"`
	ProfileID  string    `json:"profileId"`
	ReviewerID string    `json:"reviewerId"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type ListResponse struct {
	Reviews       []Response       `json:"reviews"`
	Pagination    httpx.Pagination `json:"pagination"`
	AverageRating float64          `json:"averageRating"`
}

func toResponse(rv *Review) Response {
	return Response{
		ID:         rv.ID.String(),
		ProfileID:  rv.ProfileID.String(),
		ReviewerID: rv.ReviewerID.String(),
		Rating:     rv.Rating,
		Comment:    rv.Comment,
		CreatedAt:  rv.CreatedAt,
	}
}

type Handler struct {
	svc       Service
	validator *validate.Validator
}

func NewHandler(svc Service, v *validate.Validator) *Handler {
	return &Handler{svc: svc, validator: v}
}

func profileID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid profile id")
	}
	return id, nil
}

// List handles GET /api/v1/profiles/{id}/reviews.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	id, err := profileID(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	page, err := httpx.ParsePage(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	listing, err := h.svc.List(r.Context(), id, page)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	out := ListResponse{
		Reviews:       make([]Response, 0, len(listing.Reviews)),
		Pagination:    listing.Pagination,
		AverageRating: listing.AverageRating,
	}
	for i := range listing.Reviews {
		out.Reviews = append(out.Reviews, toResponse(&listing.Reviews[i]))
	}
	httpx.WriteSuccess(w, r, http.StatusOK, out)
}

// Create handles POST /api/v1/profiles/{id}/reviews.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	id, err := profileID(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var req CreateRequest
	if err := h.validator.Decode(r.Body, validate.ReviewCreate, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rv, err := h.svc.Create(r.Context(), authz.FromContext(r.Context()), CreateParams{
		ProfileID: id,
		Rating:    req.Rating,
		Comment:   req.Comment,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, r, http.StatusCreated, toResponse(rv))
}
