package escrow

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/httpx"
	"github.com/benchwarmers/marketplace/internal/validate"
)

type ProcessRequest struct {
	EscrowPaymentID string  `json:"escrowPaymentId"`
	PaymentMethodID string  `json:"paymentMethodId"`
	PayerCompanyID  *string `json:"payerCompanyId"`
	PayeeCompanyID  *string `json:"payeeCompanyId"`
}

type ProcessResponse struct {
	EscrowPaymentID string `json:"escrowPaymentId"`
	PaymentIntentID string `json:"paymentIntentId"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
}

type PaymentResponse struct {
	ID                string     `json:"id"`
	EngagementID      string     `json:"engagementId"`
	SeekerCompanyID   string     `json:"seekerCompanyId"`
	ProviderCompanyID string     `json:"providerCompanyId"`
	Amount            int64      `json:"amount"`
	Refunded          int64      `json:"refunded"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	PaymentIntentID   *string    `json:"paymentIntentId,omitempty"`
	ProcessedAt       *time.Time `json:"processedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

type Handler struct {
	svc       Service
	validator *validate.Validator
}

func NewHandler(svc Service, v *validate.Validator) *Handler {
	return &Handler{svc: svc, validator: v}
}

// Process handles POST /api/v1/escrow/process.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := h.validator.Decode(r.Body, validate.EscrowProcess, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	params := ProcessParams{PaymentMethodID: req.PaymentMethodID}
	var err error
	if params.EscrowPaymentID, err = uuid.Parse(req.EscrowPaymentID); err != nil {
		httpx.WriteError(w, r, apperr.Validation("invalid request body", apperr.FieldError{Field: "escrowPaymentId", Message: "must be a uuid"}))
		return
	}
	if params.PayerCompanyID, err = optionalUUID(req.PayerCompanyID); err != nil {
		httpx.WriteError(w, r, apperr.Validation("invalid request body", apperr.FieldError{Field: "payerCompanyId", Message: "must be a uuid"}))
		return
	}
	if params.PayeeCompanyID, err = optionalUUID(req.PayeeCompanyID); err != nil {
		httpx.WriteError(w, r, apperr.Validation("invalid request body", apperr.FieldError{Field: "payeeCompanyId", Message: "must be a uuid"}))
		return
	}

	res, err := h.svc.ProcessPayment(r.Context(), authz.FromContext(r.Context()), params)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, r, http.StatusOK, ProcessResponse{
		EscrowPaymentID: res.EscrowPaymentID.String(),
		PaymentIntentID: res.PaymentIntentID,
		Amount:          res.AmountCents,
		Currency:        res.Currency,
		Status:          string(res.Status),
	})
}

// Get handles GET /api/v1/escrow/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, apperr.Validation("invalid escrow payment id"))
		return
	}
	p, err := h.svc.Get(r.Context(), authz.FromContext(r.Context()), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, r, http.StatusOK, PaymentResponse{
		ID:                p.ID.String(),
		EngagementID:      p.EngagementID.String(),
		SeekerCompanyID:   p.SeekerCompanyID.String(),
		ProviderCompanyID: p.ProviderCompanyID.String(),
		Amount:            p.AmountCents,
		Refunded:          p.RefundedCents,
		Currency:          p.Currency,
		Status:            string(p.Status),
		PaymentIntentID:   p.PaymentIntentID,
		ProcessedAt:       p.ProcessedAt,
		CreatedAt:         p.CreatedAt,
	})
}

func optionalUUID(s *string) (*uuid.UUID, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
