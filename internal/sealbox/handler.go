package sealbox

import (
	"net/http"

	"github.com/benchwarmers/marketplace/internal/httpx"
	"github.com/benchwarmers/marketplace/internal/logging"
	"github.com/benchwarmers/marketplace/internal/validate"
)

type EncryptRequest struct {
	Plaintext string `json:"plaintext"`
	Key       string `json:"key"`
}

type DecryptRequest struct {
	Ciphertext string `json:"ciphertext"`
	Key        string `json:"key"`
}

type Handler struct {
	validator *validate.Validator
}

func NewHandler(v *validate.Validator) *Handler {
	return &Handler{validator: v}
}

// Encrypt handles POST /api/v1/crypto/encrypt.
func (h *Handler) Encrypt(w http.ResponseWriter, r *http.Request) {
	var req EncryptRequest
	if err := h.validator.Decode(r.Body, validate.CryptoEncrypt, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	token, err := Seal(req.Key, []byte(req.Plaintext))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Debug("payload sealed", "bytes", len(req.Plaintext))
	httpx.WriteSuccess(w, r, http.StatusOK, map[string]string{"ciphertext": token})
}

// Decrypt handles POST /api/v1/crypto/decrypt.
func (h *Handler) Decrypt(w http.ResponseWriter, r *http.Request) {
	var req DecryptRequest
	if err := h.validator.Decode(r.Body, validate.CryptoDecrypt, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	pt, err := Open(req.Key, req.Ciphertext)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteSuccess(w, r, http.StatusOK, map[string]string{"plaintext": string(pt)})
}
