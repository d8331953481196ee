// Package httpx formats handler results into the JSON envelope every route
// returns.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/logging"
)

type successEnvelope struct {
	Success       bool   `json:"success"`
	Data          any    `json:"data,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type errorEnvelope struct {
	Success       bool                `json:"success"`
	Error         string              `json:"error"`
	Details       []apperr.FieldError `json:"details,omitempty"`
	CorrelationID string              `json:"correlationId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteJSON writes v as-is, without the envelope.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

func WriteSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, successEnvelope{
		Success:       true,
		Data:          data,
		CorrelationID: logging.CorrelationID(r.Context()),
	})
}

// WriteError maps err to a status and writes the failure envelope. Upstream
// and unclassified failures are logged with their cause and rendered with a
// generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	log := logging.FromContext(ctx)

	kind := apperr.KindOf(err)
	status := apperr.Status(kind)
	env := errorEnvelope{CorrelationID: logging.CorrelationID(ctx)}

	if ae, ok := apperr.As(err); ok && apperr.Exposable(kind) {
		env.Error = ae.Message
		env.Details = ae.Details
		log.Info("request rejected", "kind", kind.String(), "status", status, "error", ae.Message)
	} else {
		env.Error = "internal server error"
		if kind == apperr.KindUpstream {
			env.Error = "request could not be processed"
		}
		log.Error("request failed", "kind", kind.String(), "status", status, "error", err)
	}
	writeJSON(w, status, env)
}
