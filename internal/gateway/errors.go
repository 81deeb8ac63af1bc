package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// errorBody is the structured error envelope every failure response carries.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Service   string `json:"service,omitempty"`
}

// statusFor maps the domain error taxonomy to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, domain.ErrConnection), errors.Is(err, domain.ErrProvider):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, domain.ErrConfig):
		return http.StatusInternalServerError, "config_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, service string) {
	status, code := statusFor(err)
	writeErrorStatus(w, r, status, code, err.Error(), service)
}

func writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, code, message, service string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
		Service:   service,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
