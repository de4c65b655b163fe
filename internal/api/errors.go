package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wtthornton/tappsha-core/internal/approval"
	"github.com/wtthornton/tappsha-core/internal/auth"
	"github.com/wtthornton/tappsha-core/internal/backup"
	"github.com/wtthornton/tappsha-core/internal/emergency"
	"github.com/wtthornton/tappsha-core/internal/lifecycle"
	"github.com/wtthornton/tappsha-core/internal/suggestion"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeNotFound          = "not_found"
	ErrCodeUnauthorized      = "unauthorised"
	ErrCodeForbidden         = "forbidden"
	ErrCodeConflict          = "conflict"
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeAlreadyProcessing = "already_processing"
	ErrCodeIntegrity         = "integrity_error"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeInternal          = "internal_error"
	ErrCodeValidation        = "validation_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeConflict writes a 409 error response.
func writeConflict(w http.ResponseWriter, message string) {
	writeError(w, http.StatusConflict, ErrCodeConflict, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps governance domain errors onto HTTP responses.
// Unknown errors become 500s with a generic message; the cause is logged
// by the caller, not leaked to the client.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, backup.ErrNotFound),
		errors.Is(err, emergency.ErrNotFound),
		errors.Is(err, suggestion.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeNotFound(w, err.Error())

	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrRetired):
		writeError(w, http.StatusConflict, ErrCodeInvalidTransition, err.Error())

	case errors.Is(err, approval.ErrAlreadyProcessing):
		writeError(w, http.StatusConflict, ErrCodeAlreadyProcessing, err.Error())

	case errors.Is(err, approval.ErrConflict),
		errors.Is(err, lifecycle.ErrExists),
		errors.Is(err, emergency.ErrRecoveryInProgress),
		errors.Is(err, emergency.ErrRecoveryDone),
		errors.Is(err, suggestion.ErrDecided),
		errors.Is(err, auth.ErrUsernameExists):
		writeConflict(w, err.Error())

	case errors.Is(err, backup.ErrIntegrity):
		writeError(w, http.StatusConflict, ErrCodeIntegrity, err.Error())

	case errors.Is(err, backup.ErrMismatch),
		errors.Is(err, approval.ErrInvalidRequest),
		errors.Is(err, suggestion.ErrInvalidSuggestion),
		errors.Is(err, lifecycle.ErrInvalidAutomation):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())

	case errors.Is(err, auth.ErrForbidden):
		writeForbidden(w, err.Error())

	default:
		s.logger.Error("unhandled domain error", "error", err)
		writeInternalError(w, "internal server error")
	}
}
