package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/callbridge/callbridge/internal/errdefs"
	"github.com/callbridge/callbridge/internal/session"
)

// envelope is the standard API response wrapper. Success responses carry
// data, failures carry error; never both.
type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

// errorBody carries a stable machine-readable code alongside the message.
// The code disambiguates failures that share a status: session_closed and
// invalid_state_transition both map to 409.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON success response with the given status code and
// data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code,
// error code, and message.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: &errorBody{Code: code, Message: msg}}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// writeDomainError maps subsystem sentinel errors to HTTP statuses in one
// place. Client-caused failures expose the wrapped message; infrastructure
// failures log the detail and return a generic body.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, errdefs.ErrInvalidParticipants):
		writeError(w, http.StatusUnprocessableEntity, "invalid_participants", err.Error())
	case errors.Is(err, errdefs.ErrSessionClosed):
		writeError(w, http.StatusConflict, "session_closed", err.Error())
	case errors.Is(err, errdefs.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "invalid_state_transition", err.Error())
	case errors.Is(err, errdefs.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, session.ErrSignalTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
	case errors.Is(err, errdefs.ErrUploadExhausted):
		writeError(w, http.StatusBadGateway, "upload_exhausted", err.Error())
	case errors.Is(err, errdefs.ErrStorageUnavailable):
		slog.Error("storage unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable")
	default:
		slog.Error("unhandled error in http handler", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
