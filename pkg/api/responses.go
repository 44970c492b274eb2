package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/psantana5/stormwater/pkg/dispatcher"
	"github.com/psantana5/stormwater/pkg/models"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// FieldError describes one rejected input field
type FieldError struct {
	Loc string `json:"loc"`
	Msg string `json:"msg"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, details interface{}) {
	writeJSON(w, status, ErrorResponse{Message: message, Details: details})
}

func invalidInput(w http.ResponseWriter, errs ...FieldError) {
	writeError(w, http.StatusBadRequest, "invalid input payload", map[string]interface{}{"errors": errs})
}

// writeSubmitError maps dispatcher errors onto status codes
func (h *Handler) writeSubmitError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		invalidInput(w, FieldError{Loc: verr.Field, Msg: verr.Message})
	case errors.Is(err, dispatcher.ErrInvalidGeometry):
		invalidInput(w, FieldError{Loc: "subcatchments", Msg: err.Error()})
	case errors.Is(err, dispatcher.ErrQueueFull),
		errors.Is(err, dispatcher.ErrStopped),
		errors.Is(err, dispatcher.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, err.Error(), nil)
	default:
		h.internalError(w, "Submission failed", err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, map[string]interface{}{"error": err})
	writeError(w, http.StatusInternalServerError, "internal server error", nil)
}
