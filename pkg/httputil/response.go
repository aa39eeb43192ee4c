// Package httputil provides HTTP handler utilities for consistent error handling,
// JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/observability"
)

// Caller-facing messages. Every denial uses the same text whatever the cause,
// and infrastructure failures never include the underlying error.
const (
	MessageNotPermitted = "not permitted"
	MessageTryAgain     = "temporarily unavailable, try again"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteNotPermitted writes the generic denial. Unauthenticated callers get 401,
// authenticated ones 403; the body is identical.
func WriteNotPermitted(w http.ResponseWriter, authenticated bool) {
	status := http.StatusUnauthorized
	if authenticated {
		status = http.StatusForbidden
	}
	WriteErrorMessage(w, status, MessageNotPermitted)
}

// WriteTryAgain writes the generic infrastructure failure (503)
func WriteTryAgain(w http.ResponseWriter) {
	WriteErrorMessage(w, http.StatusServiceUnavailable, MessageTryAgain)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteAppError maps err onto a caller-facing response and logs the cause.
// Unauthenticated, unauthorized and not-found all answer with the generic
// denial body. Input errors keep their message. Anything else is the generic
// try-again response.
func WriteAppError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.FromContext(r.Context()).WithError(err).
		WithField("method", r.Method).
		WithField("path", r.URL.Path)

	switch {
	case errors.Is(err, apperrors.ErrUnauthenticated):
		logger.Info("Request denied: unauthenticated")
		WriteNotPermitted(w, false)
	case errors.Is(err, apperrors.ErrUnauthorized), errors.Is(err, apperrors.ErrNotFound):
		logger.Info("Request denied")
		WriteNotPermitted(w, true)
	case errors.Is(err, apperrors.ErrInvalidInput):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		WriteErrorMessage(w, http.StatusConflict, err.Error())
	default:
		logger.Error("Request failed")
		WriteTryAgain(w)
	}
}
