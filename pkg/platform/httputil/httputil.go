// Package httputil centralizes JSON encoding and domain error translation for
// the HTTP layer so every handler speaks the same envelope.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "custodia/pkg/domain-errors"
)

// WriteJSON writes the payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError maps a coded domain error to its HTTP status. Internal errors
// never leak their message to the client.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	body := map[string]string{"error": string(code)}
	if code != dErrors.CodeInternal {
		body["error_description"] = err.Error()
	}
	WriteJSON(w, statusFor(code), body)
}

// Decode parses the request body into T and reports a validation error to the
// client on failure.
func Decode[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var payload T
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, dErrors.Wrap(dErrors.CodeValidation, "invalid request body", err))
		return payload, false
	}
	return payload, true
}

func statusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeValidation:
		return http.StatusBadRequest
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeConnection, dErrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case dErrors.CodeSubmission, dErrors.CodeQuery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
