// Package httpapi holds the small shared surface of the HTTP handlers:
// JSON encoding, error translation, and request decoding.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/agentbazaar/backend/internal/apperr"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a service error through the apperr taxonomy,
// logging server-side faults.
func WriteError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 && log != nil {
		log.Error("request failed", "error", err)
	}
	WriteJSON(w, status, map[string]string{"error": apperr.Message(err)})
}

// Decode parses a JSON request body into dst. A body that is too large
// surfaces as 413, anything else malformed as 400.
func Decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return apperr.New(apperr.KindTooLarge, "request body too large")
		}
		return apperr.Validation("invalid JSON body")
	}
	return nil
}
