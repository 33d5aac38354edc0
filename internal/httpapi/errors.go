package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/inkwell-labs/notesync/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeAPIError emits the {error: {code, message, retryable}} envelope and
// sets Retry-After when the error carries a suggested backoff.
func writeAPIError(w http.ResponseWriter, e *apierr.Error) {
	if e.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(e.RetryAfterMs/1000, 10))
	}
	writeJSON(w, e.HTTPStatus, struct {
		Error *apierr.Error `json:"error"`
	}{Error: e})
}
