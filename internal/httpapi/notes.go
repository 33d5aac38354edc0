package httpapi

import (
	"net/http"

	"github.com/inkwell-labs/notesync/internal/authn"
)

// handleSnapshot serves GET /api/v2/notes?includeDeleted=<bool> — the
// initial-hydrate operation.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := authn.UserID(r.Context())
	includeDeleted := r.URL.Query().Get("includeDeleted") == "true"

	result, apiErr := s.Sync.Snapshot(r.Context(), userID, includeDeleted)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
