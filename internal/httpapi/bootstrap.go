package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/inkwell-labs/notesync/internal/apierr"
	"github.com/inkwell-labs/notesync/internal/authn"
	"github.com/inkwell-labs/notesync/internal/changelog"
	"github.com/inkwell-labs/notesync/internal/syncservice"
)

type bootstrapRequest struct {
	Notes             []*changelog.Note `json:"notes"`
	SourceFingerprint string            `json:"sourceFingerprint"`
}

// handleBootstrap serves POST /api/v2/sync/bootstrap.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	userID := authn.UserID(r.Context())
	deviceID := authn.DeviceID(r.Context())

	var req bootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierr.BadRequest("invalid request body"))
		return
	}
	if len(req.Notes) > syncservice.MaxBootstrapNotes {
		writeAPIError(w, apierr.BadRequest("notes must have at most 5000 entries"))
		return
	}

	result, apiErr := s.Sync.Bootstrap(r.Context(), userID, deviceID, req.Notes, req.SourceFingerprint)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
