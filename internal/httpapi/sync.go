package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/inkwell-labs/notesync/internal/apierr"
	"github.com/inkwell-labs/notesync/internal/authn"
	"github.com/inkwell-labs/notesync/internal/changelog"
)

type pushRequest struct {
	Operations []changelog.Operation `json:"operations"`
}

// validateOperation enforces the schema in spec §6: requestId >= 8 chars,
// op in {upsert, delete}, noteId >= 1 char, baseVersion >= 0,
// clientChangedFields <= 32 entries.
func validateOperation(op changelog.Operation) *apierr.Error {
	if len(op.RequestID) < 8 {
		return apierr.BadRequest("requestId must be at least 8 characters")
	}
	if op.Op != changelog.OpUpsert && op.Op != changelog.OpDelete {
		return apierr.BadRequest("op must be 'upsert' or 'delete'")
	}
	if len(op.NoteID) < 1 {
		return apierr.BadRequest("noteId must be at least 1 character")
	}
	if op.BaseVersion < 0 {
		return apierr.BadRequest("baseVersion must be >= 0")
	}
	if len(op.ClientChangedFields) > 32 {
		return apierr.BadRequest("clientChangedFields must have at most 32 entries")
	}
	return nil
}

// handlePush serves POST /api/v2/sync/push.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	userID := authn.UserID(r.Context())
	deviceID := authn.DeviceID(r.Context())

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierr.BadRequest("invalid request body"))
		return
	}

	if len(req.Operations) > s.Sync.BatchLimit {
		writeAPIError(w, apierr.BadRequest("operations must have at most "+strconv.Itoa(s.Sync.BatchLimit)+" entries"))
		return
	}

	for _, op := range req.Operations {
		if apiErr := validateOperation(op); apiErr != nil {
			writeAPIError(w, apiErr)
			return
		}
	}

	result, apiErr := s.Sync.Push(r.Context(), userID, deviceID, req.Operations)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handlePull serves GET /api/v2/sync/pull?cursor=<int>.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	userID := authn.UserID(r.Context())

	cursor := int64(0)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeAPIError(w, apierr.BadRequest("cursor must be a non-negative integer"))
			return
		}
		cursor = parsed
	}

	result, apiErr := s.Sync.Pull(r.Context(), userID, cursor)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
