package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell-labs/notesync/internal/apierr"
	"github.com/inkwell-labs/notesync/internal/authn"
)

// handleListDevices serves GET /api/v2/devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	userID := authn.UserID(r.Context())

	devices, err := authn.ListDevices(r.Context(), s.DB, userID)
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to list devices", err))
		return
	}
	if devices == nil {
		devices = []authn.DeviceInfo{}
	}

	writeJSON(w, http.StatusOK, struct {
		Devices         []authn.DeviceInfo `json:"devices"`
		CurrentDeviceID string             `json:"currentDeviceId"`
	}{Devices: devices, CurrentDeviceID: authn.DeviceID(r.Context())})
}

// handleRevokeDevice serves POST /api/v2/devices/{id}/revoke.
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	userID := authn.UserID(r.Context())
	deviceID := chi.URLParam(r, "id")

	revoked, err := authn.RevokeDevice(r.Context(), s.DB, userID, deviceID)
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to revoke device", err))
		return
	}
	if !revoked {
		writeJSON(w, http.StatusNotFound, struct {
			Error string `json:"error"`
		}{Error: "device not found or already revoked"})
		return
	}

	writeJSON(w, http.StatusOK, struct {
		OK               bool   `json:"ok"`
		RevokedDeviceID string `json:"revokedDeviceId"`
	}{OK: true, RevokedDeviceID: deviceID})
}
