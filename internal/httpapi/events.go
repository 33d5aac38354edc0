package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/inkwell-labs/notesync/internal/apierr"
	"github.com/inkwell-labs/notesync/internal/authn"
	"github.com/inkwell-labs/notesync/internal/realtime"
	"github.com/inkwell-labs/notesync/internal/streamticket"
)

// handleIssueTicket serves POST /api/v2/events/ticket: exchanges the
// authenticated request for a single-use, HTTP-only cookie scoped to the
// SSE route, since EventSource cannot carry an Authorization header.
func (s *Server) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	externalID := authn.ExternalID(r.Context())
	deviceID := authn.DeviceID(r.Context())

	ticket, claims, err := s.TicketMinter.Mint(externalID, deviceID)
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to mint stream ticket", err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     streamticket.CookieName,
		Value:    ticket,
		Path:     "/api/v2/events",
		HttpOnly: true,
		Secure:   cookieSecure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.TicketTTL.Seconds()),
	})

	writeJSON(w, http.StatusOK, struct {
		OK        bool  `json:"ok"`
		ExpiresAt int64 `json:"expiresAt"`
	}{OK: true, ExpiresAt: claims.Expiry * 1000})
}

// cookieSecure reports whether the Secure cookie attribute should be set:
// required for every host except loopback, where local development over
// plain HTTP needs to work.
func cookieSecure(r *http.Request) bool {
	host := r.Host
	if idx := strings.LastIndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return host != "localhost" && host != "127.0.0.1" && host != "::1"
}

const heartbeatInterval = 20 * time.Second

// handleEvents serves GET /api/v2/events: the SSE handshake. It does not
// pass through the Gate middleware — authentication here is the single-use
// stream ticket cookie, not the bearer credential (§4.7).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(streamticket.CookieName)
	if err != nil || cookie.Value == "" {
		writeAPIError(w, apierr.StreamTicketRequired())
		return
	}

	claims, apiErr := s.TicketConsume.Consume(r.Context(), cookie.Value)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	userID, err := authn.ResolveUserID(r.Context(), s.DB, claims.Sub)
	if err != nil {
		writeAPIError(w, apierr.Internal("failed to resolve user for stream", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, apierr.InternalError())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events := make(chan realtime.SyncEvent, 16)
	unsubscribe := s.Hub.Subscribe(func(evt realtime.SyncEvent) {
		if evt.UserID != userID {
			return
		}
		select {
		case events <- evt:
		default:
		}
	})
	defer unsubscribe()

	fmt.Fprintf(w, "event: ready\ndata: {\"connectedAt\":%d}\n\n", time.Now().UnixMilli())
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"ts\":%d}\n\n", time.Now().UnixMilli())
			flusher.Flush()
		case evt := <-events:
			fmt.Fprintf(w, "event: sync\ndata: {\"cursor\":%d,\"ts\":%d}\n\n", evt.Cursor, time.Now().UnixMilli())
			flusher.Flush()
		}
	}
}
