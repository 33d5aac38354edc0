// Package httpapi wires every component (identity gate, change-log engine,
// push/pull protocol, real-time hub, stream tickets, device sessions,
// health) into the HTTP surface described for the sync backend: a chi
// router with a small set of ordered middleware, grounded on the router
// layout this was adapted from.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/inkwell-labs/notesync/internal/authn"
	"github.com/inkwell-labs/notesync/internal/health"
	"github.com/inkwell-labs/notesync/internal/maintenance"
	"github.com/inkwell-labs/notesync/internal/realtime"
	"github.com/inkwell-labs/notesync/internal/streamticket"
	"github.com/inkwell-labs/notesync/internal/syncservice"
)

// Server holds every dependency HTTP handlers need.
type Server struct {
	DB *pgxpool.Pool

	Gate          *authn.Gate
	Sync          *syncservice.Service
	Hub           *realtime.Hub
	TicketMinter  *streamticket.Minter
	TicketConsume *streamticket.Consumer
	Maintenance   *maintenance.Loop
	Health        *health.Checker

	CORSOrigin    string
	TicketTTL     time.Duration
	RateLimit     RateLimitInfo
	BootstrapRate RateLimitInfo
}

// Routes builds the full router. Liveness and the metrics scrape are
// unauthenticated; every other route passes through the identity & device
// gate except the SSE handshake, which authenticates via stream ticket
// cookie instead (§4.7).
func (s *Server) Routes() http.Handler {
	if s.Maintenance != nil && s.Health != nil && s.Health.Maintenance == nil {
		s.Health.Maintenance = s.maintenanceView
	}

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{s.CORSOrigin},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", authn.DeviceIDHeader, "X-Device-Platform", "x-request-id"},
		ExposedHeaders:   []string{authn.DeviceIDHeader, "Retry-After"},
		AllowCredentials: true,
	}).Handler)

	r.Get("/health", s.Health.LivenessHandler)
	r.Get("/ready", s.Health.ReadinessHandler)
	r.Handle("/metrics", health.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.Gate.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(s.RateLimit))
			r.Get("/api/v2/notes", s.handleSnapshot)
			r.Get("/api/v2/sync/pull", s.handlePull)
			r.Post("/api/v2/sync/push", s.handlePush)
			r.Get("/api/v2/devices", s.handleListDevices)
			r.Post("/api/v2/devices/{id}/revoke", s.handleRevokeDevice)
			r.Post("/api/v2/events/ticket", s.handleIssueTicket)
		})

		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(s.BootstrapRate))
			r.Post("/api/v2/sync/bootstrap", s.handleBootstrap)
		})
	})

	r.Get("/api/v2/events", s.handleEvents)

	log.Info().Msg("HTTP routes registered")
	return r
}

// maintenanceView reports the maintenance loop's last-cycle outcome for
// /ready's dependency aggregation (spec §4.10).
func (s *Server) maintenanceView() health.MaintenanceView {
	result, err := s.Maintenance.LastResult()
	v := health.MaintenanceView{
		NotesPruned:       result.NotesPruned,
		ChangesPruned:     result.ChangesPruned,
		IdempotencyPruned: result.IdempotencyPruned,
	}
	if err != nil {
		v.LastError = err.Error()
	}
	if !result.CompletedAt.IsZero() {
		v.LastCompletedAt = result.CompletedAt.UTC().Format(time.RFC3339)
	}
	return v
}
