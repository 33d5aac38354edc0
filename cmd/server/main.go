package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/inkwell-labs/notesync/internal/authn"
	"github.com/inkwell-labs/notesync/internal/changelog"
	"github.com/inkwell-labs/notesync/internal/config"
	"github.com/inkwell-labs/notesync/internal/db"
	"github.com/inkwell-labs/notesync/internal/db/migrations"
	"github.com/inkwell-labs/notesync/internal/health"
	"github.com/inkwell-labs/notesync/internal/httpapi"
	"github.com/inkwell-labs/notesync/internal/maintenance"
	"github.com/inkwell-labs/notesync/internal/realtime"
	"github.com/inkwell-labs/notesync/internal/streamticket"
	"github.com/inkwell-labs/notesync/internal/syncservice"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "notesync").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Env != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx := context.Background()

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: cfg.PGMaxConns, MinConns: cfg.PGMinConns})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	verifier := authn.NewVerifier(authn.Config{
		HS256Secret: cfg.JWTHS256Secret,
		DevMode:     cfg.IsDevMode(),
		DevUserID:   cfg.AuthDevUserID,
		Issuer:      cfg.JWTIssuer,
		JWKSURL:     cfg.JWKSURL,
		Audience:    cfg.JWTAudience,
	})
	gate := authn.NewGate(pool, verifier)

	hub := realtime.NewHub(pool)
	hub.Start(ctx)

	engine := changelog.NewEngine(pool)
	syncSvc := syncservice.New(pool, engine, hub, cfg.SyncBatchLimit, cfg.SyncPullLimit)

	ticketMinter := streamticket.NewMinter(cfg.StreamTicketSecret, cfg.StreamTicketTTL)
	replayStore := streamticket.NewPostgresReplayStore(pool)
	ticketConsumer := streamticket.NewConsumer(cfg.StreamTicketSecret, replayStore, cfg.StrictReplayStore())
	if cfg.StrictReplayStore() {
		health.TicketStrictMode.Set(1)
	}

	maintLoop := maintenance.New(pool, maintenance.Config{
		Interval:             cfg.MaintenanceInterval,
		TombstoneRetention:   cfg.TombstoneRetention,
		NoteChangesRetention: cfg.NoteChangesRetention,
	})
	maintLoop.Start(ctx)

	checker := &health.Checker{
		Ping: func(ctx context.Context) error { return pool.Ping(ctx) },
		Hub: func() health.HubStatusView {
			s := hub.Status()
			return health.HubStatusView{
				DistributedFanoutAvailable: s.DistributedFanoutAvailable,
				DegradedReason:             string(s.DegradedReason),
				StrictMode:                 cfg.RequireRedisForReady,
			}
		},
		TicketStore: func() health.TicketStoreView {
			pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			ticketConsumer.DegradedDwellSeconds()
			return health.TicketStoreView{
				StrictMode:     cfg.StrictReplayStore(),
				StorageHealthy: pool.Ping(pingCtx) == nil,
			}
		},
		Timeout: 2 * time.Second,
	}

	srv := &httpapi.Server{
		DB:            pool,
		Gate:          gate,
		Sync:          syncSvc,
		Hub:           hub,
		TicketMinter:  ticketMinter,
		TicketConsume: ticketConsumer,
		Maintenance:   maintLoop,
		Health:        checker,
		CORSOrigin:    cfg.CORSOrigin,
		TicketTTL:     cfg.StreamTicketTTL,
		RateLimit:     httpapi.DefaultRateLimitConfig,
		BootstrapRate: httpapi.DefaultBootstrapRateLimitConfig,
	}

	httpAddr := cfg.Host + ":" + cfg.Port
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived; per-write deadlines would break them
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	maintLoop.Stop()
	hub.Stop()

	log.Info().Msg("server stopped")
}
