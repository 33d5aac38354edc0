// Package config loads process configuration from environment variables,
// following the fail-fast env(key, default) pattern used throughout the
// original cmd/server/main.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env  string // development | test | production
	Host string
	Port string

	DatabaseURL string

	AuthDevUserID       string
	AllowInsecureDevAuth bool
	JWTHS256Secret      string
	JWTIssuer           string
	JWKSURL             string
	JWTAudience         string

	StreamTicketSecret     string
	StreamTicketTTL        time.Duration
	RequireRedisForReady   bool // kept for env-compat; makes /ready fail (503) while the real-time hub is degraded

	CORSOrigin string
	TrustProxy bool
	LogLevel   string

	SyncBatchLimit int
	SyncPullLimit  int

	TombstoneRetention    time.Duration
	NoteChangesRetention  time.Duration
	MaintenanceInterval   time.Duration

	PGMaxConns int32
	PGMinConns int32
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func envMs(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Load reads and validates configuration from the environment. It returns an
// error rather than exiting so callers (and tests) control the fatal path.
func Load() (*Config, error) {
	c := &Config{
		Env:                  env("NODE_ENV", "development"),
		Host:                 env("SERVER_HOST", "0.0.0.0"),
		Port:                 env("SERVER_PORT", "8080"),
		DatabaseURL:          env("DATABASE_URL", ""),
		AuthDevUserID:        env("AUTH_DEV_USER_ID", ""),
		AllowInsecureDevAuth: envBool("ALLOW_INSECURE_DEV_AUTH", false),
		JWTHS256Secret:       env("JWT_HS256_SECRET", ""),
		JWTIssuer:            env("JWT_ISSUER", ""),
		JWKSURL:              env("JWT_JWKS_URL", ""),
		JWTAudience:          env("JWT_AUDIENCE", ""),
		StreamTicketSecret:   env("STREAM_TICKET_SECRET", ""),
		StreamTicketTTL:      time.Duration(envInt("STREAM_TICKET_TTL_SECONDS", 60, 5, 3600)) * time.Second,
		RequireRedisForReady: envBool("REQUIRE_REDIS_FOR_READY", false),
		CORSOrigin:           env("CORS_ORIGIN", "*"),
		TrustProxy:           envBool("TRUST_PROXY", false),
		LogLevel:             env("LOG_LEVEL", "info"),
		SyncBatchLimit:       envInt("SYNC_BATCH_LIMIT", 100, 1, 500),
		SyncPullLimit:        envInt("SYNC_PULL_LIMIT", 500, 1, 2000),
		TombstoneRetention:   envMs("TOMBSTONE_RETENTION_MS", 30*24*time.Hour),
		NoteChangesRetention: envMs("NOTE_CHANGES_RETENTION_MS", 45*24*time.Hour),
		MaintenanceInterval: envMs("MAINTENANCE_INTERVAL_MS", 10*time.Minute),
		PGMaxConns:           int32(envInt("PG_MAX_CONNS", 20, 1, 200)),
		PGMinConns:           int32(envInt("PG_MIN_CONNS", 2, 0, 200)),
	}

	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	c.Env = strings.ToLower(c.Env)
	if c.Env == "production" && c.AllowInsecureDevAuth {
		return nil, fmt.Errorf("ALLOW_INSECURE_DEV_AUTH must be false in production")
	}
	if (c.JWKSURL != "" && c.JWTIssuer == "") || (c.JWKSURL == "" && c.JWTIssuer != "") {
		return nil, fmt.Errorf("JWT_ISSUER and JWT_JWKS_URL must both be set or both be empty")
	}
	if c.Env == "production" && c.JWTHS256Secret == "" {
		return nil, fmt.Errorf("JWT_HS256_SECRET is required in production")
	}
	if len(c.StreamTicketSecret) < 16 {
		if c.Env == "production" {
			return nil, fmt.Errorf("STREAM_TICKET_SECRET must be at least 16 characters in production")
		}
		if c.StreamTicketSecret == "" {
			c.StreamTicketSecret = "dev-stream-ticket-secret-change-me"
		}
	}

	return c, nil
}

// IsDevMode reports whether the dev-header authentication bypass is allowed.
func (c *Config) IsDevMode() bool {
	return c.Env != "production" && c.AllowInsecureDevAuth
}

// StrictReplayStore reports whether stream-ticket replay storage failures
// should fail closed (production) rather than fail open (best-effort).
func (c *Config) StrictReplayStore() bool {
	return c.Env == "production"
}
