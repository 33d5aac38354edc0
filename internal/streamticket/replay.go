package streamticket

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-labs/notesync/internal/apierr"
	"github.com/inkwell-labs/notesync/internal/health"
)

// ReplayStore records single-use ticket jti values. Create returns true iff
// this call created the row (i.e. the ticket had not been seen before).
type ReplayStore interface {
	Create(ctx context.Context, jti string, expiresAt time.Time) (created bool, err error)
}

// PostgresReplayStore backs single-use ticket consumption with a
// unique-constraint upsert, mirroring the idempotency-table pattern used
// for push request dedup.
type PostgresReplayStore struct {
	DB *pgxpool.Pool
}

func NewPostgresReplayStore(db *pgxpool.Pool) *PostgresReplayStore {
	return &PostgresReplayStore{DB: db}
}

func (s *PostgresReplayStore) Create(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO stream_ticket_replay (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Consumer verifies and single-use-consumes tickets, applying the
// strict/best-effort storage-failure policy.
type Consumer struct {
	Secret []byte
	Store  ReplayStore
	Strict bool

	mu              sync.Mutex
	degradedSinceTs int64
}

func NewConsumer(secret string, store ReplayStore, strict bool) *Consumer {
	return &Consumer{Secret: []byte(secret), Store: store, Strict: strict}
}

// markStorageDegraded records the start of a replay-store outage the first
// time it's observed; repeated failures within the same outage are a no-op.
func (c *Consumer) markStorageDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degradedSinceTs == 0 {
		c.degradedSinceTs = time.Now().Unix()
		health.TicketDegradedTransitionsTotal.Inc()
	}
}

// markStorageHealthy closes out a degraded dwell, rolling its duration into
// the cumulative counter.
func (c *Consumer) markStorageHealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degradedSinceTs != 0 {
		dwell := time.Now().Unix() - c.degradedSinceTs
		health.TicketDegradedDwellSecondsTotal.Add(float64(dwell))
		c.degradedSinceTs = 0
		health.TicketDegradedDwellSeconds.Set(0)
	}
}

// DegradedDwellSeconds reports the current degraded dwell in seconds, 0 if
// the replay store is currently healthy. Refreshes the gauge as a side
// effect so /metrics reflects live dwell even between consume attempts.
func (c *Consumer) DegradedDwellSeconds() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degradedSinceTs == 0 {
		return 0
	}
	dwell := time.Now().Unix() - c.degradedSinceTs
	health.TicketDegradedDwellSeconds.Set(float64(dwell))
	return dwell
}

// Consume verifies ticket and records it as used. It returns the validated
// claims on success, or a *apierr.Error identifying which stream-ticket
// failure occurred.
func (c *Consumer) Consume(ctx context.Context, ticket string) (Claims, *apierr.Error) {
	health.TicketAttemptsTotal.Inc()

	if ticket == "" {
		return Claims{}, apierr.StreamTicketRequired()
	}

	claims, err := Verify(c.Secret, ticket)
	if err != nil {
		if IsExpired(err) {
			return Claims{}, apierr.StreamTicketExpired()
		}
		return Claims{}, apierr.StreamTicketInvalid()
	}

	expiresAt := time.Unix(claims.Expiry, 0)
	created, err := c.Store.Create(ctx, claims.JTI, expiresAt)
	if err != nil {
		health.TicketStorageUnavailableTotal.Inc()
		c.markStorageDegraded()
		if c.Strict {
			return Claims{}, apierr.StreamTicketStorageErr()
		}
		health.TicketFailOpenBypassTotal.Inc()
		health.TicketSuccessesTotal.Inc()
		return claims, nil
	}
	c.markStorageHealthy()

	if !created {
		health.TicketReplayRejectsTotal.Inc()
		return Claims{}, apierr.StreamTicketReplayed()
	}

	health.TicketSuccessesTotal.Inc()
	return claims, nil
}
