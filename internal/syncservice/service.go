// Package syncservice orchestrates the push/pull protocol and the
// bootstrap/snapshot hydration paths on top of the change-log engine and
// the real-time hub: per-operation commit dispatch, batch shaping, and
// response assembly. It holds no SQL of its own beyond what the snapshot
// and bootstrap flows need directly.
package syncservice

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-labs/notesync/internal/changelog"
	"github.com/inkwell-labs/notesync/internal/realtime"
)

// Service wires the change-log engine and real-time hub into the
// client-facing sync operations.
type Service struct {
	DB         *pgxpool.Pool
	Engine     *changelog.Engine
	Hub        *realtime.Hub
	BatchLimit int
	PullLimit  int
	Now        func() time.Time
}

func New(db *pgxpool.Pool, engine *changelog.Engine, hub *realtime.Hub, batchLimit, pullLimit int) *Service {
	return &Service{
		DB: db, Engine: engine, Hub: hub,
		BatchLimit: batchLimit, PullLimit: pullLimit, Now: time.Now,
	}
}

func (s *Service) publish(ctx context.Context, userID string, cursor int64) {
	if s.Hub == nil {
		return
	}
	s.Hub.PublishSyncEvent(ctx, realtime.SyncEvent{
		UserID: userID, Cursor: cursor, Type: "sync", EmittedAt: s.Now().UnixMilli(),
	})
}
