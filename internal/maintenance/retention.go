// Package maintenance runs the background retention loop: pruning aged
// tombstones, aged change-log rows, and expired idempotency entries on a
// fixed interval, guarded against re-entrancy. Grounded on the teacher's
// use of a single named background goroutine with a stop channel for its
// own periodic work (cmd/server's shutdown sequence), generalized here to
// a reusable loop with pluggable retention windows.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/inkwell-labs/notesync/internal/health"
)

// Config controls the retention windows and cadence of the loop.
type Config struct {
	Interval             time.Duration
	TombstoneRetention   time.Duration
	NoteChangesRetention time.Duration
}

// Result summarizes a single completed cycle.
type Result struct {
	NotesPruned       int64
	ChangesPruned     int64
	IdempotencyPruned int64
	Duration          time.Duration
	CompletedAt       time.Time
}

// Loop owns the single-flight background maintenance cycle.
type Loop struct {
	db     *pgxpool.Pool
	cfg    Config
	now    func() time.Time
	ticker *time.Ticker
	done   chan struct{}

	running chan struct{} // single-flight guard, capacity 1

	resultMu   sync.RWMutex
	lastResult Result
	lastErr    error
}

func New(db *pgxpool.Pool, cfg Config) *Loop {
	return &Loop{
		db:      db,
		cfg:     cfg,
		now:     time.Now,
		done:    make(chan struct{}),
		running: make(chan struct{}, 1),
	}
}

// Start runs one cycle immediately, then continues on cfg.Interval until
// ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.ticker = time.NewTicker(l.cfg.Interval)
	go l.run(ctx)
}

func (l *Loop) Stop() {
	if l.ticker != nil {
		l.ticker.Stop()
	}
	close(l.done)
}

func (l *Loop) run(ctx context.Context) {
	l.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-l.ticker.C:
			l.runCycle(ctx)
		}
	}
}

// runCycle is single-flight: if a cycle is already in progress (shouldn't
// happen given the ticker cadence exceeds expected cycle duration, but
// guarded defensively against a slow cycle overlapping the next tick), the
// new tick is skipped rather than queued.
func (l *Loop) runCycle(ctx context.Context) {
	select {
	case l.running <- struct{}{}:
	default:
		log.Warn().Msg("maintenance cycle skipped, previous cycle still running")
		return
	}
	defer func() { <-l.running }()

	timer := health.NewTimer()
	result, err := l.prune(ctx)
	result.Duration = timer.Duration()
	result.CompletedAt = l.now()

	health.MaintenanceCyclesTotal.Inc()
	if err != nil {
		health.MaintenanceCyclesFailedTotal.Inc()
		log.Error().Err(err).Msg("maintenance cycle failed")
		l.resultMu.Lock()
		l.lastErr = err
		l.resultMu.Unlock()
		return
	}

	health.MaintenanceNotesPrunedTotal.Add(float64(result.NotesPruned))
	health.MaintenanceChangesPrunedTotal.Add(float64(result.ChangesPruned))
	health.MaintenanceIdempotencyPrunedTotal.Add(float64(result.IdempotencyPruned))

	l.resultMu.Lock()
	l.lastResult = result
	l.lastErr = nil
	l.resultMu.Unlock()
	log.Info().
		Int64("notesPruned", result.NotesPruned).
		Int64("changesPruned", result.ChangesPruned).
		Int64("idempotencyPruned", result.IdempotencyPruned).
		Dur("duration", result.Duration).
		Msg("maintenance cycle completed")
}

func (l *Loop) prune(ctx context.Context) (Result, error) {
	now := l.now().UTC()
	var result Result

	tombstoneCutoff := now.Add(-l.cfg.TombstoneRetention)
	tag, err := l.db.Exec(ctx, `DELETE FROM note WHERE deleted_at IS NOT NULL AND deleted_at < $1`, tombstoneCutoff)
	if err != nil {
		return result, err
	}
	result.NotesPruned = tag.RowsAffected()

	changeCutoff := now.Add(-l.cfg.NoteChangesRetention)
	tag, err = l.db.Exec(ctx, `DELETE FROM note_change WHERE created_at < $1`, changeCutoff)
	if err != nil {
		return result, err
	}
	result.ChangesPruned = tag.RowsAffected()

	tag, err = l.db.Exec(ctx, `DELETE FROM idempotency_key WHERE expires_at < $1`, now)
	if err != nil {
		return result, err
	}
	result.IdempotencyPruned = tag.RowsAffected()

	return result, nil
}

// LastResult returns the outcome of the most recently completed cycle and
// any error from the most recent attempt.
func (l *Loop) LastResult() (Result, error) {
	l.resultMu.RLock()
	defer l.resultMu.RUnlock()
	return l.lastResult, l.lastErr
}
