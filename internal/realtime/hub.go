// Package realtime implements the fan-out hub: a process-local broadcaster
// that always fires, backed by a best-effort PostgreSQL LISTEN/NOTIFY
// subscriber for cross-instance delivery. No Redis client exists anywhere
// in the reference stack this was grounded on, so the distributed channel
// is reimplemented against the pool's own LISTEN/NOTIFY support rather than
// introducing a new driver.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/inkwell-labs/notesync/internal/health"
)

const notifyChannel = "notesync_sync_events"

// DegradedReason enumerates why distributed fan-out is currently
// unavailable.
type DegradedReason string

const (
	ReasonNone                    DegradedReason = ""
	ReasonNotInitialized          DegradedReason = "NOT_INITIALIZED"
	ReasonSubscriberConnectFailed DegradedReason = "SUBSCRIBER_CONNECT_FAILED"
	ReasonSubscriberClose         DegradedReason = "SUBSCRIBER_CLOSE"
	ReasonSubscriberEnd           DegradedReason = "SUBSCRIBER_END"
	ReasonSubscriberReconnecting  DegradedReason = "SUBSCRIBER_RECONNECTING"
	ReasonSubscriberError         DegradedReason = "SUBSCRIBER_ERROR"
	ReasonPublishFailed           DegradedReason = "PUBLISH_FAILED"
)

// SyncEvent is the payload carried across both the local and distributed
// fan-out paths.
type SyncEvent struct {
	UserID    string `json:"userId"`
	Cursor    int64  `json:"cursor"`
	Type      string `json:"type"`
	EmittedAt int64  `json:"emittedAt"`
}

// Listener receives every broadcast event; callers filter by UserID.
type Listener func(SyncEvent)

// Status is a point-in-time snapshot of the hub's health, surfaced on
// /ready and /metrics.
type Status struct {
	Initialized                bool
	SubscriberReady             bool
	PublisherReady              bool
	DistributedFanoutAvailable  bool
	DegradedReason              DegradedReason
	DegradedSinceTs             int64
	DegradedTransitions         int64
}

// Hub is the process-wide fan-out. One Hub per process, started at boot.
type Hub struct {
	db *pgxpool.Pool

	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int

	status Status

	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(db *pgxpool.Pool) *Hub {
	return &Hub{db: db, listeners: make(map[int]Listener)}
}

// Start launches the background LISTEN subscriber loop. It never blocks
// the caller; until the first successful LISTEN, the hub stays degraded
// and relies solely on local fan-out. The degraded reason starts as
// NOT_INITIALIZED and is replaced by the subscriber failure reason once a
// LISTEN attempt fails.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	h.status.DegradedReason = ReasonNotInitialized
	h.status.DegradedSinceTs = time.Now().Unix()
	h.mu.Unlock()
	health.HubFallbackActive.Set(1)

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(runCtx)
}

func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	if h.done != nil {
		<-h.done
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := h.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("realtime hub subscriber disconnected, reconnecting")
			h.markDegraded(ReasonSubscriberReconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
	}
}

func (h *Hub) listenOnce(ctx context.Context) error {
	conn, err := h.db.Acquire(ctx)
	if err != nil {
		h.markDegraded(ReasonSubscriberConnectFailed)
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		h.markDegraded(ReasonSubscriberConnectFailed)
		return err
	}

	h.markReady()

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			h.markDegraded(ReasonSubscriberError)
			return err
		}
		var evt SyncEvent
		if err := json.Unmarshal([]byte(notification.Payload), &evt); err != nil {
			log.Warn().Err(err).Msg("failed to decode sync event notification")
			continue
		}
		h.localBroadcast(evt)
	}
}

func (h *Hub) markReady() {
	h.mu.Lock()
	degradedSince := h.status.DegradedSinceTs
	h.status.Initialized = true
	h.status.SubscriberReady = true
	h.status.PublisherReady = true
	h.status.DegradedReason = ReasonNone
	h.status.DegradedSinceTs = 0
	h.mu.Unlock()

	health.HubSubscriberReady.Set(1)
	health.HubPublisherReady.Set(1)
	health.HubFallbackActive.Set(0)
	health.HubFallbackDwellSeconds.Set(0)
	if degradedSince > 0 {
		health.HubFallbackDwellSecondsTotal.Add(float64(time.Now().Unix() - degradedSince))
	}
}

// markDegraded records a degradation. Only PUBLISH_FAILED reflects a
// publisher-side failure (distributedFanoutAvailable also depends on
// publisherReady per §4.6); every other reason is subscriber-side.
func (h *Hub) markDegraded(reason DegradedReason) {
	h.mu.Lock()
	firstTransition := h.status.DegradedReason == ReasonNone
	h.status.Initialized = true
	if reason == ReasonPublishFailed {
		h.status.PublisherReady = false
	} else {
		h.status.SubscriberReady = false
	}
	h.status.DegradedReason = reason
	if firstTransition {
		h.status.DegradedSinceTs = time.Now().Unix()
		h.status.DegradedTransitions++
		health.HubDegradedTransitionsTotal.Inc()
	}
	h.mu.Unlock()

	if reason == ReasonPublishFailed {
		health.HubPublisherReady.Set(0)
	} else {
		health.HubSubscriberReady.Set(0)
	}
	health.HubFallbackActive.Set(1)
}

// Status returns a snapshot of the hub's current health, including live
// dwell time if currently degraded.
func (h *Hub) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.status
	s.DistributedFanoutAvailable = s.Initialized && s.SubscriberReady && s.PublisherReady
	if s.DegradedSinceTs > 0 {
		dwell := time.Now().Unix() - s.DegradedSinceTs
		health.HubFallbackDwellSeconds.Set(float64(dwell))
	}
	return s
}

// PublishSyncEvent always fires on the local broadcaster, then attempts the
// distributed NOTIFY. A publish failure degrades hub state but never
// surfaces an error to the caller — the caller's transaction already
// committed.
func (h *Hub) PublishSyncEvent(ctx context.Context, evt SyncEvent) {
	h.localBroadcast(evt)

	payload, err := json.Marshal(evt)
	if err != nil {
		h.markDegraded(ReasonPublishFailed)
		return
	}

	if _, err := h.db.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
		log.Warn().Err(err).Msg("failed to publish sync event to distributed channel")
		h.markDegraded(ReasonPublishFailed)
		return
	}

	h.markPublisherReady()
}

// markPublisherReady records a successful distributed publish. It clears
// the degraded reason only when the publisher was the cause — a subscriber
// that's still down keeps the hub degraded for its own reason.
func (h *Hub) markPublisherReady() {
	h.mu.Lock()
	h.status.PublisherReady = true
	var degradedSince int64
	if h.status.DegradedReason == ReasonPublishFailed {
		degradedSince = h.status.DegradedSinceTs
		h.status.DegradedReason = ReasonNone
		h.status.DegradedSinceTs = 0
	}
	h.mu.Unlock()

	health.HubPublisherReady.Set(1)
	if degradedSince > 0 {
		health.HubFallbackDwellSecondsTotal.Add(float64(time.Now().Unix() - degradedSince))
	}
}

func (h *Hub) localBroadcast(evt SyncEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, listener := range h.listeners {
		listener(evt)
	}
}

// Subscribe registers listener for every broadcast event (local and
// distributed). Callers filter by UserID themselves. The returned func
// unsubscribes.
func (h *Hub) Subscribe(listener Listener) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = listener
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}
