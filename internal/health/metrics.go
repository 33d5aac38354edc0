// Package health exposes the /health, /ready, and /metrics surface, and
// hosts the Prometheus registry shared by every component that reports
// telemetry (the stream ticket service, the real-time hub, and the
// maintenance loop).
package health

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync counters.
	CursorResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_cursor_resets_total",
		Help: "Total number of pull requests that required a CURSOR_TOO_OLD reset",
	})
	WriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_write_failures_total",
		Help: "Total number of push operations that failed after exhausting idempotency replay",
	})

	// Real-time hub gauges/counters.
	HubFallbackActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notesync_hub_fallback_active",
		Help: "1 if the real-time hub is running in local-fallback mode, 0 if distributed fan-out is available",
	})
	HubFallbackDwellSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notesync_hub_fallback_dwell_seconds",
		Help: "Seconds spent in the current degraded dwell, 0 when healthy",
	})
	HubFallbackDwellSecondsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_hub_fallback_dwell_seconds_total",
		Help: "Cumulative seconds spent degraded since process start",
	})
	HubDegradedTransitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_hub_degraded_transitions_total",
		Help: "Total number of transitions into a degraded state",
	})
	HubSubscriberReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notesync_hub_subscriber_ready",
		Help: "1 if the LISTEN subscriber connection is ready",
	})
	HubPublisherReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notesync_hub_publisher_ready",
		Help: "1 if the NOTIFY publisher path is healthy",
	})

	// Stream ticket telemetry.
	TicketAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_stream_ticket_attempts_total",
		Help: "Total number of stream ticket consume attempts",
	})
	TicketSuccessesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_stream_ticket_successes_total",
		Help: "Total number of stream ticket consumes that succeeded",
	})
	TicketReplayRejectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_stream_ticket_replay_rejects_total",
		Help: "Total number of stream ticket consumes rejected as replays",
	})
	TicketFailOpenBypassTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_stream_ticket_fail_open_bypass_total",
		Help: "Total number of stream ticket consumes accepted despite a replay-store failure (best-effort mode)",
	})
	TicketStorageUnavailableTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_stream_ticket_storage_unavailable_total",
		Help: "Total number of stream ticket consumes that hit a replay-store error",
	})
	TicketDegradedTransitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_stream_ticket_degraded_transitions_total",
		Help: "Total number of transitions into a replay-store degraded state",
	})
	TicketDegradedDwellSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notesync_stream_ticket_degraded_dwell_seconds",
		Help: "Seconds spent in the current replay-store degraded dwell, 0 when healthy",
	})
	TicketDegradedDwellSecondsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_stream_ticket_degraded_dwell_seconds_total",
		Help: "Cumulative seconds spent with the replay store degraded since process start",
	})
	TicketStrictMode = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notesync_stream_ticket_strict_mode",
		Help: "1 if the replay store is running in strict (fail-closed) mode",
	})

	// Maintenance loop.
	MaintenanceCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_maintenance_cycles_total",
		Help: "Total number of maintenance cycles run",
	})
	MaintenanceCyclesFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_maintenance_cycles_failed_total",
		Help: "Total number of maintenance cycles that errored",
	})
	MaintenanceNotesPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_maintenance_notes_pruned_total",
		Help: "Total number of tombstoned notes pruned",
	})
	MaintenanceChangesPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_maintenance_changes_pruned_total",
		Help: "Total number of change-log rows pruned",
	})
	MaintenanceIdempotencyPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_maintenance_idempotency_pruned_total",
		Help: "Total number of expired idempotency entries pruned",
	})

	// Readiness.
	ReadinessFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notesync_readiness_failures_total",
		Help: "Total number of /ready checks that reported a failure",
	})
)

func init() {
	prometheus.MustRegister(
		CursorResetsTotal,
		WriteFailuresTotal,
		HubFallbackActive,
		HubFallbackDwellSeconds,
		HubFallbackDwellSecondsTotal,
		HubDegradedTransitionsTotal,
		HubSubscriberReady,
		HubPublisherReady,
		TicketAttemptsTotal,
		TicketSuccessesTotal,
		TicketReplayRejectsTotal,
		TicketFailOpenBypassTotal,
		TicketStorageUnavailableTotal,
		TicketStrictMode,
		TicketDegradedTransitionsTotal,
		TicketDegradedDwellSeconds,
		TicketDegradedDwellSecondsTotal,
		MaintenanceCyclesTotal,
		MaintenanceCyclesFailedTotal,
		MaintenanceNotesPrunedTotal,
		MaintenanceChangesPrunedTotal,
		MaintenanceIdempotencyPrunedTotal,
		ReadinessFailuresTotal,
	)
}

// Handler returns the Prometheus exposition HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small duration-measuring helper, used around maintenance
// cycles and readiness probes.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
