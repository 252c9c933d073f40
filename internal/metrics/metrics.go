// Package metrics exposes the WAL listener core's Prometheus
// collectors: decode/assembly throughput and errors, persisted event
// counts, feedback LSN, and reconciliation cycle timing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Decoder metrics
	DecodedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walcore_decoded_messages_total",
			Help: "Total number of protocol messages decoded, by tag.",
		},
		[]string{"tag"},
	)

	MalformedMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "walcore_malformed_messages_total",
			Help: "Total number of payloads the decoder could not parse.",
		},
	)

	// Assembler metrics
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walcore_events_emitted_total",
			Help: "Total number of ChangeEvents emitted by the assembler, by action.",
		},
		[]string{"action"},
	)

	RelationCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "walcore_relation_cache_misses_total",
			Help: "Total number of row changes dropped due to an unresolved relation OID.",
		},
	)

	ProtocolViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "walcore_protocol_violations_total",
			Help: "Total number of out-of-order protocol messages observed (e.g. Commit in IDLE).",
		},
	)

	// Worker metrics
	WorkersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "walcore_workers_running",
			Help: "Current number of active Stream Workers.",
		},
	)

	WorkerReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walcore_worker_reconnects_total",
			Help: "Total number of replication reconnects, by db_id.",
		},
		[]string{"db_id"},
	)

	EventsPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walcore_events_persisted_total",
			Help: "Total number of ChangeEvents durably appended to the archive store, by db_id.",
		},
		[]string{"db_id"},
	)

	ArchiveWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walcore_archive_write_failures_total",
			Help: "Total number of failed archive store batch writes, by db_id.",
		},
		[]string{"db_id"},
	)

	FeedbackLSN = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "walcore_feedback_lsn",
			Help: "Last flush LSN sent upstream for a slot, by db_id.",
		},
		[]string{"db_id"},
	)

	ReplicationLagBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "walcore_replication_lag_bytes",
			Help: "Bytes between the server's reported WAL end and the last persisted flush LSN, by db_id.",
		},
		[]string{"db_id"},
	)

	CommitBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "walcore_commit_batch_duration_seconds",
			Help:    "Time taken to persist one commit's batch of events.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Supervisor metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "walcore_reconciliation_duration_seconds",
			Help:    "Time taken for one supervisor reconcile cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "walcore_reconciliation_cycles_total",
			Help: "Total number of reconcile cycles completed.",
		},
	)

	ReconciliationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "walcore_reconciliation_failures_total",
			Help: "Total number of reconcile cycles that failed to read the control-plane store.",
		},
	)

	DesiredSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "walcore_desired_slots",
			Help: "Number of active slots read from the control-plane store on the last successful poll.",
		},
	)

	// Leader election
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "walcore_is_leader",
			Help: "Whether this process instance currently holds the supervisor leadership lease (1) or not (0).",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DecodedMessagesTotal,
		MalformedMessagesTotal,
		EventsEmittedTotal,
		RelationCacheMissesTotal,
		ProtocolViolationsTotal,
		WorkersRunning,
		WorkerReconnectsTotal,
		EventsPersistedTotal,
		ArchiveWriteFailuresTotal,
		FeedbackLSN,
		ReplicationLagBytes,
		CommitBatchDuration,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReconciliationFailuresTotal,
		DesiredSlots,
		IsLeader,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
