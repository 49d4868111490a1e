// Package monitoring carries the observability surface each correlator
// process exposes: Prometheus metrics plus a small HTTP server with
// health, config and event-tail endpoints.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments shared by the pipeline
// processes. All recording methods are nil-safe so components can carry a
// *Metrics without caring whether monitoring is enabled.
type Metrics struct {
	registry *prometheus.Registry

	RecordsIngested *prometheus.CounterVec
	ParseFailures   *prometheus.CounterVec
	Heartbeats      *prometheus.CounterVec

	RecordsProcessed   *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	CheckpointsWritten *prometheus.CounterVec
	CheckpointDuration prometheus.Histogram

	EventsHandled *prometheus.CounterVec
}

// NewMetrics builds and registers the instrument set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RecordsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "correlator_records_ingested_total",
				Help: "Syslog records published onto the ingest stream",
			},
			[]string{"source_id"},
		),
		ParseFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "correlator_parse_failures_total",
				Help: "Records that failed syslog parsing",
			},
			[]string{"process"},
		),
		Heartbeats: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "correlator_heartbeats_total",
				Help: "Heartbeat envelopes published during idle periods",
			},
			[]string{"source_id"},
		),

		RecordsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "correlator_records_processed_total",
				Help: "Ingest envelopes fanned through correlation modules",
			},
			[]string{"engine_id", "tenant"},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "correlator_events_published_total",
				Help: "Events published onto the event stream",
			},
			[]string{"engine_id", "severity"},
		),
		CheckpointsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "correlator_checkpoints_written_total",
				Help: "Engine snapshots written, by trigger",
			},
			[]string{"engine_id", "reason"},
		),
		CheckpointDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "correlator_checkpoint_duration_seconds",
				Help:    "Time spent serialising and writing engine snapshots",
				Buckets: prometheus.DefBuckets,
			},
		),

		EventsHandled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "correlator_events_handled_total",
				Help: "Events delivered to reactor handlers",
			},
			[]string{"handler", "result"}, // result: ok, error, filtered
		),
	}
}

// Registry exposes the metric registry for the HTTP server.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordIngested(sourceID string) {
	if m == nil {
		return
	}
	m.RecordsIngested.WithLabelValues(sourceID).Inc()
}

func (m *Metrics) RecordParseFailure(process string) {
	if m == nil {
		return
	}
	m.ParseFailures.WithLabelValues(process).Inc()
}

func (m *Metrics) RecordHeartbeat(sourceID string) {
	if m == nil {
		return
	}
	m.Heartbeats.WithLabelValues(sourceID).Inc()
}

func (m *Metrics) RecordProcessed(engineID, tenant string) {
	if m == nil {
		return
	}
	m.RecordsProcessed.WithLabelValues(engineID, tenant).Inc()
}

func (m *Metrics) RecordEventPublished(engineID, severity string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(engineID, severity).Inc()
}

func (m *Metrics) RecordCheckpoint(engineID, reason string, seconds float64) {
	if m == nil {
		return
	}
	m.CheckpointsWritten.WithLabelValues(engineID, reason).Inc()
	m.CheckpointDuration.Observe(seconds)
}

func (m *Metrics) RecordHandled(handler, result string) {
	if m == nil {
		return
	}
	m.EventsHandled.WithLabelValues(handler, result).Inc()
}
