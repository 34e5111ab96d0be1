// Package prom exports engine metrics to Prometheus. It implements the
// collab-kit MetricsCollector interface with counters and histograms
// registered under the collabkit namespace.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	collabkit "github.com/c0deZ3R0/go-collab-kit"
)

const namespace = "collabkit"

// Collector holds the Prometheus instruments behind the engine's
// metrics hooks.
type Collector struct {
	applyDuration *prometheus.HistogramVec

	operationsApplied  prometheus.Counter
	operationsRejected prometheus.Counter

	conflictsDetected prometheus.Counter
	conflictsResolved prometheus.Counter

	engineErrors *prometheus.CounterVec

	cursorEvictions prometheus.Counter
	eventsDropped   prometheus.Counter

	autosaveDocuments prometheus.Counter
	autosaveDuration  prometheus.Histogram
}

// Compile-time check that Collector satisfies the MetricsCollector interface
var _ collabkit.MetricsCollector = (*Collector)(nil)

// New creates a Collector registered on the default Prometheus
// registry. Call it once per process; Prometheus rejects duplicate
// registrations.
func New() *Collector {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates a Collector registered on the given registerer.
func NewWith(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		// Apply latency by operation kind. Edits are sub-millisecond in
		// memory, so the buckets start well below the default 5ms.
		applyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "apply_duration_seconds",
				Help:      "Duration of applying one operation to a document",
				Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"kind"},
		),

		operationsApplied: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_applied_total",
				Help:      "Total number of operations applied to documents",
			},
		),

		operationsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_rejected_total",
				Help:      "Total number of operations rejected before applying",
			},
		),

		conflictsDetected: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_detected_total",
				Help:      "Total number of concurrent-edit conflicts detected",
			},
		),

		conflictsResolved: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_resolved_total",
				Help:      "Total number of conflicts resolved automatically",
			},
		),

		engineErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_errors_total",
				Help:      "Total number of engine errors by operation and error type",
			},
			[]string{"operation", "error_type"},
		),

		cursorEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cursor_evictions_total",
				Help:      "Total number of stale cursors evicted by sweeps",
			},
		),

		eventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped from the bounded queue",
			},
		),

		autosaveDocuments: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "autosave_documents_total",
				Help:      "Total number of dirty documents written by autosave passes",
			},
		),

		autosaveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "autosave_duration_seconds",
				Help:      "Duration of autosave passes over dirty documents",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// RecordApplyDuration records how long applying one operation took.
func (c *Collector) RecordApplyDuration(kind string, duration time.Duration) {
	c.applyDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordOperations records operations applied and rejected.
func (c *Collector) RecordOperations(applied, rejected int) {
	if applied > 0 {
		c.operationsApplied.Add(float64(applied))
	}
	if rejected > 0 {
		c.operationsRejected.Add(float64(rejected))
	}
}

// RecordConflicts records conflicts detected and resolved.
func (c *Collector) RecordConflicts(detected, resolved int) {
	if detected > 0 {
		c.conflictsDetected.Add(float64(detected))
	}
	if resolved > 0 {
		c.conflictsResolved.Add(float64(resolved))
	}
}

// RecordEngineErrors records engine errors by operation and type.
func (c *Collector) RecordEngineErrors(operation string, errorType string) {
	c.engineErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordCursorSweep records cursors evicted by a sweep pass.
func (c *Collector) RecordCursorSweep(evicted int) {
	if evicted > 0 {
		c.cursorEvictions.Add(float64(evicted))
	}
}

// RecordEventsDropped records events dropped from the bounded queue.
func (c *Collector) RecordEventsDropped(dropped int) {
	if dropped > 0 {
		c.eventsDropped.Add(float64(dropped))
	}
}

// RecordAutosave records an autosave pass over dirty documents.
func (c *Collector) RecordAutosave(documents int, duration time.Duration) {
	if documents > 0 {
		c.autosaveDocuments.Add(float64(documents))
	}
	c.autosaveDuration.Observe(duration.Seconds())
}
