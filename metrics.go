package collabkit

import "time"

// MetricsCollector provides hooks for collecting engine metrics
type MetricsCollector interface {
	// RecordApplyDuration records how long applying one operation took
	RecordApplyDuration(kind string, duration time.Duration)

	// RecordOperations records operations applied and rejected
	RecordOperations(applied, rejected int)

	// RecordConflicts records conflicts detected and resolved
	RecordConflicts(detected, resolved int)

	// RecordEngineErrors records engine errors by operation and type
	RecordEngineErrors(operation string, errorType string)

	// RecordCursorSweep records cursors evicted by a sweep pass
	RecordCursorSweep(evicted int)

	// RecordEventsDropped records events dropped from the bounded queue
	RecordEventsDropped(dropped int)

	// RecordAutosave records an autosave pass over dirty documents
	RecordAutosave(documents int, duration time.Duration)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordApplyDuration(kind string, duration time.Duration)      {}
func (n *NoOpMetricsCollector) RecordOperations(applied, rejected int)                       {}
func (n *NoOpMetricsCollector) RecordConflicts(detected, resolved int)                       {}
func (n *NoOpMetricsCollector) RecordEngineErrors(operation string, errorType string)        {}
func (n *NoOpMetricsCollector) RecordCursorSweep(evicted int)                                {}
func (n *NoOpMetricsCollector) RecordEventsDropped(dropped int)                              {}
func (n *NoOpMetricsCollector) RecordAutosave(documents int, duration time.Duration)         {}

var _ MetricsCollector = (*NoOpMetricsCollector)(nil)
