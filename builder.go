package collabkit

import (
	"time"

	"github.com/c0deZ3R0/go-collab-kit/errors"
	"github.com/c0deZ3R0/go-collab-kit/logging"
)

// EngineBuilder provides a fluent interface for constructing Engine
// instances. Collaborators left unset fall back to safe defaults: the
// document-permission evaluator, discard persistence, no transport,
// no-op metrics, the package logger, and the system clock.
type EngineBuilder struct {
	cfg engineConfig

	perms     PermissionEvaluator
	persist   Persistence
	transport Transport
	metrics   MetricsCollector
	logger    *logging.Logger
	clock     Clock
	resolver  Resolver
}

// NewEngineBuilder creates a builder with default tuning.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{cfg: defaultEngineConfig()}
}

// WithPermissionEvaluator sets the capability check collaborator.
func (b *EngineBuilder) WithPermissionEvaluator(p PermissionEvaluator) *EngineBuilder {
	b.perms = p
	return b
}

// WithPersistence sets the durable storage collaborator.
func (b *EngineBuilder) WithPersistence(p Persistence) *EngineBuilder {
	b.persist = p
	return b
}

// WithTransport sets the replica transport.
func (b *EngineBuilder) WithTransport(t Transport) *EngineBuilder {
	b.transport = t
	return b
}

// WithMetrics sets the metrics collector.
func (b *EngineBuilder) WithMetrics(m MetricsCollector) *EngineBuilder {
	b.metrics = m
	return b
}

// WithLogger sets the structured logger.
func (b *EngineBuilder) WithLogger(l *logging.Logger) *EngineBuilder {
	b.logger = l
	return b
}

// WithClock sets the time source.
func (b *EngineBuilder) WithClock(c Clock) *EngineBuilder {
	b.clock = c
	return b
}

// WithResolver sets the conflict resolution strategy.
func (b *EngineBuilder) WithResolver(r Resolver) *EngineBuilder {
	b.resolver = r
	return b
}

// WithHistoryLimit sets the per-document history ring capacity.
func (b *EngineBuilder) WithHistoryLimit(n int) *EngineBuilder {
	b.cfg.HistoryLimit = n
	return b
}

// WithConflictWindow sets how many recent operations the detector
// scans.
func (b *EngineBuilder) WithConflictWindow(n int) *EngineBuilder {
	b.cfg.ConflictWindow = n
	return b
}

// WithProximityWindow sets the insert-vs-insert conflict distance.
func (b *EngineBuilder) WithProximityWindow(n int) *EngineBuilder {
	b.cfg.ProximityWindow = n
	return b
}

// WithEventBuffer sets the bounded event queue capacity.
func (b *EngineBuilder) WithEventBuffer(n int) *EngineBuilder {
	b.cfg.EventBuffer = n
	return b
}

// WithDedupCacheSize sets the seen-operation-ID cache capacity.
func (b *EngineBuilder) WithDedupCacheSize(n int) *EngineBuilder {
	b.cfg.DedupCacheSize = n
	return b
}

// WithIntervals sets the scheduler's flush, sweep, and autosave
// periods.
func (b *EngineBuilder) WithIntervals(flush, sweep, autosave time.Duration) *EngineBuilder {
	b.cfg.FlushInterval = flush
	b.cfg.SweepInterval = sweep
	b.cfg.AutosaveInterval = autosave
	return b
}

// WithCursorTTL sets how long cursors stay active without updates.
func (b *EngineBuilder) WithCursorTTL(d time.Duration) *EngineBuilder {
	b.cfg.CursorTTL = d
	return b
}

// WithCursorThrottle sets the per-participant cursor broadcast rate.
func (b *EngineBuilder) WithCursorThrottle(every time.Duration, burst int) *EngineBuilder {
	b.cfg.CursorThrottle = every
	b.cfg.CursorBurst = burst
	return b
}

// Build validates the configuration and creates the Engine.
func (b *EngineBuilder) Build() (*Engine, error) {
	if err := b.cfg.validate(); err != nil {
		return nil, errors.E(
			errors.Op("Build"),
			errors.Component("engine"),
			errors.KindValidation,
			err,
		)
	}

	if b.perms == nil {
		b.perms = NewDocumentPermissionEvaluator()
	}
	if b.persist == nil {
		b.persist = noopPersistence{}
	}
	if b.metrics == nil {
		b.metrics = &NoOpMetricsCollector{}
	}
	if b.logger == nil {
		b.logger = logging.Default().WithComponent("engine")
	}
	if b.clock == nil {
		b.clock = NewSystemClock()
	}
	if b.resolver == nil {
		b.resolver = &TimestampOrderResolver{}
	}

	return newEngine(b)
}

// Reset clears the builder, allowing reuse.
func (b *EngineBuilder) Reset() *EngineBuilder {
	*b = EngineBuilder{cfg: defaultEngineConfig()}
	return b
}
