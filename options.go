package collabkit

import (
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-collab-kit/errors"
	"github.com/c0deZ3R0/go-collab-kit/logging"
)

// Engine tuning defaults. Every value can be overridden through an
// Option or the EngineBuilder.
const (
	// DefaultHistoryLimit is the per-document history ring capacity.
	DefaultHistoryLimit = 1000

	// DefaultConflictWindow is how many recent history entries the
	// detector scans for collisions.
	DefaultConflictWindow = 10

	// DefaultProximityWindow is the insert-vs-insert distance, in
	// runes, below which two concurrent inserts conflict.
	DefaultProximityWindow = 5

	// DefaultEventBuffer is the bounded event queue capacity.
	DefaultEventBuffer = 1024

	// DefaultDedupCacheSize is the capacity of the engine-wide
	// seen-operation-ID cache.
	DefaultDedupCacheSize = 4096

	// DefaultFlushInterval is how often pending remote operations are
	// drained and integrated.
	DefaultFlushInterval = time.Second

	// DefaultSweepInterval is how often stale cursors are evicted.
	DefaultSweepInterval = 500 * time.Millisecond

	// DefaultAutosaveInterval is how often dirty documents are
	// snapshotted to the persistence collaborator.
	DefaultAutosaveInterval = 30 * time.Second

	// DefaultCursorTTL is how long a cursor stays active without an
	// update before the sweep evicts it.
	DefaultCursorTTL = 10 * time.Second

	// DefaultCursorThrottle is the minimum spacing between cursor
	// broadcasts per participant. Local cursor state always updates;
	// only the broadcast is throttled.
	DefaultCursorThrottle = 250 * time.Millisecond

	// DefaultCursorBurst is the cursor broadcast limiter burst.
	DefaultCursorBurst = 1
)

// engineConfig carries the tunables shared across engine components.
type engineConfig struct {
	HistoryLimit     int
	ConflictWindow   int
	ProximityWindow  int
	EventBuffer      int
	DedupCacheSize   int
	FlushInterval    time.Duration
	SweepInterval    time.Duration
	AutosaveInterval time.Duration
	CursorTTL        time.Duration
	CursorThrottle   time.Duration
	CursorBurst      int
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		HistoryLimit:     DefaultHistoryLimit,
		ConflictWindow:   DefaultConflictWindow,
		ProximityWindow:  DefaultProximityWindow,
		EventBuffer:      DefaultEventBuffer,
		DedupCacheSize:   DefaultDedupCacheSize,
		FlushInterval:    DefaultFlushInterval,
		SweepInterval:    DefaultSweepInterval,
		AutosaveInterval: DefaultAutosaveInterval,
		CursorTTL:        DefaultCursorTTL,
		CursorThrottle:   DefaultCursorThrottle,
		CursorBurst:      DefaultCursorBurst,
	}
}

func (c engineConfig) validate() error {
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive, got %d", c.HistoryLimit)
	}
	if c.ConflictWindow <= 0 {
		return fmt.Errorf("conflict window must be positive, got %d", c.ConflictWindow)
	}
	if c.ProximityWindow < 0 {
		return fmt.Errorf("proximity window must not be negative, got %d", c.ProximityWindow)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be positive, got %d", c.EventBuffer)
	}
	if c.DedupCacheSize <= 0 {
		return fmt.Errorf("dedup cache size must be positive, got %d", c.DedupCacheSize)
	}
	for _, iv := range []struct {
		name string
		d    time.Duration
	}{
		{"flush interval", c.FlushInterval},
		{"sweep interval", c.SweepInterval},
		{"autosave interval", c.AutosaveInterval},
		{"cursor TTL", c.CursorTTL},
	} {
		if iv.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", iv.name, iv.d)
		}
	}
	return nil
}

func errMissing(what string) error {
	return fmt.Errorf("%s is required", what)
}

func errClosed(what string) error {
	return fmt.Errorf("%s is closed", what)
}

// Option is a functional option for configuring an Engine via New.
type Option func(*EngineBuilder) error

// New constructs an Engine using functional options on top of the
// builder. It keeps the builder for advanced use while offering a
// concise, discoverable API.
func New(opts ...Option) (*Engine, error) {
	b := NewEngineBuilder()
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, errors.E(
				errors.Op("New"),
				errors.Component("engine"),
				errors.KindValidation,
				err,
			)
		}
	}
	return b.Build()
}

// WithPermissionEvaluator sets the capability check collaborator.
func WithPermissionEvaluator(p PermissionEvaluator) Option {
	return func(b *EngineBuilder) error {
		if p == nil {
			return errMissing("permission evaluator")
		}
		b.WithPermissionEvaluator(p)
		return nil
	}
}

// WithPersistence sets the durable storage collaborator.
func WithPersistence(p Persistence) Option {
	return func(b *EngineBuilder) error {
		if p == nil {
			return errMissing("persistence")
		}
		b.WithPersistence(p)
		return nil
	}
}

// WithTransport sets the replica transport. Engines without a
// transport run local-only.
func WithTransport(t Transport) Option {
	return func(b *EngineBuilder) error {
		if t == nil {
			return errMissing("transport")
		}
		b.WithTransport(t)
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(b *EngineBuilder) error {
		if m == nil {
			return errMissing("metrics collector")
		}
		b.WithMetrics(m)
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *EngineBuilder) error {
		if l == nil {
			return errMissing("logger")
		}
		b.WithLogger(l)
		return nil
	}
}

// WithClock sets the time source. Tests inject a ManualClock here.
func WithClock(c Clock) Option {
	return func(b *EngineBuilder) error {
		if c == nil {
			return errMissing("clock")
		}
		b.WithClock(c)
		return nil
	}
}

// WithHistoryLimit sets the per-document history ring capacity.
func WithHistoryLimit(n int) Option {
	return func(b *EngineBuilder) error {
		b.WithHistoryLimit(n)
		return nil
	}
}

// WithConflictWindow sets how many recent operations the conflict
// detector scans.
func WithConflictWindow(n int) Option {
	return func(b *EngineBuilder) error {
		b.WithConflictWindow(n)
		return nil
	}
}

// WithProximityWindow sets the insert-vs-insert conflict distance in
// runes.
func WithProximityWindow(n int) Option {
	return func(b *EngineBuilder) error {
		b.WithProximityWindow(n)
		return nil
	}
}

// WithIntervals sets the scheduler's flush, sweep, and autosave
// periods.
func WithIntervals(flush, sweep, autosave time.Duration) Option {
	return func(b *EngineBuilder) error {
		b.WithIntervals(flush, sweep, autosave)
		return nil
	}
}

// WithResolver sets the conflict resolution strategy.
func WithResolver(r Resolver) Option {
	return func(b *EngineBuilder) error {
		if r == nil {
			return errMissing("resolver")
		}
		b.WithResolver(r)
		return nil
	}
}

// WithEventBuffer sets the bounded event queue capacity.
func WithEventBuffer(n int) Option {
	return func(b *EngineBuilder) error {
		b.WithEventBuffer(n)
		return nil
	}
}

// WithCursorTTL sets how long cursors stay active without updates.
func WithCursorTTL(d time.Duration) Option {
	return func(b *EngineBuilder) error {
		b.WithCursorTTL(d)
		return nil
	}
}

// WithCursorThrottle sets the per-participant cursor broadcast rate.
func WithCursorThrottle(every time.Duration, burst int) Option {
	return func(b *EngineBuilder) error {
		b.WithCursorThrottle(every, burst)
		return nil
	}
}

// WithDedupCacheSize sets the seen-operation-ID cache capacity.
func WithDedupCacheSize(n int) Option {
	return func(b *EngineBuilder) error {
		b.WithDedupCacheSize(n)
		return nil
	}
}
