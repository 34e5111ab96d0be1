// Package config loads collab-kit deployments from YAML files. A
// Config names the engine tunables, scheduler intervals, cursor
// behavior, logging setup, and which storage and transport adapters to
// wire. Validation runs as a chain of named validators so a bad file
// reports the section and field that broke.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	collabkit "github.com/c0deZ3R0/go-collab-kit"
	"github.com/c0deZ3R0/go-collab-kit/logging"
)

// Storage driver names accepted by StorageConfig.
const (
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StoragePebble   = "pebble"
	StorageNone     = "none"
)

// Transport driver names accepted by TransportConfig.
const (
	TransportRedis = "redis"
	TransportInmem = "inmem"
	TransportNone  = "none"
)

// Duration wraps time.Duration so YAML values parse from strings like
// "100ms" or plain numbers interpreted as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the wrapped standard duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config is the top-level deployment configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cursor    CursorConfig    `yaml:"cursor"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
}

// EngineConfig holds the per-engine limits.
type EngineConfig struct {
	HistoryLimit    int `yaml:"history_limit"`
	ConflictWindow  int `yaml:"conflict_window"`
	ProximityWindow int `yaml:"proximity_window"`
	EventBuffer     int `yaml:"event_buffer"`
	DedupCacheSize  int `yaml:"dedup_cache_size"`
}

// SchedulerConfig holds the background loop intervals.
type SchedulerConfig struct {
	FlushInterval    Duration `yaml:"flush_interval"`
	SweepInterval    Duration `yaml:"sweep_interval"`
	AutosaveInterval Duration `yaml:"autosave_interval"`
}

// CursorConfig holds presence behavior.
type CursorConfig struct {
	TTL      Duration `yaml:"ttl"`
	Throttle Duration `yaml:"throttle"`
	Burst    int      `yaml:"burst"`
}

// LoggingConfig mirrors the logging package's Config with YAML tags.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	AddSource   bool   `yaml:"add_source"`
	Environment string `yaml:"environment"`
}

// ToLogging converts to the logging package's Config.
func (c LoggingConfig) ToLogging() logging.Config {
	return logging.Config{
		Level:       c.Level,
		Format:      c.Format,
		AddSource:   c.AddSource,
		Environment: c.Environment,
	}
}

// StorageConfig selects the persistence adapter. DSN is the SQLite
// data source name, the PostgreSQL connection string, or the Pebble
// directory path, depending on the driver.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// TransportConfig selects the replica transport.
type TransportConfig struct {
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis_addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Default returns a Config carrying the engine's defaults, no storage,
// and no transport.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			HistoryLimit:    collabkit.DefaultHistoryLimit,
			ConflictWindow:  collabkit.DefaultConflictWindow,
			ProximityWindow: collabkit.DefaultProximityWindow,
			EventBuffer:     collabkit.DefaultEventBuffer,
			DedupCacheSize:  collabkit.DefaultDedupCacheSize,
		},
		Scheduler: SchedulerConfig{
			FlushInterval:    Duration(collabkit.DefaultFlushInterval),
			SweepInterval:    Duration(collabkit.DefaultSweepInterval),
			AutosaveInterval: Duration(collabkit.DefaultAutosaveInterval),
		},
		Cursor: CursorConfig{
			TTL:      Duration(collabkit.DefaultCursorTTL),
			Throttle: Duration(collabkit.DefaultCursorThrottle),
			Burst:    collabkit.DefaultCursorBurst,
		},
		Logging: LoggingConfig{
			Level:       logging.DefaultConfig.Level,
			Format:      logging.DefaultConfig.Format,
			AddSource:   logging.DefaultConfig.AddSource,
			Environment: logging.DefaultConfig.Environment,
		},
		Storage:   StorageConfig{Driver: StorageNone},
		Transport: TransportConfig{Driver: TransportNone},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validator validates one section of the configuration.
type Validator interface {
	Validate(cfg *Config) error
	Name() string
}

// Validate runs the default validator chain.
func (c *Config) Validate() error {
	return c.ValidateWith(defaultValidators()...)
}

// ValidateWith runs the given validators in order, stopping at the
// first failure.
func (c *Config) ValidateWith(validators ...Validator) error {
	for _, v := range validators {
		if err := v.Validate(c); err != nil {
			return fmt.Errorf("validator %s failed: %w", v.Name(), err)
		}
	}
	return nil
}

func defaultValidators() []Validator {
	return []Validator{
		engineValidator{},
		schedulerValidator{},
		cursorValidator{},
		loggingValidator{},
		storageValidator{},
		transportValidator{},
	}
}

type engineValidator struct{}

func (engineValidator) Name() string { return "engine" }

func (engineValidator) Validate(cfg *Config) error {
	e := cfg.Engine
	if e.HistoryLimit <= 0 {
		return fmt.Errorf("engine.history_limit must be positive, got %d", e.HistoryLimit)
	}
	if e.ConflictWindow <= 0 {
		return fmt.Errorf("engine.conflict_window must be positive, got %d", e.ConflictWindow)
	}
	if e.ProximityWindow < 0 {
		return fmt.Errorf("engine.proximity_window must not be negative, got %d", e.ProximityWindow)
	}
	if e.EventBuffer <= 0 {
		return fmt.Errorf("engine.event_buffer must be positive, got %d", e.EventBuffer)
	}
	if e.DedupCacheSize <= 0 {
		return fmt.Errorf("engine.dedup_cache_size must be positive, got %d", e.DedupCacheSize)
	}
	return nil
}

type schedulerValidator struct{}

func (schedulerValidator) Name() string { return "scheduler" }

func (schedulerValidator) Validate(cfg *Config) error {
	s := cfg.Scheduler
	for _, iv := range []struct {
		name string
		d    Duration
	}{
		{"scheduler.flush_interval", s.FlushInterval},
		{"scheduler.sweep_interval", s.SweepInterval},
		{"scheduler.autosave_interval", s.AutosaveInterval},
	} {
		if iv.d.Duration() <= 0 {
			return fmt.Errorf("%s must be positive, got %s", iv.name, iv.d.Duration())
		}
	}
	return nil
}

type cursorValidator struct{}

func (cursorValidator) Name() string { return "cursor" }

func (cursorValidator) Validate(cfg *Config) error {
	cu := cfg.Cursor
	if cu.TTL.Duration() <= 0 {
		return fmt.Errorf("cursor.ttl must be positive, got %s", cu.TTL.Duration())
	}
	if cu.Throttle.Duration() < 0 {
		return fmt.Errorf("cursor.throttle must not be negative, got %s", cu.Throttle.Duration())
	}
	if cu.Burst < 1 {
		return fmt.Errorf("cursor.burst must be at least 1, got %d", cu.Burst)
	}
	return nil
}

type loggingValidator struct{}

func (loggingValidator) Name() string { return "logging" }

func (loggingValidator) Validate(cfg *Config) error {
	l := cfg.Logging
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", l.Format)
	}
	return nil
}

type storageValidator struct{}

func (storageValidator) Name() string { return "storage" }

func (storageValidator) Validate(cfg *Config) error {
	s := cfg.Storage
	switch s.Driver {
	case StorageSQLite, StoragePostgres, StoragePebble:
		if s.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", s.Driver)
		}
	case StorageNone:
	default:
		return fmt.Errorf("storage.driver must be one of sqlite|postgres|pebble|none, got %q", s.Driver)
	}
	return nil
}

type transportValidator struct{}

func (transportValidator) Name() string { return "transport" }

func (transportValidator) Validate(cfg *Config) error {
	t := cfg.Transport
	switch t.Driver {
	case TransportRedis:
		if t.RedisAddr == "" {
			return fmt.Errorf("transport.redis_addr is required for driver %q", t.Driver)
		}
	case TransportInmem, TransportNone:
	default:
		return fmt.Errorf("transport.driver must be one of redis|inmem|none, got %q", t.Driver)
	}
	return nil
}

// EngineOptions maps the engine, scheduler, and cursor sections onto
// engine options. Collaborators (persistence, transport, metrics,
// logger) are wired separately by the caller.
func (c *Config) EngineOptions() []collabkit.Option {
	return []collabkit.Option{
		collabkit.WithHistoryLimit(c.Engine.HistoryLimit),
		collabkit.WithConflictWindow(c.Engine.ConflictWindow),
		collabkit.WithProximityWindow(c.Engine.ProximityWindow),
		collabkit.WithEventBuffer(c.Engine.EventBuffer),
		collabkit.WithDedupCacheSize(c.Engine.DedupCacheSize),
		collabkit.WithIntervals(
			c.Scheduler.FlushInterval.Duration(),
			c.Scheduler.SweepInterval.Duration(),
			c.Scheduler.AutosaveInterval.Duration(),
		),
		collabkit.WithCursorTTL(c.Cursor.TTL.Duration()),
		collabkit.WithCursorThrottle(c.Cursor.Throttle.Duration(), c.Cursor.Burst),
	}
}
