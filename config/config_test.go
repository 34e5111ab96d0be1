package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	collabkit "github.com/c0deZ3R0/go-collab-kit"
)

func yamlUnmarshal(t *testing.T, doc string, v interface{}) error {
	t.Helper()
	return yaml.Unmarshal([]byte(doc), v)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "collabkit.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	if cfg.Engine.HistoryLimit != collabkit.DefaultHistoryLimit {
		t.Errorf("expected history limit %d, got %d", collabkit.DefaultHistoryLimit, cfg.Engine.HistoryLimit)
	}
	if cfg.Scheduler.AutosaveInterval.Duration() != collabkit.DefaultAutosaveInterval {
		t.Errorf("unexpected autosave interval: %s", cfg.Scheduler.AutosaveInterval.Duration())
	}
	if cfg.Storage.Driver != StorageNone || cfg.Transport.Driver != TransportNone {
		t.Errorf("defaults should wire no adapters, got %q/%q", cfg.Storage.Driver, cfg.Transport.Driver)
	}
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  history_limit: 500
  conflict_window: 20
  proximity_window: 3
  event_buffer: 256
  dedup_cache_size: 1024

scheduler:
  flush_interval: 250ms
  sweep_interval: 1s
  autosave_interval: 10s

cursor:
  ttl: 5s
  throttle: 100ms
  burst: 2

logging:
  level: debug
  format: text
  environment: test

storage:
  driver: sqlite
  dsn: "file:collab.db"

transport:
  driver: redis
  redis_addr: "localhost:6379"
  channel_prefix: staging
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Engine.HistoryLimit != 500 {
		t.Errorf("expected history limit 500, got %d", cfg.Engine.HistoryLimit)
	}
	if cfg.Scheduler.FlushInterval.Duration() != 250*time.Millisecond {
		t.Errorf("expected 250ms flush interval, got %s", cfg.Scheduler.FlushInterval.Duration())
	}
	if cfg.Cursor.TTL.Duration() != 5*time.Second {
		t.Errorf("expected 5s cursor TTL, got %s", cfg.Cursor.TTL.Duration())
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != StorageSQLite || cfg.Storage.DSN != "file:collab.db" {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Transport.Driver != TransportRedis || cfg.Transport.RedisAddr != "localhost:6379" {
		t.Errorf("unexpected transport config: %+v", cfg.Transport)
	}
	if cfg.Transport.ChannelPrefix != "staging" {
		t.Errorf("expected channel prefix staging, got %q", cfg.Transport.ChannelPrefix)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  history_limit: 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Engine.HistoryLimit != 50 {
		t.Errorf("expected overridden history limit 50, got %d", cfg.Engine.HistoryLimit)
	}
	if cfg.Engine.EventBuffer != collabkit.DefaultEventBuffer {
		t.Errorf("expected default event buffer, got %d", cfg.Engine.EventBuffer)
	}
	if cfg.Cursor.TTL.Duration() != collabkit.DefaultCursorTTL {
		t.Errorf("expected default cursor TTL, got %s", cfg.Cursor.TTL.Duration())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "engine: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDurationParsing(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want time.Duration
		ok   bool
	}{
		{"go syntax", "flush_interval: 1500ms", 1500 * time.Millisecond, true},
		{"numeric seconds", "flush_interval: 2", 2 * time.Second, true},
		{"fractional seconds", "flush_interval: 0.5", 500 * time.Millisecond, true},
		{"garbage", "flush_interval: soon", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s SchedulerConfig
			err := yamlUnmarshal(t, tt.yaml, &s)
			if !tt.ok {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to parse: %v", err)
			}
			if s.FlushInterval.Duration() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, s.FlushInterval.Duration())
			}
		})
	}
}

func TestValidateReportsOffendingField(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			"zero history limit",
			func(c *Config) { c.Engine.HistoryLimit = 0 },
			"engine.history_limit",
		},
		{
			"negative proximity",
			func(c *Config) { c.Engine.ProximityWindow = -1 },
			"engine.proximity_window",
		},
		{
			"zero flush interval",
			func(c *Config) { c.Scheduler.FlushInterval = 0 },
			"scheduler.flush_interval",
		},
		{
			"zero cursor ttl",
			func(c *Config) { c.Cursor.TTL = 0 },
			"cursor.ttl",
		},
		{
			"zero cursor burst",
			func(c *Config) { c.Cursor.Burst = 0 },
			"cursor.burst",
		},
		{
			"bad log level",
			func(c *Config) { c.Logging.Level = "loud" },
			"logging.level",
		},
		{
			"bad log format",
			func(c *Config) { c.Logging.Format = "xml" },
			"logging.format",
		},
		{
			"unknown storage driver",
			func(c *Config) { c.Storage.Driver = "etcd" },
			"storage.driver",
		},
		{
			"storage without dsn",
			func(c *Config) { c.Storage.Driver = StoragePostgres },
			"storage.dsn",
		},
		{
			"unknown transport driver",
			func(c *Config) { c.Transport.Driver = "carrier-pigeon" },
			"transport.driver",
		},
		{
			"redis without addr",
			func(c *Config) { c.Transport.Driver = TransportRedis },
			"transport.redis_addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should name %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  history_limit: -5
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error from Load")
	}
}

func TestEngineOptionsBuildEngine(t *testing.T) {
	cfg := Default()
	cfg.Engine.HistoryLimit = 64
	cfg.Cursor.Burst = 3

	engine, err := collabkit.New(cfg.EngineOptions()...)
	if err != nil {
		t.Fatalf("Failed to build engine from config options: %v", err)
	}
	defer engine.Close()
}
