// Package sqlite provides a SQLite implementation of the collab-kit
// Persistence interface: document snapshots, an append-only operation
// archive, and rendered exports.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	collabkit "github.com/c0deZ3R0/go-collab-kit"
	collabErrors "github.com/c0deZ3R0/go-collab-kit/errors"
	"github.com/c0deZ3R0/go-collab-kit/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opSaveSnapshot = "sqlite.SaveSnapshot"
	opLoadSnapshot = "sqlite.LoadSnapshot"
	opAppendOps    = "sqlite.AppendOperations"
	opLoadOps      = "sqlite.Operations"
	opWriteExport  = "sqlite.WriteExport"
)

// ErrStoreClosed is returned by every method after Close.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the Store.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// For production use, consider enabling WAL mode for better concurrency.
	// Example: "file:collab.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// This is recommended for production use and is enabled by default.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Logger is an optional logger for logging internal operations and errors.
	// If nil, logging is disabled by default (logs to io.Discard).
	Logger *log.Logger

	// Connection pool settings for production workloads.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "?_journal_mode=") {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor using DefaultConfig.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store implements collabkit.Persistence on SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *log.Logger
}

// Compile-time check that Store satisfies the Persistence interface
var _ collabkit.Persistence = (*Store)(nil)

// New creates a Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: config.Logger,
	}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.InfoContext(context.Background(), "SQLite persistence initialized")
	return store, nil
}

// setupSchema creates the snapshot, operation, and export tables.
func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS snapshots (
        document_id   TEXT PRIMARY KEY,
        title         TEXT NOT NULL,
        kind          TEXT NOT NULL,
        content       TEXT NOT NULL,
        version       INTEGER NOT NULL,
        checksum      TEXT NOT NULL,
        clock         TEXT,
        collaborators TEXT,
        saved_at      TIMESTAMP NOT NULL
    );
    CREATE TABLE IF NOT EXISTS operations (
        seq         INTEGER PRIMARY KEY AUTOINCREMENT,
        id          TEXT NOT NULL UNIQUE,
        document_id TEXT NOT NULL,
        kind        TEXT NOT NULL,
        author_id   TEXT NOT NULL,
        payload     TEXT NOT NULL,
        archived_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_operations_document ON operations (document_id, seq);
    CREATE TABLE IF NOT EXISTS exports (
        document_id TEXT NOT NULL,
        format      TEXT NOT NULL,
        data        BLOB NOT NULL,
        written_at  TIMESTAMP NOT NULL,
        PRIMARY KEY (document_id, format)
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveSnapshot upserts the document's latest snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap collabkit.Snapshot) error {
	if err := s.guard(); err != nil {
		return collabErrors.WrapOpComponentKind(err, opSaveSnapshot, "storage/sqlite", collabErrors.KindStorage)
	}
	if snap.DocumentID == "" {
		return collabErrors.WrapOpComponentKind(
			fmt.Errorf("snapshot missing document ID"),
			opSaveSnapshot, "storage/sqlite", collabErrors.KindValidation)
	}

	var clockJSON string
	if snap.Clock != nil {
		data, err := json.Marshal(snap.Clock)
		if err != nil {
			return collabErrors.WrapOpComponent(err, opSaveSnapshot, "storage/sqlite")
		}
		clockJSON = string(data)
	}
	var collabJSON string
	if len(snap.Collaborators) > 0 {
		data, err := json.Marshal(snap.Collaborators)
		if err != nil {
			return collabErrors.WrapOpComponent(err, opSaveSnapshot, "storage/sqlite")
		}
		collabJSON = string(data)
	}

	query := `INSERT INTO snapshots (document_id, title, kind, content, version, checksum, clock, collaborators, saved_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(document_id) DO UPDATE SET
            title = excluded.title,
            kind = excluded.kind,
            content = excluded.content,
            version = excluded.version,
            checksum = excluded.checksum,
            clock = excluded.clock,
            collaborators = excluded.collaborators,
            saved_at = excluded.saved_at`
	_, err := s.db.ExecContext(ctx, query,
		snap.DocumentID,
		snap.Title,
		string(snap.Kind),
		snap.Content,
		snap.Version,
		snap.Checksum,
		clockJSON,
		collabJSON,
		snap.SavedAt.UTC(),
	)
	if err != nil {
		return collabErrors.WrapOpComponentKind(err, opSaveSnapshot, "storage/sqlite", collabErrors.KindStorage)
	}
	return nil
}

// LoadSnapshot retrieves the most recent snapshot for a document.
func (s *Store) LoadSnapshot(ctx context.Context, documentID string) (collabkit.Snapshot, error) {
	var snap collabkit.Snapshot
	if err := s.guard(); err != nil {
		return snap, collabErrors.WrapOpComponentKind(err, opLoadSnapshot, "storage/sqlite", collabErrors.KindStorage)
	}

	query := `SELECT document_id, title, kind, content, version, checksum, clock, collaborators, saved_at
        FROM snapshots WHERE document_id = ?`
	var kind string
	var clockJSON, collabJSON sql.NullString
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(
		&snap.DocumentID,
		&snap.Title,
		&kind,
		&snap.Content,
		&snap.Version,
		&snap.Checksum,
		&clockJSON,
		&collabJSON,
		&snap.SavedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return collabkit.Snapshot{}, collabErrors.NotFound(collabErrors.OpLoad, documentID)
	}
	if err != nil {
		return collabkit.Snapshot{}, collabErrors.WrapOpComponentKind(err, opLoadSnapshot, "storage/sqlite", collabErrors.KindStorage)
	}
	snap.Kind = collabkit.DocumentKind(kind)

	if clockJSON.Valid && clockJSON.String != "" {
		if err := json.Unmarshal([]byte(clockJSON.String), &snap.Clock); err != nil {
			return collabkit.Snapshot{}, collabErrors.WrapOpComponent(err, opLoadSnapshot, "storage/sqlite")
		}
	}
	if collabJSON.Valid && collabJSON.String != "" {
		if err := json.Unmarshal([]byte(collabJSON.String), &snap.Collaborators); err != nil {
			return collabkit.Snapshot{}, collabErrors.WrapOpComponent(err, opLoadSnapshot, "storage/sqlite")
		}
	}
	return snap, nil
}

// AppendOperations archives applied operations in a single transaction.
// Operation IDs are unique in the archive; redelivered operations are
// skipped so retried saves stay idempotent.
func (s *Store) AppendOperations(ctx context.Context, documentID string, ops []collabkit.Operation) error {
	if err := s.guard(); err != nil {
		return collabErrors.WrapOpComponentKind(err, opAppendOps, "storage/sqlite", collabErrors.KindStorage)
	}
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return collabErrors.WrapOpComponentKind(err, opAppendOps, "storage/sqlite", collabErrors.KindStorage)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO operations (id, document_id, kind, author_id, payload) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return collabErrors.WrapOpComponentKind(err, opAppendOps, "storage/sqlite", collabErrors.KindStorage)
	}
	defer stmt.Close()

	for i := range ops {
		op := &ops[i]
		var payload []byte
		payload, err = json.Marshal(op)
		if err != nil {
			return collabErrors.WrapOpComponent(err, opAppendOps, "storage/sqlite")
		}
		_, err = stmt.ExecContext(ctx, op.ID, documentID, string(op.Kind), op.AuthorID, string(payload))
		if err != nil {
			return collabErrors.WrapOpComponentKind(err, opAppendOps, "storage/sqlite", collabErrors.KindStorage)
		}
	}

	if err = tx.Commit(); err != nil {
		return collabErrors.WrapOpComponentKind(err, opAppendOps, "storage/sqlite", collabErrors.KindStorage)
	}
	return nil
}

// Operations replays the archive for a document in append order,
// starting after sinceSeq. The returned cursor is the last sequence
// read; pass it back to page through large archives.
func (s *Store) Operations(ctx context.Context, documentID string, sinceSeq int64) ([]collabkit.Operation, int64, error) {
	if err := s.guard(); err != nil {
		return nil, 0, collabErrors.WrapOpComponentKind(err, opLoadOps, "storage/sqlite", collabErrors.KindStorage)
	}

	query := `SELECT seq, payload FROM operations WHERE document_id = ? AND seq > ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, documentID, sinceSeq)
	if err != nil {
		return nil, 0, collabErrors.WrapOpComponentKind(err, opLoadOps, "storage/sqlite", collabErrors.KindStorage)
	}
	defer rows.Close()

	var ops []collabkit.Operation
	last := sinceSeq
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, 0, collabErrors.WrapOpComponent(err, opLoadOps, "storage/sqlite")
		}
		var op collabkit.Operation
		if err := json.Unmarshal([]byte(payload), &op); err != nil {
			return nil, 0, collabErrors.WrapOpComponent(err, opLoadOps, "storage/sqlite")
		}
		ops = append(ops, op)
		last = seq
	}
	if err := rows.Err(); err != nil {
		return nil, 0, collabErrors.WrapOpComponentKind(err, opLoadOps, "storage/sqlite", collabErrors.KindStorage)
	}
	return ops, last, nil
}

// WriteExport upserts one rendered export per document and format.
func (s *Store) WriteExport(ctx context.Context, documentID string, format collabkit.ExportFormat, data []byte) error {
	if err := s.guard(); err != nil {
		return collabErrors.WrapOpComponentKind(err, opWriteExport, "storage/sqlite", collabErrors.KindStorage)
	}

	query := `INSERT INTO exports (document_id, format, data, written_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(document_id, format) DO UPDATE SET
            data = excluded.data,
            written_at = excluded.written_at`
	_, err := s.db.ExecContext(ctx, query, documentID, string(format), data, time.Now().UTC())
	if err != nil {
		return collabErrors.WrapOpComponentKind(err, opWriteExport, "storage/sqlite", collabErrors.KindStorage)
	}
	return nil
}

// ReadExport returns a stored export, if present.
func (s *Store) ReadExport(ctx context.Context, documentID string, format collabkit.ExportFormat) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, collabErrors.WrapOpComponentKind(err, opWriteExport, "storage/sqlite", collabErrors.KindStorage)
	}

	var data []byte
	query := `SELECT data FROM exports WHERE document_id = ? AND format = ?`
	err := s.db.QueryRowContext(ctx, query, documentID, string(format)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, collabErrors.NotFound(collabErrors.OpLoad, documentID)
	}
	if err != nil {
		return nil, collabErrors.WrapOpComponentKind(err, opWriteExport, "storage/sqlite", collabErrors.KindStorage)
	}
	return data, nil
}

// Close closes the database connection. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

