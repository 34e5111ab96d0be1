// Package pebbledb provides an embedded Pebble implementation of the
// collab-kit Persistence interface. It suits single-node deployments
// that want durable snapshots and an operation archive without running
// a database server.
package pebbledb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	collabkit "github.com/c0deZ3R0/go-collab-kit"
	collabErrors "github.com/c0deZ3R0/go-collab-kit/errors"
	"github.com/c0deZ3R0/go-collab-kit/logging"
)

// Key namespaces. Operation row keys embed a zero-padded timestamp so
// a prefix scan yields append order.
const (
	snapshotPrefix = "snapshot:"
	exportPrefix   = "export:"
	opIDPrefix     = "opid:"
	docPrefix      = "doc:"
)

// Operation constants for consistent error reporting
const (
	opSaveSnapshot = "pebble.SaveSnapshot"
	opLoadSnapshot = "pebble.LoadSnapshot"
	opAppendOps    = "pebble.AppendOperations"
	opLoadOps      = "pebble.Operations"
	opWriteExport  = "pebble.WriteExport"
)

// ErrStoreClosed is returned by every method after Close.
var ErrStoreClosed = errors.New("store is closed")

// Options tunes durability of writes.
type Options struct {
	// NoSync makes writes return before they reach stable storage.
	// Faster, but a crash can lose the most recent operations.
	NoSync bool
}

// DefaultOptions sync every write.
var DefaultOptions = &Options{
	NoSync: false,
}

// Store implements collabkit.Persistence on an embedded Pebble database.
type Store struct {
	mu     stdSync.RWMutex
	db     *pebble.DB
	path   string
	opts   Options
	closed bool

	// seq breaks ties between operations archived in the same
	// nanosecond.
	seq uint64
}

// Compile-time check that Store satisfies the Persistence interface
var _ collabkit.Persistence = (*Store)(nil)

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, DefaultOptions)
}

// OpenWithOptions opens a Pebble database with explicit options.
func OpenWithOptions(path string, opts *Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if opts == nil {
		opts = DefaultOptions
	}

	logger := logging.WithComponent(logging.Component("pebble-store"))
	logger.InfoContext(context.Background(), "Opening Pebble database",
		slog.String("path", path),
		slog.Bool("no_sync", opts.NoSync),
	)

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	logger.InfoContext(context.Background(), "Pebble persistence initialized")
	return &Store{
		db:   db,
		path: path,
		opts: *opts,
	}, nil
}

func (s *Store) writeOpts() *pebble.WriteOptions {
	if s.opts.NoSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

func (s *Store) guard() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func snapshotKey(documentID string) []byte {
	return []byte(snapshotPrefix + documentID)
}

func exportKey(documentID string, format collabkit.ExportFormat) []byte {
	return []byte(exportPrefix + documentID + ":" + string(format))
}

func opRowPrefix(documentID string) string {
	return docPrefix + documentID + ":op:"
}

// SaveSnapshot stores the document's latest snapshot, replacing any
// previous one.
func (s *Store) SaveSnapshot(ctx context.Context, snap collabkit.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return collabErrors.WrapOpComponentKind(err, opSaveSnapshot, "storage/pebbledb", collabErrors.KindStorage)
	}
	if snap.DocumentID == "" {
		return collabErrors.WrapOpComponentKind(
			fmt.Errorf("snapshot missing document ID"),
			opSaveSnapshot, "storage/pebbledb", collabErrors.KindValidation)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return collabErrors.WrapOpComponent(err, opSaveSnapshot, "storage/pebbledb")
	}
	if err := s.db.Set(snapshotKey(snap.DocumentID), data, s.writeOpts()); err != nil {
		return collabErrors.WrapOpComponentKind(err, opSaveSnapshot, "storage/pebbledb", collabErrors.KindStorage)
	}
	return nil
}

// LoadSnapshot retrieves the most recent snapshot for a document.
func (s *Store) LoadSnapshot(ctx context.Context, documentID string) (collabkit.Snapshot, error) {
	var snap collabkit.Snapshot
	if err := ctx.Err(); err != nil {
		return snap, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return snap, collabErrors.WrapOpComponentKind(err, opLoadSnapshot, "storage/pebbledb", collabErrors.KindStorage)
	}

	data, closer, err := s.db.Get(snapshotKey(documentID))
	if closer != nil {
		defer closer.Close()
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return snap, collabErrors.NotFound(collabErrors.OpLoad, documentID)
	}
	if err != nil {
		return snap, collabErrors.WrapOpComponentKind(err, opLoadSnapshot, "storage/pebbledb", collabErrors.KindStorage)
	}

	if err := json.Unmarshal(data, &snap); err != nil {
		return collabkit.Snapshot{}, collabErrors.WrapOpComponent(err, opLoadSnapshot, "storage/pebbledb")
	}
	return snap, nil
}

// AppendOperations archives applied operations in one atomic batch.
// Row keys embed a zero-padded timestamp plus a tie-break counter, so
// prefix scans replay the archive in append order. Operation IDs are
// tracked in a marker namespace; redelivered operations are skipped.
func (s *Store) AppendOperations(ctx context.Context, documentID string, ops []collabkit.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return collabErrors.WrapOpComponentKind(err, opAppendOps, "storage/pebbledb", collabErrors.KindStorage)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	prefix := opRowPrefix(documentID)
	for i := range ops {
		op := &ops[i]

		markerKey := []byte(opIDPrefix + op.ID)
		_, closer, err := s.db.Get(markerKey)
		if closer != nil {
			closer.Close()
		}
		if err == nil {
			continue // already archived
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return collabErrors.WrapOpComponentKind(err, opAppendOps, "storage/pebbledb", collabErrors.KindStorage)
		}

		payload, err := json.Marshal(op)
		if err != nil {
			return collabErrors.WrapOpComponent(err, opAppendOps, "storage/pebbledb")
		}

		ts := time.Now().UTC().UnixNano()
		n := atomic.AddUint64(&s.seq, 1)
		rowKey := []byte(fmt.Sprintf("%s%020d-%06d", prefix, ts, n))

		if err := batch.Set(rowKey, payload, nil); err != nil {
			return collabErrors.WrapOpComponentKind(err, opAppendOps, "storage/pebbledb", collabErrors.KindStorage)
		}
		if err := batch.Set(markerKey, rowKey, nil); err != nil {
			return collabErrors.WrapOpComponentKind(err, opAppendOps, "storage/pebbledb", collabErrors.KindStorage)
		}
	}

	if err := batch.Commit(s.writeOpts()); err != nil {
		return collabErrors.WrapOpComponentKind(err, opAppendOps, "storage/pebbledb", collabErrors.KindStorage)
	}
	return nil
}

// Operations replays the archive for a document in append order,
// starting after the opaque cursor returned by a previous call. An
// empty cursor starts from the beginning.
func (s *Store) Operations(ctx context.Context, documentID string, afterKey string) ([]collabkit.Operation, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, "", collabErrors.WrapOpComponentKind(err, opLoadOps, "storage/pebbledb", collabErrors.KindStorage)
	}

	prefix := opRowPrefix(documentID)
	lower := prefix
	if afterKey != "" {
		// Resume strictly after the cursor key.
		lower = afterKey + "\x00"
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(lower),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return nil, "", collabErrors.WrapOpComponentKind(err, opLoadOps, "storage/pebbledb", collabErrors.KindStorage)
	}
	defer iter.Close()

	var ops []collabkit.Operation
	last := afterKey
	for iter.First(); iter.Valid(); iter.Next() {
		// Copy since Pebble data is only valid until the iterator moves.
		v := append([]byte(nil), iter.Value()...)

		var op collabkit.Operation
		if err := json.Unmarshal(v, &op); err != nil {
			return nil, "", collabErrors.WrapOpComponent(err, opLoadOps, "storage/pebbledb")
		}
		ops = append(ops, op)
		last = string(iter.Key())
	}
	if err := iter.Error(); err != nil {
		return nil, "", collabErrors.WrapOpComponentKind(err, opLoadOps, "storage/pebbledb", collabErrors.KindStorage)
	}
	return ops, last, nil
}

// WriteExport stores one rendered export per document and format,
// replacing any previous payload.
func (s *Store) WriteExport(ctx context.Context, documentID string, format collabkit.ExportFormat, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return collabErrors.WrapOpComponentKind(err, opWriteExport, "storage/pebbledb", collabErrors.KindStorage)
	}

	if err := s.db.Set(exportKey(documentID, format), data, s.writeOpts()); err != nil {
		return collabErrors.WrapOpComponentKind(err, opWriteExport, "storage/pebbledb", collabErrors.KindStorage)
	}
	return nil
}

// ReadExport returns a stored export, if present.
func (s *Store) ReadExport(ctx context.Context, documentID string, format collabkit.ExportFormat) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, collabErrors.WrapOpComponentKind(err, opWriteExport, "storage/pebbledb", collabErrors.KindStorage)
	}

	data, closer, err := s.db.Get(exportKey(documentID, format))
	if closer != nil {
		defer closer.Close()
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, collabErrors.NotFound(collabErrors.OpLoad, documentID)
	}
	if err != nil {
		return nil, collabErrors.WrapOpComponentKind(err, opWriteExport, "storage/pebbledb", collabErrors.KindStorage)
	}

	// Copy since Pebble data is only valid until closer is called.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Close closes the database. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database directory.
func (s *Store) Path() string {
	return s.path
}
