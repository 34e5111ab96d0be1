package collabkit

import (
	"context"
	"sync"

	"github.com/c0deZ3R0/go-collab-kit/errors"
)

func errSnapshotNotFound(documentID string) error {
	return errors.NotFound(errors.OpLoad, documentID)
}

// MemoryPersistence is an in-memory Persistence implementation for
// tests, examples, and single-process use. For durable storage use one
// of the storage/ adapters.
type MemoryPersistence struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	journal   map[string][]Operation
	exports   map[string]map[ExportFormat][]byte
	closed    bool
}

// NewMemoryPersistence creates an empty in-memory persistence store.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		snapshots: make(map[string]Snapshot),
		journal:   make(map[string][]Operation),
		exports:   make(map[string]map[ExportFormat][]byte),
	}
}

func (m *MemoryPersistence) SaveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.NewStorageError(errors.OpStore, errClosed("memory persistence"))
	}
	m.snapshots[snap.DocumentID] = snap
	return nil
}

func (m *MemoryPersistence) LoadSnapshot(_ context.Context, documentID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[documentID]
	if !ok {
		return Snapshot{}, errSnapshotNotFound(documentID)
	}
	return snap, nil
}

func (m *MemoryPersistence) AppendOperations(_ context.Context, documentID string, ops []Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.NewStorageError(errors.OpStore, errClosed("memory persistence"))
	}
	m.journal[documentID] = append(m.journal[documentID], ops...)
	return nil
}

func (m *MemoryPersistence) WriteExport(_ context.Context, documentID string, format ExportFormat, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.NewStorageError(errors.OpStore, errClosed("memory persistence"))
	}
	byFormat, ok := m.exports[documentID]
	if !ok {
		byFormat = make(map[ExportFormat][]byte)
		m.exports[documentID] = byFormat
	}
	byFormat[format] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Operations returns the journaled operations for a document, in
// append order.
func (m *MemoryPersistence) Operations(documentID string) []Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ops := m.journal[documentID]
	out := make([]Operation, len(ops))
	copy(out, ops)
	return out
}

// Export returns a stored export, if present.
func (m *MemoryPersistence) Export(documentID string, format ExportFormat) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byFormat, ok := m.exports[documentID]
	if !ok {
		return nil, false
	}
	data, ok := byFormat[format]
	return data, ok
}

var _ Persistence = (*MemoryPersistence)(nil)
