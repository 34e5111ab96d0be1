// Package collabkit provides a real-time collaborative document engine:
// multiple participants concurrently edit shared text documents, attach
// threaded comments, see each other's cursors, and lock or export the
// result, while every replica converges despite out-of-order and
// concurrent delivery.
//
// Convergence uses per-participant vector clocks plus a deterministic
// timestamp ordering heuristic over recent history, not a formal
// OT/CRDT algorithm. Transport, permission evaluation, and durable
// persistence are external collaborators consumed through interfaces;
// reference adapters live in the transport/ and storage/ subpackages.
package collabkit

import (
	"context"

	"github.com/c0deZ3R0/go-collab-kit/wire"
)

// PermissionEvaluator answers capability checks. The engine re-checks
// on every mutating call and never stores or re-derives the decision.
type PermissionEvaluator interface {
	// CanPerform reports whether the participant may exercise the
	// capability on the document.
	CanPerform(ctx context.Context, participantID string, doc *Document, cap Capability) bool
}

// Persistence is the durable-storage collaborator. Implementations can
// use any backend (SQLite, PostgreSQL, Pebble, ...).
type Persistence interface {
	// SaveSnapshot persists the current document state, called by
	// autosave and explicit save.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot retrieves the most recent snapshot for a document.
	LoadSnapshot(ctx context.Context, documentID string) (Snapshot, error)

	// AppendOperations journals applied operations for a document.
	AppendOperations(ctx context.Context, documentID string, ops []Operation) error

	// WriteExport stores rendered export output.
	WriteExport(ctx context.Context, documentID string, format ExportFormat, data []byte) error

	// Close releases storage resources.
	Close() error
}

// Transport delivers envelopes between replicas. Delivery is assumed
// at-least-once with no ordering guarantee; the engine tolerates
// duplicates and reordering.
type Transport interface {
	// Broadcast sends an envelope to all other replicas.
	Broadcast(ctx context.Context, env *wire.Envelope) error

	// Subscribe registers the handler for inbound envelopes. The
	// handler must be safe to call from transport goroutines.
	Subscribe(ctx context.Context, handler func(*wire.Envelope)) error

	// Participants lists the participant IDs currently in the
	// document's session.
	Participants(ctx context.Context, documentID string) ([]string, error)

	// Close closes the transport connection.
	Close() error
}

// documentPermissions is the default evaluator: it consults the
// document's own grantee sets.
type documentPermissions struct{}

func (documentPermissions) CanPerform(_ context.Context, participantID string, doc *Document, cap Capability) bool {
	if doc == nil || doc.Permissions == nil {
		return false
	}
	return doc.Permissions.Allows(cap, participantID)
}

// NewDocumentPermissionEvaluator returns the default evaluator backed
// by each document's permission grantee sets.
func NewDocumentPermissionEvaluator() PermissionEvaluator {
	return documentPermissions{}
}

// noopPersistence discards snapshots for engines running without
// durable storage.
type noopPersistence struct{}

func (noopPersistence) SaveSnapshot(context.Context, Snapshot) error { return nil }
func (noopPersistence) LoadSnapshot(_ context.Context, documentID string) (Snapshot, error) {
	return Snapshot{}, errSnapshotNotFound(documentID)
}
func (noopPersistence) AppendOperations(context.Context, string, []Operation) error { return nil }
func (noopPersistence) WriteExport(context.Context, string, ExportFormat, []byte) error {
	return nil
}
func (noopPersistence) Close() error { return nil }

var (
	_ PermissionEvaluator = documentPermissions{}
	_ Persistence         = noopPersistence{}
)
