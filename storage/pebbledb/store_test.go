package pebbledb

import (
	"context"
	"fmt"
	"testing"
	"time"

	collabkit "github.com/c0deZ3R0/go-collab-kit"
	collabErrors "github.com/c0deZ3R0/go-collab-kit/errors"
	"github.com/c0deZ3R0/go-collab-kit/version"
)

func setupTestStore(t *testing.T) *Store {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testSnapshot(documentID string) collabkit.Snapshot {
	clock := version.NewVectorClock()
	clock.Increment("alice")

	return collabkit.Snapshot{
		DocumentID:    documentID,
		Title:         "Design Notes",
		Kind:          collabkit.KindMarkdown,
		Content:       "# Notes\n\nHello",
		Version:       3,
		Checksum:      "abc123",
		Clock:         clock,
		Collaborators: []string{"alice", "bob"},
		SavedAt:       time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

func testOperation(id, documentID string, text string) collabkit.Operation {
	return collabkit.Operation{
		ID:         id,
		DocumentID: documentID,
		Kind:       collabkit.OpInsert,
		Position:   0,
		Text:       text,
		AuthorID:   "alice",
		Timestamp:  time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
		Seq:        1,
	}
}

func TestPebbleStore_SaveLoadSnapshot(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	snap := testSnapshot("doc-1")
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}

	loaded, err := store.LoadSnapshot(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Failed to load snapshot: %v", err)
	}
	if loaded.Title != snap.Title {
		t.Errorf("Expected title %q, got %q", snap.Title, loaded.Title)
	}
	if loaded.Content != snap.Content {
		t.Errorf("Expected content %q, got %q", snap.Content, loaded.Content)
	}
	if loaded.Clock == nil || loaded.Clock.Counter("alice") != 1 {
		t.Errorf("Expected clock to round-trip, got %v", loaded.Clock)
	}

	// Saving again replaces the stored snapshot.
	snap.Version = 9
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("Failed to replace snapshot: %v", err)
	}
	loaded, err = store.LoadSnapshot(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Failed to reload snapshot: %v", err)
	}
	if loaded.Version != 9 {
		t.Errorf("Expected version 9 after replace, got %d", loaded.Version)
	}
}

func TestPebbleStore_LoadSnapshotMissing(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.LoadSnapshot(context.Background(), "no-such-doc")
	if !collabErrors.IsNotFound(err) {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

func TestPebbleStore_AppendAndReadOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ops := []collabkit.Operation{
		testOperation("op-1", "doc-1", "a"),
		testOperation("op-2", "doc-1", "b"),
		testOperation("op-3", "doc-1", "c"),
	}
	if err := store.AppendOperations(ctx, "doc-1", ops); err != nil {
		t.Fatalf("Failed to append operations: %v", err)
	}

	stored, cursor, err := store.Operations(ctx, "doc-1", "")
	if err != nil {
		t.Fatalf("Failed to read operations: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("Expected 3 operations, got %d", len(stored))
	}
	for i, want := range []string{"op-1", "op-2", "op-3"} {
		if stored[i].ID != want {
			t.Errorf("Expected %s at index %d, got %s", want, i, stored[i].ID)
		}
	}
	if cursor == "" {
		t.Fatal("Expected non-empty cursor after read")
	}

	// Appends after the cursor are picked up on the next page.
	if err := store.AppendOperations(ctx, "doc-1", []collabkit.Operation{testOperation("op-4", "doc-1", "d")}); err != nil {
		t.Fatalf("Failed to append operation: %v", err)
	}
	more, next, err := store.Operations(ctx, "doc-1", cursor)
	if err != nil {
		t.Fatalf("Failed to read operations from cursor: %v", err)
	}
	if len(more) != 1 || more[0].ID != "op-4" {
		t.Fatalf("Expected [op-4] past cursor, got %v", more)
	}
	if next == cursor {
		t.Error("Expected cursor to advance")
	}
}

func TestPebbleStore_AppendOperationsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ops := []collabkit.Operation{testOperation("op-1", "doc-1", "a")}
	if err := store.AppendOperations(ctx, "doc-1", ops); err != nil {
		t.Fatalf("Failed to append operations: %v", err)
	}
	// Redelivery of the same batch must not duplicate rows.
	if err := store.AppendOperations(ctx, "doc-1", ops); err != nil {
		t.Fatalf("Failed to re-append operations: %v", err)
	}

	stored, _, err := store.Operations(ctx, "doc-1", "")
	if err != nil {
		t.Fatalf("Failed to read operations: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("Expected 1 operation after redelivery, got %d", len(stored))
	}
}

func TestPebbleStore_OperationsIsolatedByDocument(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.AppendOperations(ctx, "doc-1", []collabkit.Operation{testOperation("op-1", "doc-1", "a")}); err != nil {
		t.Fatalf("Failed to append operations: %v", err)
	}
	if err := store.AppendOperations(ctx, "doc-2", []collabkit.Operation{testOperation("op-2", "doc-2", "b")}); err != nil {
		t.Fatalf("Failed to append operations: %v", err)
	}

	doc1Ops, _, err := store.Operations(ctx, "doc-1", "")
	if err != nil {
		t.Fatalf("Failed to read operations: %v", err)
	}
	if len(doc1Ops) != 1 || doc1Ops[0].ID != "op-1" {
		t.Errorf("Expected only doc-1 operations, got %v", doc1Ops)
	}
}

func TestPebbleStore_WriteReadExport(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.WriteExport(ctx, "doc-1", collabkit.ExportPlain, []byte("hello")); err != nil {
		t.Fatalf("Failed to write export: %v", err)
	}
	data, err := store.ReadExport(ctx, "doc-1", collabkit.ExportPlain)
	if err != nil {
		t.Fatalf("Failed to read export: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Expected export 'hello', got %q", data)
	}

	if err := store.WriteExport(ctx, "doc-1", collabkit.ExportPlain, []byte("updated")); err != nil {
		t.Fatalf("Failed to overwrite export: %v", err)
	}
	data, err = store.ReadExport(ctx, "doc-1", collabkit.ExportPlain)
	if err != nil {
		t.Fatalf("Failed to read overwritten export: %v", err)
	}
	if string(data) != "updated" {
		t.Errorf("Expected export 'updated', got %q", data)
	}

	if _, err := store.ReadExport(ctx, "doc-1", collabkit.ExportHTML); !collabErrors.IsNotFound(err) {
		t.Errorf("Expected not-found for missing format, got %v", err)
	}
}

func TestPebbleStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if err := store.SaveSnapshot(ctx, testSnapshot("doc-1")); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}
	if err := store.AppendOperations(ctx, "doc-1", []collabkit.Operation{testOperation("op-1", "doc-1", "a")}); err != nil {
		t.Fatalf("Failed to append operations: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	// Everything written before Close survives a reopen.
	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.LoadSnapshot(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Failed to load snapshot after reopen: %v", err)
	}
	if loaded.Title != "Design Notes" {
		t.Errorf("Expected snapshot to survive reopen, got %+v", loaded)
	}
	ops, _, err := reopened.Operations(ctx, "doc-1", "")
	if err != nil {
		t.Fatalf("Failed to read operations after reopen: %v", err)
	}
	if len(ops) != 1 {
		t.Errorf("Expected 1 archived operation after reopen, got %d", len(ops))
	}
}

func TestPebbleStore_Close(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Expected no error on second close, got %v", err)
	}

	ctx := context.Background()
	if err := store.SaveSnapshot(ctx, testSnapshot("doc-1")); err == nil {
		t.Error("Expected error from SaveSnapshot after close")
	}
	if _, err := store.LoadSnapshot(ctx, "doc-1"); err == nil {
		t.Error("Expected error from LoadSnapshot after close")
	}
}

func TestPebbleStore_OpenValidation(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("Expected error for empty path")
	}
}

func BenchmarkPebbleStore_AppendOperations(b *testing.B) {
	store, err := Open(b.TempDir())
	if err != nil {
		b.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		op := testOperation(fmt.Sprintf("op-%d", i), "bench-doc", "x")
		if err := store.AppendOperations(ctx, "bench-doc", []collabkit.Operation{op}); err != nil {
			b.Fatalf("Failed to append operation: %v", err)
		}
	}
}
