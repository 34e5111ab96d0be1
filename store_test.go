package collabkit

import (
	"context"
	"testing"

	"github.com/c0deZ3R0/go-collab-kit/errors"
)

func TestCreateDefaults(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	doc, err := e.Create(ctx, "Notes", "Hello", "", "alice", "bob", "", "alice")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if doc.Kind != KindPlain {
		t.Errorf("Kind = %q, want plain default", doc.Kind)
	}
	if doc.Version != 1 {
		t.Errorf("Version = %d, want 1", doc.Version)
	}
	if doc.Checksum != ContentChecksum("Hello") {
		t.Errorf("checksum not computed on create")
	}
	if doc.Collaborators.Cardinality() != 2 {
		t.Errorf("Collaborators = %v, want alice and bob", doc.Collaborators)
	}
	for _, c := range Capabilities {
		if !doc.Permissions.Allows(c, "alice") {
			t.Errorf("creator missing %s capability", c)
		}
	}
	if doc.Permissions.Allows(CapDelete, "bob") || doc.Permissions.Allows(CapShare, "bob") {
		t.Errorf("collaborator granted owner-only capabilities")
	}
	if !doc.Permissions.Allows(CapWrite, "bob") {
		t.Errorf("collaborator missing write capability")
	}

	if _, err := e.Create(ctx, "x", "", KindPlain, ""); err == nil {
		t.Error("Create() without creator should fail")
	}
}

func TestOpenReturnsSnapshotCopy(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createDoc(t, e, "Hello")

	opened, err := e.Open(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// Mutating the copy must not leak into engine state.
	opened.Content = "tampered"
	opened.Permissions.Grant(CapWrite, "mallory")
	opened.Collaborators.Add("mallory")

	if got := mustContent(t, e, doc.ID); got != "Hello" {
		t.Errorf("engine content = %q after tampering with a snapshot", got)
	}
	fresh, _ := e.Open(ctx, doc.ID)
	if fresh.Permissions.Allows(CapWrite, "mallory") {
		t.Errorf("permission mutation leaked through Open copy")
	}
	if fresh.Collaborators.Contains("mallory") {
		t.Errorf("collaborator mutation leaked through Open copy")
	}
}

func TestOpenUnknownDocument(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Open(context.Background(), "missing"); !errors.IsNotFound(err) {
		t.Errorf("Open() error = %v, want not found", err)
	}
}

func TestCloseDocumentFlushesAndReleases(t *testing.T) {
	e, _, persist := newTestEngine(t)
	ctx := context.Background()
	doc := createDoc(t, e, "Hello")

	// Pending remote op and live session state.
	op := remoteOp(doc.ID, "bob", 1, OpInsert, 5, 0, "!", 0)
	if err := e.Integrate(ctx, op); err != nil {
		t.Fatalf("Integrate() error = %v", err)
	}
	if err := e.UpdateCursor(ctx, doc.ID, "bob", CursorUpdate{Position: 1}); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}
	if err := e.Lock(ctx, doc.ID, "alice"); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	if err := e.CloseDocument(ctx, doc.ID); err != nil {
		t.Fatalf("CloseDocument() error = %v", err)
	}

	// The final snapshot includes the drained pending edit.
	snap, err := persist.LoadSnapshot(ctx, doc.ID)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if snap.Content != "Hello!" {
		t.Errorf("final snapshot content = %q, want %q", snap.Content, "Hello!")
	}

	// The document is gone from the registry.
	if _, err := e.Open(ctx, doc.ID); !errors.IsNotFound(err) {
		t.Errorf("Open() after close error = %v, want not found", err)
	}
	if err := e.Apply(ctx, remoteOp(doc.ID, "bob", 2, OpInsert, 0, 0, "x", 0)); !errors.IsNotFound(err) {
		t.Errorf("Apply() after close error = %v, want not found", err)
	}
}

func TestLoadRestoresFromSnapshot(t *testing.T) {
	e, _, persist := newTestEngine(t)
	ctx := context.Background()

	err := persist.SaveSnapshot(ctx, Snapshot{
		DocumentID:    "doc-42",
		Title:         "Restored",
		Kind:          KindMarkdown,
		Content:       "# hi",
		Version:       7,
		Checksum:      ContentChecksum("# hi"),
		Collaborators: []string{"alice", "bob"},
		SavedAt:       testEpoch,
	})
	if err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	doc, err := e.Load(ctx, "doc-42")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if doc.Title != "Restored" || doc.Content != "# hi" || doc.Version != 7 {
		t.Errorf("restored doc = %q v%d %q", doc.Title, doc.Version, doc.Content)
	}
	if doc.Locked {
		t.Errorf("lock state survived restore")
	}
	if !doc.Permissions.Allows(CapWrite, "bob") {
		t.Errorf("restored collaborator missing write capability")
	}

	// A second Load returns the live registry entry, not a second
	// copy.
	if _, err := e.Submit(ctx, "doc-42", "alice", SubmitRequest{Kind: OpInsert, Position: 4, Text: "!"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	doc2, err := e.Load(ctx, "doc-42")
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if doc2.Content != "# hi!" {
		t.Errorf("second Load content = %q, want live state", doc2.Content)
	}

	if _, err := e.Load(ctx, "never-saved"); !errors.IsNotFound(err) {
		t.Errorf("Load(unknown) error = %v, want not found", err)
	}
}

func TestSaveExplicit(t *testing.T) {
	e, _, persist := newTestEngine(t)
	ctx := context.Background()
	doc := createDoc(t, e, "Hello")

	if err := e.Save(ctx, doc.ID); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	snap, err := persist.LoadSnapshot(ctx, doc.ID)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if snap.Content != "Hello" || snap.Checksum != ContentChecksum("Hello") {
		t.Errorf("snapshot = %q / %s", snap.Content, snap.Checksum)
	}
}

func TestPermissionsJSONRoundTrip(t *testing.T) {
	p := NewPermissions("alice")
	p.Grant(CapWrite, "bob")
	p.Grant(CapRead, "bob")
	p.Revoke(CapDelete, "alice")

	data, err := p.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}

	var restored Permissions
	if err := restored.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	if !restored.Allows(CapWrite, "bob") || !restored.Allows(CapShare, "alice") {
		t.Errorf("grants lost in round trip")
	}
	if restored.Allows(CapDelete, "alice") {
		t.Errorf("revocation lost in round trip")
	}
}

func TestChecksumDetectsDivergence(t *testing.T) {
	a := ContentChecksum("Hello World")
	b := ContentChecksum("Hello  World")
	if a == b {
		t.Errorf("distinct content produced equal checksums")
	}
	if a != ContentChecksum("Hello World") {
		t.Errorf("checksum not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("checksum length = %d, want 64 hex chars", len(a))
	}
}
