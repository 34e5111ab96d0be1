package collabkit

import (
	"context"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-collab-kit/errors"
	"github.com/c0deZ3R0/go-collab-kit/version"
)

// documentState bundles a document with the engine-side state that
// travels with it: operation history, the inbound pending buffer, the
// conflict queue, per-author counters, and the unsaved-changes flag.
// st.mu serializes every content mutation for the document; cursor and
// comment state live in their own structures with their own locks.
type documentState struct {
	mu sync.Mutex

	doc *Document

	// clock is the authoritative causal clock for this replica of the
	// document; doc.Clock mirrors its latest committed snapshot.
	clock *version.ClockManager

	history   *historyRing
	pending   []Operation
	conflicts *conflictQueue
	seenSeq   map[string]uint64
	journal   []Operation
	dirty     bool
}

// snapshotLocked captures persistable state. Caller holds st.mu.
func (st *documentState) snapshotLocked(now time.Time) Snapshot {
	return snapshotOf(st.doc, now)
}

// takeJournalLocked removes and returns unpersisted operations. Caller
// holds st.mu.
func (st *documentState) takeJournalLocked() []Operation {
	journal := st.journal
	st.journal = nil
	return journal
}

// documentStore is the in-memory registry of open documents. It
// exclusively owns Document records and their authoritative text.
type documentStore struct {
	mu     sync.RWMutex
	docs   map[string]*documentState
	closed bool
}

func newDocumentStore() *documentStore {
	return &documentStore{docs: make(map[string]*documentState)}
}

func (s *documentStore) add(st *documentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed("document store")
	}
	s.docs[st.doc.ID] = st
	return nil
}

// ensure registers st unless an entry for the same document already
// exists, in which case the existing entry wins. Two concurrent Load
// calls for one document therefore converge on a single state.
func (s *documentStore) ensure(st *documentState) (*documentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed("document store")
	}
	if existing, ok := s.docs[st.doc.ID]; ok {
		return existing, nil
	}
	s.docs[st.doc.ID] = st
	return st, nil
}

func (s *documentStore) state(id string) (*documentState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.docs[id]
	return st, ok
}

func (s *documentStore) remove(id string) (*documentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.docs[id]
	if ok {
		delete(s.docs, id)
	}
	return st, ok
}

func (s *documentStore) list() []*documentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*documentState, 0, len(s.docs))
	for _, st := range s.docs {
		out = append(out, st)
	}
	return out
}

func (s *documentStore) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *documentStore) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Create registers a new document owned by creator. The creator is
// granted every capability; collaborators are granted read, write, and
// comment. The document starts at version 1 with a fresh clock.
func (e *Engine) Create(ctx context.Context, title, content string, kind DocumentKind, creator string, collaborators ...string) (*Document, error) {
	if err := e.guardClosed(errors.OpCreate); err != nil {
		return nil, err
	}
	if creator == "" {
		return nil, errors.NewValidationError(errors.OpCreate, errMissing("creator"))
	}
	if kind == "" {
		kind = KindPlain
	}

	now := e.clock.Now().UTC()
	doc := &Document{
		ID:            uuid.NewString(),
		Title:         title,
		Content:       content,
		Kind:          kind,
		CreatedBy:     creator,
		CreatedAt:     now,
		ModifiedAt:    now,
		Version:       1,
		Checksum:      ContentChecksum(content),
		Permissions:   NewPermissions(creator),
		Collaborators: mapset.NewSet(creator),
		Clock:         version.NewVectorClock(),
	}
	for _, c := range collaborators {
		if c == "" || c == creator {
			continue
		}
		doc.Collaborators.Add(c)
		doc.Permissions.Grant(CapRead, c)
		doc.Permissions.Grant(CapWrite, c)
		doc.Permissions.Grant(CapComment, c)
	}

	st := &documentState{
		doc:       doc,
		clock:     version.NewClockManagerFromClock(doc.Clock),
		history:   newHistoryRing(e.cfg.HistoryLimit),
		conflicts: newConflictQueue(),
		seenSeq:   make(map[string]uint64),
		dirty:     true,
	}
	if err := e.store.add(st); err != nil {
		return nil, errors.New(errors.OpCreate, err)
	}

	e.logger.Info("Document created",
		"document_id", doc.ID,
		"title", title,
		"kind", string(kind),
		"creator", creator,
		"collaborators", doc.Collaborators.Cardinality())
	e.publish(Event{Type: EventDocumentCreated, DocumentID: doc.ID, ParticipantID: creator, Timestamp: now})

	return doc.Clone(), nil
}

// Open returns a snapshot copy of the document.
func (e *Engine) Open(ctx context.Context, documentID string) (*Document, error) {
	if err := e.guardClosed(errors.OpOpen); err != nil {
		return nil, err
	}
	st, ok := e.store.state(documentID)
	if !ok {
		return nil, errors.NotFound(errors.OpOpen, documentID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.doc.Clone(), nil
}

// Load opens a document, restoring it from the persistence backend if
// it is not already in the registry. Restored documents start a fresh
// editing session: locks are cleared and every collaborator from the
// snapshot holds read, write, and comment.
func (e *Engine) Load(ctx context.Context, documentID string) (*Document, error) {
	if err := e.guardClosed(errors.OpLoad); err != nil {
		return nil, err
	}
	if documentID == "" {
		return nil, errors.NewValidationError(errors.OpLoad, errMissing("document ID"))
	}
	if st, ok := e.store.state(documentID); ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.doc.Clone(), nil
	}

	snap, err := e.persist.LoadSnapshot(ctx, documentID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.NewStorageError(errors.OpLoad, err)
	}

	doc := documentFromSnapshot(snap)
	st := &documentState{
		doc:       doc,
		clock:     version.NewClockManagerFromClock(doc.Clock),
		history:   newHistoryRing(e.cfg.HistoryLimit),
		conflicts: newConflictQueue(),
		seenSeq:   make(map[string]uint64),
	}
	st, err = e.store.ensure(st)
	if err != nil {
		return nil, errors.New(errors.OpLoad, err)
	}

	e.logger.Info("Document restored",
		"document_id", documentID,
		"version", snap.Version,
		"collaborators", len(snap.Collaborators))

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.doc.Clone(), nil
}

// Content returns the document's current text.
func (e *Engine) Content(ctx context.Context, documentID string) (string, error) {
	st, ok := e.store.state(documentID)
	if !ok {
		return "", errors.NotFound(errors.OpOpen, documentID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.doc.Content, nil
}

// Checksum returns the SHA-256 hex digest of the document's current
// content. Replicas compare checksums to detect silent divergence.
func (e *Engine) Checksum(ctx context.Context, documentID string) (string, error) {
	st, ok := e.store.state(documentID)
	if !ok {
		return "", errors.NotFound(errors.OpOpen, documentID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.doc.Checksum, nil
}

// List returns the IDs of all open documents, sorted.
func (e *Engine) List(ctx context.Context) []string {
	return e.store.ids()
}

// Save persists the document's current snapshot and unpersisted
// operations immediately, independent of the autosave interval.
func (e *Engine) Save(ctx context.Context, documentID string) error {
	if err := e.guardClosed(errors.OpStore); err != nil {
		return err
	}
	st, ok := e.store.state(documentID)
	if !ok {
		return errors.NotFound(errors.OpStore, documentID)
	}
	return e.persistState(ctx, st)
}

// CloseDocument flushes and releases one document: pending inbound
// operations are drained, a final snapshot is saved, cursors and lock
// state are cleared, and the registry entry is removed. Operations
// arriving afterwards are rejected with DocumentNotFound.
func (e *Engine) CloseDocument(ctx context.Context, documentID string) error {
	if err := e.guardClosed(errors.OpClose); err != nil {
		return err
	}
	st, ok := e.store.state(documentID)
	if !ok {
		return errors.NotFound(errors.OpClose, documentID)
	}

	// Drain anything still queued so the final snapshot includes it.
	if err := e.FlushPending(ctx, documentID); err != nil {
		e.logger.Warn("Flush before close failed", "document_id", documentID, "error", err)
	}

	if err := e.persistState(ctx, st); err != nil {
		e.logger.Error("Final save on close failed", "document_id", documentID, "error", err)
		return errors.NewWithComponent(errors.OpClose, "store", err)
	}

	e.cursors.ClearDocument(documentID)
	e.comments.clearDocument(documentID)

	st.mu.Lock()
	st.doc.Locked = false
	st.doc.LockOwner = ""
	st.pending = nil
	st.mu.Unlock()

	e.store.remove(documentID)
	e.logger.Info("Document closed", "document_id", documentID)
	return nil
}

// persistState saves a snapshot plus the unpersisted journal.
func (e *Engine) persistState(ctx context.Context, st *documentState) error {
	st.mu.Lock()
	snap := st.snapshotLocked(e.clock.Now().UTC())
	journal := st.takeJournalLocked()
	st.mu.Unlock()

	if len(journal) > 0 {
		if err := e.persist.AppendOperations(ctx, snap.DocumentID, journal); err != nil {
			// Put the journal back so a retry can pick it up.
			st.mu.Lock()
			st.journal = append(journal, st.journal...)
			st.mu.Unlock()
			return err
		}
	}
	if err := e.persist.SaveSnapshot(ctx, snap); err != nil {
		return err
	}

	st.mu.Lock()
	st.dirty = false
	st.mu.Unlock()
	return nil
}
