package collabkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c0deZ3R0/go-collab-kit/errors"
	"github.com/c0deZ3R0/go-collab-kit/logging"
	"github.com/c0deZ3R0/go-collab-kit/wire"
)

// Engine coordinates documents, operations, conflicts, locks, cursors,
// comments, and the sync scheduler for one replica. All methods are
// safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	closed  bool
	started bool

	cfg engineConfig

	store    *documentStore
	events   *eventQueue
	cursors  *cursorTracker
	comments *commentStore
	detector *conflictDetector
	resolver Resolver
	sched    *scheduler

	perms     PermissionEvaluator
	persist   Persistence
	transport Transport
	metrics   MetricsCollector
	logger    *logging.Logger
	clock     Clock

	// seenIDs deduplicates operations engine-wide; redelivered
	// envelopes are absorbed here before touching document state.
	seenIDs *lru.Cache[string, struct{}]
}

func newEngine(b *EngineBuilder) (*Engine, error) {
	seen, err := lru.New[string, struct{}](b.cfg.DedupCacheSize)
	if err != nil {
		return nil, errors.E(
			errors.Op("Build"),
			errors.Component("engine"),
			errors.KindValidation,
			err,
		)
	}

	e := &Engine{
		cfg:       b.cfg,
		store:     newDocumentStore(),
		events:    newEventQueue(b.cfg.EventBuffer),
		detector:  newConflictDetector(b.cfg.ConflictWindow, b.cfg.ProximityWindow),
		resolver:  b.resolver,
		perms:     b.perms,
		persist:   b.persist,
		transport: b.transport,
		metrics:   b.metrics,
		logger:    b.logger,
		clock:     b.clock,
		seenIDs:   seen,
	}
	e.cursors = newCursorTracker(b.cfg.CursorTTL, b.cfg.CursorThrottle, b.cfg.CursorBurst)
	e.comments = newCommentStore()
	e.sched = newScheduler(e)
	return e, nil
}

func (e *Engine) guardClosed(op errors.Operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.E(op, errors.Component("engine"), errors.KindValidation, errClosed("engine"))
	}
	return nil
}

// publish appends to the bounded event queue and accounts for drops.
func (e *Engine) publish(ev Event) {
	if dropped := e.events.Publish(ev); dropped > 0 {
		e.metrics.RecordEventsDropped(dropped)
	}
}

// Start subscribes to the transport and launches the scheduler. It
// fails if the engine is closed or already started.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.guardClosed(errors.OpSubscribe); err != nil {
		return err
	}

	e.mu.Lock()
	subscribe := e.transport != nil && !e.started
	e.started = true
	e.mu.Unlock()

	if subscribe {
		handler := func(env *wire.Envelope) {
			if err := e.HandleEnvelope(ctx, env); err != nil {
				e.logger.Warn("Inbound envelope rejected",
					"kind", env.Kind,
					"document_id", env.DocumentID,
					"error", err)
			}
		}
		if err := e.transport.Subscribe(ctx, handler); err != nil {
			return errors.NewNetworkError(errors.OpSubscribe, err)
		}
	}

	if err := e.sched.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("Engine started",
		"flush_interval", e.cfg.FlushInterval.String(),
		"sweep_interval", e.cfg.SweepInterval.String(),
		"autosave_interval", e.cfg.AutosaveInterval.String())
	return nil
}

// Stop halts the scheduler without closing the engine. Operations can
// still be applied directly; pending queues wait for the next Start or
// an explicit FlushPending.
func (e *Engine) Stop() {
	e.sched.Stop()
	e.logger.Info("Engine stopped")
}

// Close shuts the engine down: the scheduler stops, every open
// document is flushed and saved one final time, and the transport and
// persistence collaborators are closed. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.sched.Stop()

	ctx := context.Background()
	var firstErr error
	ids := e.store.ids()
	for _, id := range ids {
		st, ok := e.store.state(id)
		if !ok {
			continue
		}
		if err := e.flushState(ctx, st); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := e.persistState(ctx, st); err != nil {
			e.logger.Error("Final save failed", "document_id", id, "error", err)
			if firstErr == nil {
				firstErr = errors.NewStorageError(errors.OpClose, err)
			}
		}
	}

	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			e.logger.Error("Transport close failed", "error", err)
			if firstErr == nil {
				firstErr = errors.NewNetworkError(errors.OpClose, err)
			}
		}
	}
	if err := e.persist.Close(); err != nil {
		e.logger.Error("Persistence close failed", "error", err)
		if firstErr == nil {
			firstErr = errors.NewStorageError(errors.OpClose, err)
		}
	}

	e.store.close()
	e.logger.Info("Engine closed", "documents", len(ids))
	return firstErr
}

// Apply validates and applies a locally authored operation.
func (e *Engine) Apply(ctx context.Context, op *Operation) error {
	if err := e.guardClosed(errors.OpApply); err != nil {
		return err
	}
	if op == nil {
		return errors.NewValidationError(errors.OpApply, errMissing("operation"))
	}
	if err := op.Validate(); err != nil {
		return errors.NewValidationError(errors.OpApply, err)
	}
	st, ok := e.store.state(op.DocumentID)
	if !ok {
		return errors.NotFound(errors.OpApply, op.DocumentID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return e.applyLocked(ctx, st, op, errors.OpApply)
}

// SubmitRequest describes a local edit for Submit to turn into an
// Operation.
type SubmitRequest struct {
	Kind      OperationKind
	Position  int
	Length    int
	Text      string
	Format    string
	CommentID string
}

// Submit builds an operation from a local edit, stamps it with a fresh
// ID, timestamp, base version, and the author's incremented clock,
// applies it, and broadcasts it to other replicas. The applied
// operation is returned so callers can relay it over side channels.
func (e *Engine) Submit(ctx context.Context, documentID, authorID string, req SubmitRequest) (*Operation, error) {
	if err := e.guardClosed(errors.OpApply); err != nil {
		return nil, err
	}
	if authorID == "" {
		return nil, errors.NewValidationError(errors.OpApply, errMissing("author"))
	}
	st, ok := e.store.state(documentID)
	if !ok {
		return nil, errors.NotFound(errors.OpApply, documentID)
	}

	st.mu.Lock()
	next, err := st.clock.Next(authorID)
	if err != nil {
		st.mu.Unlock()
		return nil, errors.OperationFailed(errors.OpApply, err)
	}
	st.doc.Clock = next.Clone()
	op := &Operation{
		ID:          uuid.NewString(),
		DocumentID:  documentID,
		Kind:        req.Kind,
		Position:    req.Position,
		Length:      req.Length,
		Text:        req.Text,
		Format:      req.Format,
		CommentID:   req.CommentID,
		AuthorID:    authorID,
		Timestamp:   e.clock.Now().UTC(),
		BaseVersion: st.doc.Version,
		Clock:       next,
		Seq:         next.Counter(authorID),
	}
	if err := op.Validate(); err != nil {
		st.mu.Unlock()
		return nil, errors.NewValidationError(errors.OpApply, err)
	}
	err = e.applyLocked(ctx, st, op, errors.OpApply)
	st.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.broadcast(ctx, wire.KindOperation, documentID, authorID, op)
	return op.Clone(), nil
}

// Integrate queues a remote operation for the next flush tick. The
// operation is validated up front; integration itself happens when the
// scheduler (or an explicit FlushPending) drains the queue.
func (e *Engine) Integrate(ctx context.Context, op *Operation) error {
	if err := e.guardClosed(errors.OpIntegrate); err != nil {
		return err
	}
	if op == nil {
		return errors.NewValidationError(errors.OpIntegrate, errMissing("operation"))
	}
	if err := op.Validate(); err != nil {
		return errors.NewValidationError(errors.OpIntegrate, err)
	}
	st, ok := e.store.state(op.DocumentID)
	if !ok {
		return errors.NotFound(errors.OpIntegrate, op.DocumentID)
	}

	st.mu.Lock()
	st.pending = append(st.pending, *op)
	depth := len(st.pending)
	st.mu.Unlock()

	e.publish(Event{
		Type:          EventOperationReceived,
		DocumentID:    op.DocumentID,
		ParticipantID: op.AuthorID,
		Timestamp:     e.clock.Now().UTC(),
		Operation:     op.Clone(),
	})
	e.logger.Debug("Operation queued",
		"document_id", op.DocumentID,
		"op_id", op.ID,
		"author_id", op.AuthorID,
		"pending", depth)
	return nil
}

// FlushPending drains the document's pending inbound queue in arrival
// order, integrating each operation through conflict detection.
func (e *Engine) FlushPending(ctx context.Context, documentID string) error {
	st, ok := e.store.state(documentID)
	if !ok {
		return errors.NotFound(errors.OpFlush, documentID)
	}
	return e.flushState(ctx, st)
}

func (e *Engine) flushState(ctx context.Context, st *documentState) error {
	for {
		st.mu.Lock()
		if len(st.pending) == 0 {
			st.mu.Unlock()
			return nil
		}
		batch := st.pending
		st.pending = nil
		st.mu.Unlock()

		for i := range batch {
			op := &batch[i]
			if err := e.integrateDirect(ctx, st, op); err != nil {
				// A failed integration never aborts the flush.
				e.logger.Warn("Integration failed",
					"document_id", op.DocumentID,
					"op_id", op.ID,
					"error", err)
			}
		}
	}
}

// flushAll drains every open document, called by the flush tick.
func (e *Engine) flushAll(ctx context.Context) {
	for _, id := range e.store.ids() {
		st, ok := e.store.state(id)
		if !ok {
			continue
		}
		if err := e.flushState(ctx, st); err != nil {
			e.logger.Warn("Flush failed", "document_id", id, "error", err)
		}
	}
}

// integrateDirect runs conflict detection for one remote operation and
// either applies it immediately or routes it through the resolution
// pass.
func (e *Engine) integrateDirect(ctx context.Context, st *documentState, op *Operation) error {
	st.mu.Lock()
	recent := st.history.Recent(e.cfg.ConflictWindow)
	conflict, found := e.detector.Detect(op, recent)
	if !found {
		defer st.mu.Unlock()
		return e.applyLocked(ctx, st, op, errors.OpIntegrate)
	}
	startPass := st.conflicts.Enqueue(conflict)
	depth := st.conflicts.Depth()
	st.mu.Unlock()

	e.metrics.RecordConflicts(1, 0)
	e.logger.Debug("Conflict detected",
		"document_id", op.DocumentID,
		"op_id", op.ID,
		"against", conflict.Against.ID,
		"reason", string(conflict.Reason),
		"queue_depth", depth)

	if startPass {
		return e.resolvePass(ctx, st, op.DocumentID)
	}
	return nil
}

// resolvePass drains the document's conflict queue, orders each batch
// through the resolver, and applies the result. Operations enqueued
// while the pass runs are drained by the same pass. Individual apply
// failures degrade to no-ops; the pass itself never aborts.
func (e *Engine) resolvePass(ctx context.Context, st *documentState, documentID string) error {
	var applied []string
	for {
		st.mu.Lock()
		batch := st.conflicts.TakeBatch()
		if len(batch) == 0 {
			st.conflicts.Finish()
			st.mu.Unlock()
			break
		}
		st.mu.Unlock()

		res, err := e.resolver.Resolve(ctx, ConflictSet{DocumentID: documentID, Operations: batch})
		if err != nil {
			// Fall back to the deterministic timestamp order so the
			// pass always completes the same way on every replica.
			e.logger.Warn("Resolver failed, using timestamp order",
				"document_id", documentID,
				"error", err)
			sortOperations(batch)
			res = Resolution{Ordered: batch, Decision: "timestamp-order"}
		}

		for i := range res.Ordered {
			op := res.Ordered[i]
			st.mu.Lock()
			err := e.applyLocked(ctx, st, &op, errors.OpResolve)
			st.mu.Unlock()
			if err != nil {
				e.logger.Warn("Resolution apply degraded to no-op",
					"document_id", documentID,
					"op_id", op.ID,
					"error", err)
				continue
			}
			applied = append(applied, op.ID)
		}
	}

	if len(applied) > 0 {
		e.metrics.RecordConflicts(0, len(applied))
		e.publish(Event{
			Type:         EventConflictResolved,
			DocumentID:   documentID,
			Timestamp:    e.clock.Now().UTC(),
			ReorderedOps: applied,
		})
		e.logger.Info("Conflicts resolved",
			"document_id", documentID,
			"operations", len(applied))
	}
	return nil
}

// applyLocked is the apply pipeline shared by the local and remote
// paths: capability re-check, lock gate, duplicate and stale
// rejection, clock merge, splice, bookkeeping. Caller holds st.mu.
func (e *Engine) applyLocked(ctx context.Context, st *documentState, op *Operation, errOp errors.Operation) error {
	start := e.clock.Now()
	doc := st.doc

	capability := op.RequiredCapability()
	if !e.perms.CanPerform(ctx, op.AuthorID, doc, capability) {
		e.metrics.RecordOperations(0, 1)
		e.metrics.RecordEngineErrors(string(errOp), string(errors.KindPermission))
		return errors.PermissionDenied(errOp, op.AuthorID, string(capability))
	}

	if doc.Locked && doc.LockOwner != op.AuthorID && capability == CapWrite {
		e.metrics.RecordOperations(0, 1)
		e.metrics.RecordEngineErrors(string(errOp), string(errors.KindLocked))
		return errors.Locked(errOp, doc.LockOwner)
	}

	if _, dup := e.seenIDs.Get(op.ID); dup {
		e.logger.Debug("Duplicate operation ignored",
			"document_id", doc.ID,
			"op_id", op.ID)
		return nil
	}

	seq := op.SeqCounter()
	if seq > 0 && seq <= st.seenSeq[op.AuthorID] {
		e.metrics.RecordOperations(0, 1)
		e.logger.Debug("Stale operation rejected",
			"document_id", doc.ID,
			"op_id", op.ID,
			"author_id", op.AuthorID,
			"seq", seq,
			"seen", st.seenSeq[op.AuthorID])
		return nil
	}

	// Fold causality in before touching content so a clock failure
	// leaves the document untouched.
	if op.Clock != nil {
		if err := st.clock.Observe(op.Clock); err != nil {
			e.metrics.RecordOperations(0, 1)
			e.metrics.RecordEngineErrors(string(errOp), string(errors.KindOperation))
			return errors.OperationFailed(errOp, err)
		}
		doc.Clock = st.clock.Current()
	}

	content, changed := spliceContent(doc.Content, op)
	if changed {
		doc.Content = content
		doc.Checksum = ContentChecksum(content)
	}
	doc.Version++
	doc.ModifiedAt = e.clock.Now().UTC()
	if seq > 0 {
		st.seenSeq[op.AuthorID] = seq
	}
	e.seenIDs.Add(op.ID, struct{}{})
	st.history.Append(*op)
	st.journal = append(st.journal, *op)
	st.dirty = true

	e.publish(Event{
		Type:          EventOperationApplied,
		DocumentID:    doc.ID,
		ParticipantID: op.AuthorID,
		Timestamp:     doc.ModifiedAt,
		Operation:     op.Clone(),
	})
	e.metrics.RecordApplyDuration(string(op.Kind), e.clock.Now().Sub(start))
	e.metrics.RecordOperations(1, 0)
	e.logger.Debug("Operation applied",
		"document_id", doc.ID,
		"op_id", op.ID,
		"kind", string(op.Kind),
		"changed", changed,
		"version", doc.Version)
	return nil
}

// Join adds a participant to the document session with read, write,
// and comment capability, and announces their presence.
func (e *Engine) Join(ctx context.Context, documentID, participantID string) error {
	if err := e.guardClosed(errors.OpJoin); err != nil {
		return err
	}
	if participantID == "" {
		return errors.NewValidationError(errors.OpJoin, errMissing("participant"))
	}
	if err := e.admit(documentID, participantID); err != nil {
		return err
	}
	e.broadcast(ctx, wire.KindJoin, documentID, participantID, &PresenceUpdate{ParticipantID: participantID})
	return nil
}

func (e *Engine) admit(documentID, participantID string) error {
	st, ok := e.store.state(documentID)
	if !ok {
		return errors.NotFound(errors.OpJoin, documentID)
	}

	st.mu.Lock()
	st.doc.Collaborators.Add(participantID)
	st.doc.Permissions.Grant(CapRead, participantID)
	st.doc.Permissions.Grant(CapWrite, participantID)
	st.doc.Permissions.Grant(CapComment, participantID)
	st.mu.Unlock()

	e.publish(Event{
		Type:          EventParticipantJoined,
		DocumentID:    documentID,
		ParticipantID: participantID,
		Timestamp:     e.clock.Now().UTC(),
	})
	e.logger.Info("Participant joined",
		"document_id", documentID,
		"participant_id", participantID)
	return nil
}

// Leave removes a participant from the document session: their cursor
// is evicted, the lock is released if they hold it, their session
// grants are revoked, and their stale counter is dropped. The
// document's clock keeps their component so causal history never
// shrinks.
func (e *Engine) Leave(ctx context.Context, documentID, participantID string) error {
	if err := e.guardClosed(errors.OpLeave); err != nil {
		return err
	}
	if participantID == "" {
		return errors.NewValidationError(errors.OpLeave, errMissing("participant"))
	}
	if err := e.depart(documentID, participantID); err != nil {
		return err
	}
	e.broadcast(ctx, wire.KindLeave, documentID, participantID, &PresenceUpdate{ParticipantID: participantID})
	return nil
}

func (e *Engine) depart(documentID, participantID string) error {
	st, ok := e.store.state(documentID)
	if !ok {
		return errors.NotFound(errors.OpLeave, documentID)
	}

	e.cursors.Remove(documentID, participantID)

	st.mu.Lock()
	released := st.doc.Locked && st.doc.LockOwner == participantID
	if released {
		st.doc.Locked = false
		st.doc.LockOwner = ""
	}
	st.doc.Collaborators.Remove(participantID)
	if participantID != st.doc.CreatedBy {
		// Mirror the grants Join hands out. The creator's grants are
		// permanent.
		st.doc.Permissions.Revoke(CapRead, participantID)
		st.doc.Permissions.Revoke(CapWrite, participantID)
		st.doc.Permissions.Revoke(CapComment, participantID)
	}
	delete(st.seenSeq, participantID)
	st.mu.Unlock()

	now := e.clock.Now().UTC()
	if released {
		e.publish(Event{
			Type:          EventDocumentUnlocked,
			DocumentID:    documentID,
			ParticipantID: participantID,
			Timestamp:     now,
		})
		e.logger.Info("Lock released on leave",
			"document_id", documentID,
			"participant_id", participantID)
	}
	e.publish(Event{
		Type:          EventParticipantLeft,
		DocumentID:    documentID,
		ParticipantID: participantID,
		Timestamp:     now,
	})
	e.logger.Info("Participant left",
		"document_id", documentID,
		"participant_id", participantID)
	return nil
}

// HandleEnvelope routes one inbound transport envelope to the
// component owning its kind. Transports call this for every delivery;
// it is also the entry point for replaying archived envelopes.
func (e *Engine) HandleEnvelope(ctx context.Context, env *wire.Envelope) error {
	if err := e.guardClosed(errors.OpIntegrate); err != nil {
		return err
	}
	payload, err := wire.Unmarshal(env)
	if err != nil {
		e.metrics.RecordEngineErrors(string(errors.OpIntegrate), string(errors.KindValidation))
		return errors.NewValidationError(errors.OpIntegrate, err)
	}

	switch p := payload.(type) {
	case *Operation:
		return e.Integrate(ctx, p)
	case *Cursor:
		return e.integrateCursor(p)
	case *Comment:
		return e.integrateComment(p)
	case *CommentResolveUpdate:
		return e.integrateCommentResolve(env.DocumentID, p)
	case *ReactionUpdate:
		return e.integrateReaction(env.DocumentID, p)
	case *LockUpdate:
		if env.Kind == wire.KindUnlock {
			return e.integrateUnlock(env.DocumentID, p.OwnerID)
		}
		return e.integrateLock(env.DocumentID, p.OwnerID)
	case *PresenceUpdate:
		if env.Kind == wire.KindLeave {
			return e.depart(env.DocumentID, p.ParticipantID)
		}
		return e.admit(env.DocumentID, p.ParticipantID)
	}
	return errors.NewValidationError(errors.OpIntegrate,
		fmt.Errorf("unhandled envelope kind %q", env.Kind))
}

// broadcast wraps a payload in an envelope and hands it to the
// transport. Engines without a transport run local-only; broadcast
// failures are logged and counted, never returned, because local state
// is already committed.
func (e *Engine) broadcast(ctx context.Context, kind, documentID, senderID string, payload interface{}) {
	if e.transport == nil {
		return
	}
	env, err := wire.Marshal(kind, documentID, senderID, payload)
	if err != nil {
		e.logger.Error("Envelope encode failed",
			"kind", kind,
			"document_id", documentID,
			"error", err)
		return
	}
	if err := e.transport.Broadcast(ctx, env); err != nil {
		e.metrics.RecordEngineErrors(string(errors.OpBroadcast), string(errors.KindNetwork))
		e.logger.Warn("Broadcast failed",
			"kind", kind,
			"document_id", documentID,
			"error", err)
	}
}

// Participants returns the transport's view of the document session,
// falling back to the document's collaborator set when the engine runs
// local-only.
func (e *Engine) Participants(ctx context.Context, documentID string) ([]string, error) {
	if err := e.guardClosed(errors.OpOpen); err != nil {
		return nil, err
	}
	if e.transport != nil {
		return e.transport.Participants(ctx, documentID)
	}
	st, ok := e.store.state(documentID)
	if !ok {
		return nil, errors.NotFound(errors.OpOpen, documentID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return sortedMembers(st.doc.Collaborators), nil
}

// DocumentStatistics summarizes one document for dashboards and the
// CLI.
type DocumentStatistics struct {
	DocumentID        string    `json:"document_id"`
	Title             string    `json:"title"`
	Characters        int       `json:"characters"`
	Words             int       `json:"words"`
	Lines             int       `json:"lines"`
	Collaborators     int       `json:"collaborators"`
	OperationsApplied uint64    `json:"operations_applied"`
	Comments          int       `json:"comments"`
	LastModified      time.Time `json:"last_modified"`
}

// Statistics computes live counters for one document. Characters are
// runes, not bytes; lines count newline-separated segments.
func (e *Engine) Statistics(ctx context.Context, documentID string) (*DocumentStatistics, error) {
	if err := e.guardClosed(errors.OpOpen); err != nil {
		return nil, err
	}
	st, ok := e.store.state(documentID)
	if !ok {
		return nil, errors.NotFound(errors.OpOpen, documentID)
	}

	st.mu.Lock()
	content := st.doc.Content
	title := st.doc.Title
	collaborators := st.doc.Collaborators.Cardinality()
	total := st.history.Total()
	modified := st.doc.ModifiedAt
	st.mu.Unlock()

	lines := 0
	if content != "" {
		lines = strings.Count(content, "\n") + 1
	}
	return &DocumentStatistics{
		DocumentID:        documentID,
		Title:             title,
		Characters:        utf8.RuneCountInString(content),
		Words:             len(strings.Fields(content)),
		Lines:             lines,
		Collaborators:     collaborators,
		OperationsApplied: total,
		Comments:          e.comments.count(documentID),
		LastModified:      modified,
	}, nil
}

// DrainEvents returns and clears everything in the event queue, oldest
// first. Polling consumers call this instead of SubscribeEvents.
func (e *Engine) DrainEvents() []Event {
	return e.events.Drain()
}

// SubscribeEvents registers a push consumer. Handlers run on their own
// goroutines with panic recovery and must not block indefinitely.
func (e *Engine) SubscribeEvents(handler func(Event)) {
	e.events.Subscribe(handler)
}

// EventsDropped reports how many events the bounded queue has shed
// since the engine started.
func (e *Engine) EventsDropped() uint64 {
	return e.events.Dropped()
}
