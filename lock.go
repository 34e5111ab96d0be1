package collabkit

import (
	"context"

	"github.com/c0deZ3R0/go-collab-kit/errors"
	"github.com/c0deZ3R0/go-collab-kit/wire"
)

// Lock gives the requester exclusive write access to the document.
// Re-locking by the current owner is a no-op; any other holder causes
// a DocumentLocked error carrying the owner. While a document is
// locked, mutating operations from non-owners are rejected; reads,
// comments, and cursor updates are unaffected.
func (e *Engine) Lock(ctx context.Context, documentID, requesterID string) error {
	if err := e.guardClosed(errors.OpLock); err != nil {
		return err
	}
	if requesterID == "" {
		return errors.NewValidationError(errors.OpLock, errMissing("requester"))
	}
	st, ok := e.store.state(documentID)
	if !ok {
		return errors.NotFound(errors.OpLock, documentID)
	}

	st.mu.Lock()
	if !e.perms.CanPerform(ctx, requesterID, st.doc, CapWrite) {
		st.mu.Unlock()
		return errors.PermissionDenied(errors.OpLock, requesterID, string(CapWrite))
	}
	if st.doc.Locked {
		owner := st.doc.LockOwner
		st.mu.Unlock()
		if owner == requesterID {
			return nil
		}
		return errors.Locked(errors.OpLock, owner)
	}
	st.doc.Locked = true
	st.doc.LockOwner = requesterID
	st.mu.Unlock()

	e.publish(Event{
		Type:          EventDocumentLocked,
		DocumentID:    documentID,
		ParticipantID: requesterID,
		Timestamp:     e.clock.Now().UTC(),
		LockOwner:     requesterID,
	})
	e.logger.Info("Document locked",
		"document_id", documentID,
		"owner", requesterID)
	e.broadcast(ctx, wire.KindLock, documentID, requesterID, &LockUpdate{OwnerID: requesterID})
	return nil
}

// Unlock releases the document lock. Only the owner may unlock;
// unlocking an unlocked document is a no-op.
func (e *Engine) Unlock(ctx context.Context, documentID, requesterID string) error {
	if err := e.guardClosed(errors.OpUnlock); err != nil {
		return err
	}
	if requesterID == "" {
		return errors.NewValidationError(errors.OpUnlock, errMissing("requester"))
	}
	st, ok := e.store.state(documentID)
	if !ok {
		return errors.NotFound(errors.OpUnlock, documentID)
	}

	st.mu.Lock()
	if !st.doc.Locked {
		st.mu.Unlock()
		return nil
	}
	if st.doc.LockOwner != requesterID {
		owner := st.doc.LockOwner
		st.mu.Unlock()
		return errors.PermissionDenied(errors.OpUnlock, requesterID, "lock held by "+owner)
	}
	st.doc.Locked = false
	st.doc.LockOwner = ""
	st.mu.Unlock()

	e.publish(Event{
		Type:          EventDocumentUnlocked,
		DocumentID:    documentID,
		ParticipantID: requesterID,
		Timestamp:     e.clock.Now().UTC(),
	})
	e.logger.Info("Document unlocked",
		"document_id", documentID,
		"owner", requesterID)
	e.broadcast(ctx, wire.KindUnlock, documentID, requesterID, &LockUpdate{OwnerID: requesterID})
	return nil
}

// LockOwner reports the current lock holder, if any.
func (e *Engine) LockOwner(ctx context.Context, documentID string) (string, bool, error) {
	st, ok := e.store.state(documentID)
	if !ok {
		return "", false, errors.NotFound(errors.OpOpen, documentID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.doc.LockOwner, st.doc.Locked, nil
}

// integrateLock applies a lock announced by another replica. A
// document already locked by someone else keeps its local owner; both
// replicas converge when the conflicting owner unlocks.
func (e *Engine) integrateLock(documentID, ownerID string) error {
	st, ok := e.store.state(documentID)
	if !ok {
		return errors.NotFound(errors.OpLock, documentID)
	}

	st.mu.Lock()
	if st.doc.Locked && st.doc.LockOwner != ownerID {
		holder := st.doc.LockOwner
		st.mu.Unlock()
		e.logger.Warn("Remote lock ignored, already locked",
			"document_id", documentID,
			"holder", holder,
			"remote_owner", ownerID)
		return nil
	}
	already := st.doc.Locked
	st.doc.Locked = true
	st.doc.LockOwner = ownerID
	st.mu.Unlock()

	if already {
		return nil
	}
	e.publish(Event{
		Type:          EventDocumentLocked,
		DocumentID:    documentID,
		ParticipantID: ownerID,
		Timestamp:     e.clock.Now().UTC(),
		LockOwner:     ownerID,
	})
	return nil
}

// integrateUnlock applies an unlock announced by another replica. Only
// a lock held by the announcing owner is released.
func (e *Engine) integrateUnlock(documentID, ownerID string) error {
	st, ok := e.store.state(documentID)
	if !ok {
		return errors.NotFound(errors.OpUnlock, documentID)
	}

	st.mu.Lock()
	if !st.doc.Locked || st.doc.LockOwner != ownerID {
		st.mu.Unlock()
		return nil
	}
	st.doc.Locked = false
	st.doc.LockOwner = ""
	st.mu.Unlock()

	e.publish(Event{
		Type:          EventDocumentUnlocked,
		DocumentID:    documentID,
		ParticipantID: ownerID,
		Timestamp:     e.clock.Now().UTC(),
	})
	return nil
}
