package collabkit

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c0deZ3R0/go-collab-kit/errors"
	"github.com/c0deZ3R0/go-collab-kit/wire"
)

// Cursor is one participant's presence in a document: caret position,
// selection range, typing indicator, and the display color assigned by
// the tracker. Positions are runes. Cursor state is ephemeral: never
// versioned, never permission-checked, never persisted.
type Cursor struct {
	DocumentID     string    `json:"document_id"`
	ParticipantID  string    `json:"participant_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	Position       int       `json:"position"`
	SelectionStart int       `json:"selection_start,omitempty"`
	SelectionEnd   int       `json:"selection_end,omitempty"`
	Typing         bool      `json:"typing,omitempty"`
	Color          string    `json:"color,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// cursorPalette is the fixed set of display colors. New cursors take
// the first color not in use in their document; once all ten are taken
// the tracker cycles by index.
var cursorPalette = [...]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

// cursorTracker owns all cursor state, independent of document locks.
type cursorTracker struct {
	mu       sync.Mutex
	byDoc    map[string]map[string]*Cursor
	limiters map[string]*rate.Limiter

	ttl   time.Duration
	every rate.Limit
	burst int
}

func newCursorTracker(ttl, throttle time.Duration, burst int) *cursorTracker {
	if ttl <= 0 {
		ttl = DefaultCursorTTL
	}
	if throttle <= 0 {
		throttle = DefaultCursorThrottle
	}
	if burst <= 0 {
		burst = DefaultCursorBurst
	}
	return &cursorTracker{
		byDoc:    make(map[string]map[string]*Cursor),
		limiters: make(map[string]*rate.Limiter),
		ttl:      ttl,
		every:    rate.Every(throttle),
		burst:    burst,
	}
}

// apply upserts a cursor with last-write-wins semantics: a newer
// UpdatedAt replaces, an older one is dropped. The register is keyed
// by participant, so an exact timestamp tie is always the participant
// against itself; the registered value wins, keeping replicas that saw
// the two updates in either order on the same value. The assigned
// color survives updates.
func (t *cursorTracker) apply(cur Cursor) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	docCursors, ok := t.byDoc[cur.DocumentID]
	if !ok {
		docCursors = make(map[string]*Cursor)
		t.byDoc[cur.DocumentID] = docCursors
	}

	existing, ok := docCursors[cur.ParticipantID]
	if ok {
		if !cur.UpdatedAt.After(existing.UpdatedAt) {
			return false
		}
		cur.Color = existing.Color
	}
	if cur.Color == "" {
		cur.Color = t.pickColorLocked(docCursors)
	}
	docCursors[cur.ParticipantID] = &cur
	return true
}

// pickColorLocked returns the first palette color not in use in the
// document, cycling by count once the palette is exhausted. Caller
// holds t.mu.
func (t *cursorTracker) pickColorLocked(docCursors map[string]*Cursor) string {
	used := make(map[string]bool, len(docCursors))
	for _, c := range docCursors {
		used[c.Color] = true
	}
	for _, color := range cursorPalette {
		if !used[color] {
			return color
		}
	}
	return cursorPalette[len(docCursors)%len(cursorPalette)]
}

// allowBroadcast consults the participant's rate limiter at the given
// instant. Local state has already been updated by the time this is
// asked; only the outward broadcast is throttled.
func (t *cursorTracker) allowBroadcast(documentID, participantID string, now time.Time) bool {
	t.mu.Lock()
	key := documentID + "\x00" + participantID
	lim, ok := t.limiters[key]
	if !ok {
		lim = rate.NewLimiter(t.every, t.burst)
		t.limiters[key] = lim
	}
	t.mu.Unlock()
	return lim.AllowN(now, 1)
}

// active returns the document's cursors sorted by participant ID.
func (t *cursorTracker) active(documentID string) []Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	docCursors := t.byDoc[documentID]
	out := make([]Cursor, 0, len(docCursors))
	for _, c := range docCursors {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

// Sweep evicts cursors older than the TTL and returns how many were
// removed.
func (t *cursorTracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for docID, docCursors := range t.byDoc {
		for pid, c := range docCursors {
			if now.Sub(c.UpdatedAt) > t.ttl {
				delete(docCursors, pid)
				delete(t.limiters, docID+"\x00"+pid)
				evicted++
			}
		}
		if len(docCursors) == 0 {
			delete(t.byDoc, docID)
		}
	}
	return evicted
}

// Remove drops one participant's cursor.
func (t *cursorTracker) Remove(documentID, participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if docCursors, ok := t.byDoc[documentID]; ok {
		delete(docCursors, participantID)
		if len(docCursors) == 0 {
			delete(t.byDoc, documentID)
		}
	}
	delete(t.limiters, documentID+"\x00"+participantID)
}

// ClearDocument drops every cursor and limiter for a document.
func (t *cursorTracker) ClearDocument(documentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pid := range t.byDoc[documentID] {
		delete(t.limiters, documentID+"\x00"+pid)
	}
	delete(t.byDoc, documentID)
}

// CursorUpdate describes a local cursor move for UpdateCursor.
type CursorUpdate struct {
	DisplayName    string
	Position       int
	SelectionStart int
	SelectionEnd   int
	Typing         bool
}

// UpdateCursor upserts the participant's cursor. Local state always
// updates; the CursorMoved event and the broadcast are emitted only
// when the participant's rate limiter allows, so rapid caret movement
// does not flood the transport.
func (e *Engine) UpdateCursor(ctx context.Context, documentID, participantID string, upd CursorUpdate) error {
	if err := e.guardClosed(errors.OpCursor); err != nil {
		return err
	}
	if participantID == "" {
		return errors.NewValidationError(errors.OpCursor, errMissing("participant"))
	}
	if _, ok := e.store.state(documentID); !ok {
		return errors.NotFound(errors.OpCursor, documentID)
	}

	now := e.clock.Now().UTC()
	cur := Cursor{
		DocumentID:     documentID,
		ParticipantID:  participantID,
		DisplayName:    upd.DisplayName,
		Position:       upd.Position,
		SelectionStart: upd.SelectionStart,
		SelectionEnd:   upd.SelectionEnd,
		Typing:         upd.Typing,
		UpdatedAt:      now,
	}
	if !e.cursors.apply(cur) {
		return nil
	}
	if !e.cursors.allowBroadcast(documentID, participantID, now) {
		return nil
	}

	applied := e.cursorSnapshot(documentID, participantID)
	e.publish(Event{
		Type:          EventCursorMoved,
		DocumentID:    documentID,
		ParticipantID: participantID,
		Timestamp:     now,
		Cursor:        applied,
	})
	if applied != nil {
		e.broadcast(ctx, wire.KindCursor, documentID, participantID, applied)
	}
	return nil
}

// ActiveCursors returns the document's cursors sorted by participant
// ID.
func (e *Engine) ActiveCursors(ctx context.Context, documentID string) ([]Cursor, error) {
	if err := e.guardClosed(errors.OpCursor); err != nil {
		return nil, err
	}
	if _, ok := e.store.state(documentID); !ok {
		return nil, errors.NotFound(errors.OpCursor, documentID)
	}
	return e.cursors.active(documentID), nil
}

// cursorSnapshot returns a copy of one tracked cursor.
func (e *Engine) cursorSnapshot(documentID, participantID string) *Cursor {
	for _, c := range e.cursors.active(documentID) {
		if c.ParticipantID == participantID {
			cc := c
			return &cc
		}
	}
	return nil
}

// integrateCursor applies a cursor announced by another replica. The
// LWW rule decides whether it lands; accepted updates emit CursorMoved
// but are never re-broadcast.
func (e *Engine) integrateCursor(cur *Cursor) error {
	if cur == nil || cur.ParticipantID == "" {
		return errors.NewValidationError(errors.OpCursor, errMissing("cursor participant"))
	}
	if _, ok := e.store.state(cur.DocumentID); !ok {
		return errors.NotFound(errors.OpCursor, cur.DocumentID)
	}
	if !e.cursors.apply(*cur) {
		return nil
	}
	e.publish(Event{
		Type:          EventCursorMoved,
		DocumentID:    cur.DocumentID,
		ParticipantID: cur.ParticipantID,
		Timestamp:     cur.UpdatedAt,
		Cursor:        e.cursorSnapshot(cur.DocumentID, cur.ParticipantID),
	})
	return nil
}
