package collabkit

import (
	"context"
	"testing"
	"time"
)

func TestCursorStalenessSweep(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createDoc(t, e, "Hello")

	if err := e.UpdateCursor(ctx, doc.ID, "alice", CursorUpdate{Position: 3}); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}

	// Keep bob fresh so the sweep only evicts alice.
	clock.Advance(6 * time.Second)
	if err := e.UpdateCursor(ctx, doc.ID, "bob", CursorUpdate{Position: 1}); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}

	// Eleven seconds without an update from alice.
	clock.Advance(5 * time.Second)
	e.sweepCursors()

	cursors, err := e.ActiveCursors(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ActiveCursors() error = %v", err)
	}
	if len(cursors) != 1 || cursors[0].ParticipantID != "bob" {
		t.Fatalf("after sweep cursors = %v, want only bob", cursors)
	}
}

func TestCursorColorsAvoidCollision(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	doc, err := e.Create(ctx, "Crowd", "", KindPlain, "p00",
		"p01", "p02", "p03", "p04", "p05", "p06", "p07", "p08", "p09")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	participants := []string{"p00", "p01", "p02", "p03", "p04", "p05", "p06", "p07", "p08", "p09"}
	for i, p := range participants {
		if err := e.UpdateCursor(ctx, doc.ID, p, CursorUpdate{Position: i}); err != nil {
			t.Fatalf("UpdateCursor(%s) error = %v", p, err)
		}
	}

	cursors, _ := e.ActiveCursors(ctx, doc.ID)
	seen := make(map[string]string)
	for _, c := range cursors {
		if c.Color == "" {
			t.Errorf("cursor %s has no color", c.ParticipantID)
		}
		if other, dup := seen[c.Color]; dup {
			t.Errorf("color %s assigned to both %s and %s", c.Color, other, c.ParticipantID)
		}
		seen[c.Color] = c.ParticipantID
	}
}

func TestCursorColorSurvivesUpdates(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createDoc(t, e, "Hello")

	if err := e.UpdateCursor(ctx, doc.ID, "alice", CursorUpdate{Position: 0}); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}
	cursors, _ := e.ActiveCursors(ctx, doc.ID)
	color := cursors[0].Color

	clock.Advance(time.Second)
	if err := e.UpdateCursor(ctx, doc.ID, "alice", CursorUpdate{Position: 4, Typing: true}); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}
	cursors, _ = e.ActiveCursors(ctx, doc.ID)
	if cursors[0].Color != color {
		t.Errorf("color changed on update: %s -> %s", color, cursors[0].Color)
	}
	if cursors[0].Position != 4 || !cursors[0].Typing {
		t.Errorf("cursor state not updated: %+v", cursors[0])
	}
}

func TestCursorLastWriteWins(t *testing.T) {
	tr := newCursorTracker(DefaultCursorTTL, DefaultCursorThrottle, DefaultCursorBurst)

	newer := Cursor{DocumentID: "d", ParticipantID: "alice", Position: 9, UpdatedAt: testEpoch.Add(time.Second)}
	older := Cursor{DocumentID: "d", ParticipantID: "alice", Position: 1, UpdatedAt: testEpoch}

	if !tr.apply(newer) {
		t.Fatal("first write should land")
	}
	if tr.apply(older) {
		t.Fatal("older write must lose")
	}
	if got := tr.active("d")[0].Position; got != 9 {
		t.Errorf("position = %d, want 9", got)
	}

	// Exact timestamp tie: the register keeps what it has, so replicas
	// that saw the two updates in either order agree.
	tie := Cursor{DocumentID: "d", ParticipantID: "alice", Position: 5, UpdatedAt: testEpoch.Add(time.Second)}
	if tr.apply(tie) {
		t.Fatal("tied write must lose to the registered value")
	}
	if got := tr.active("d")[0].Position; got != 9 {
		t.Errorf("position after tie = %d, want 9 (registered value kept)", got)
	}
}

func TestCursorBroadcastThrottled(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createDoc(t, e, "Hello")
	e.DrainEvents()

	countMoves := func() int {
		n := 0
		for _, ev := range e.DrainEvents() {
			if ev.Type == EventCursorMoved {
				n++
			}
		}
		return n
	}

	// First move passes the limiter.
	if err := e.UpdateCursor(ctx, doc.ID, "alice", CursorUpdate{Position: 1}); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}
	if got := countMoves(); got != 1 {
		t.Fatalf("moves after first update = %d, want 1", got)
	}

	// A burst of moves inside the throttle window updates local state
	// but emits nothing.
	for i := 2; i <= 5; i++ {
		clock.Advance(10 * time.Millisecond)
		if err := e.UpdateCursor(ctx, doc.ID, "alice", CursorUpdate{Position: i}); err != nil {
			t.Fatalf("UpdateCursor() error = %v", err)
		}
	}
	if got := countMoves(); got != 0 {
		t.Errorf("moves inside throttle window = %d, want 0", got)
	}
	cursors, _ := e.ActiveCursors(ctx, doc.ID)
	if cursors[0].Position != 5 {
		t.Errorf("local position = %d, want 5 (state updates even when throttled)", cursors[0].Position)
	}

	// After the window the next move is broadcast again.
	clock.Advance(DefaultCursorThrottle)
	if err := e.UpdateCursor(ctx, doc.ID, "alice", CursorUpdate{Position: 6}); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}
	if got := countMoves(); got != 1 {
		t.Errorf("moves after throttle window = %d, want 1", got)
	}
}

func TestIntegrateCursorIsLWW(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createDoc(t, e, "Hello")

	remote := &Cursor{
		DocumentID:    doc.ID,
		ParticipantID: "bob",
		Position:      2,
		UpdatedAt:     testEpoch.Add(time.Minute),
	}
	if err := e.integrateCursor(remote); err != nil {
		t.Fatalf("integrateCursor() error = %v", err)
	}

	stale := &Cursor{
		DocumentID:    doc.ID,
		ParticipantID: "bob",
		Position:      7,
		UpdatedAt:     testEpoch,
	}
	if err := e.integrateCursor(stale); err != nil {
		t.Fatalf("integrateCursor(stale) error = %v", err)
	}

	cursors, _ := e.ActiveCursors(ctx, doc.ID)
	if len(cursors) != 1 || cursors[0].Position != 2 {
		t.Errorf("cursors = %+v, want bob at position 2", cursors)
	}
}
