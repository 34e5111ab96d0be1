package collabkit

import (
	"context"
	"testing"
	"time"

	"github.com/c0deZ3R0/go-collab-kit/wire"
)

func TestEnvelopeRoundTripAllKinds(t *testing.T) {
	op := remoteOp("doc-1", "alice", 3, OpReplace, 2, 4, "patch", time.Millisecond)

	tests := []struct {
		kind    string
		payload interface{}
	}{
		{wire.KindOperation, op},
		{wire.KindCursor, &Cursor{DocumentID: "doc-1", ParticipantID: "bob", Position: 4, UpdatedAt: testEpoch}},
		{wire.KindCommentAdd, &Comment{ID: "c1", DocumentID: "doc-1", AuthorID: "bob", Text: "hm", Anchor: CommentAnchor{Start: 1, End: 3, SelectedText: "el"}, CreatedAt: testEpoch}},
		{wire.KindCommentResolve, &CommentResolveUpdate{CommentID: "c1", ResolverID: "alice", ResolvedAt: testEpoch}},
		{wire.KindCommentReaction, &ReactionUpdate{CommentID: "c1", ParticipantID: "bob", Emoji: "🎉", ReactedAt: testEpoch}},
		{wire.KindLock, &LockUpdate{OwnerID: "alice"}},
		{wire.KindUnlock, &LockUpdate{OwnerID: "alice"}},
		{wire.KindJoin, &PresenceUpdate{ParticipantID: "carol", DisplayName: "Carol"}},
		{wire.KindLeave, &PresenceUpdate{ParticipantID: "carol"}},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			env, err := wire.Marshal(tt.kind, "doc-1", "sender", tt.payload)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}

			// Through the byte form, as a transport would carry it.
			raw, err := wire.Encode(env)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			decoded, err := wire.Decode(raw)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			payload, err := wire.Unmarshal(decoded)
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			switch tt.kind {
			case wire.KindOperation:
				got := payload.(*Operation)
				if got.ID != op.ID || got.Kind != op.Kind || got.Text != op.Text || got.Seq != op.Seq {
					t.Errorf("operation round trip lost fields: %+v", got)
				}
				if got.Clock == nil || got.Clock.Counter("alice") != 3 {
					t.Errorf("vector clock lost in round trip")
				}
			case wire.KindCommentAdd:
				got := payload.(*Comment)
				if got.Anchor.SelectedText != "el" {
					t.Errorf("anchor lost in round trip: %+v", got.Anchor)
				}
			}
		})
	}
}

func TestHandleEnvelopeRoutesOperation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createDoc(t, e, "Hello")

	op := remoteOp(doc.ID, "bob", 1, OpInsert, 5, 0, "!", 0)
	env, err := EncodeOperation(op)
	if err != nil {
		t.Fatalf("EncodeOperation() error = %v", err)
	}

	if err := e.HandleEnvelope(ctx, env); err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}
	// Operations queue for the flush tick.
	if err := e.FlushPending(ctx, doc.ID); err != nil {
		t.Fatalf("FlushPending() error = %v", err)
	}
	if got := mustContent(t, e, doc.ID); got != "Hello!" {
		t.Errorf("content = %q, want %q", got, "Hello!")
	}
}

func TestHandleEnvelopeRoutesLockAndUnlock(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createDoc(t, e, "Hello")

	lockEnv, _ := wire.Marshal(wire.KindLock, doc.ID, "bob", &LockUpdate{OwnerID: "bob"})
	if err := e.HandleEnvelope(ctx, lockEnv); err != nil {
		t.Fatalf("HandleEnvelope(lock) error = %v", err)
	}
	owner, locked, _ := e.LockOwner(ctx, doc.ID)
	if !locked || owner != "bob" {
		t.Fatalf("lock state = %q/%v, want bob locked", owner, locked)
	}

	// An unlock from someone who does not hold the lock is ignored.
	wrongEnv, _ := wire.Marshal(wire.KindUnlock, doc.ID, "carol", &LockUpdate{OwnerID: "carol"})
	if err := e.HandleEnvelope(ctx, wrongEnv); err != nil {
		t.Fatalf("HandleEnvelope(foreign unlock) error = %v", err)
	}
	if _, locked, _ := e.LockOwner(ctx, doc.ID); !locked {
		t.Fatal("foreign unlock released the lock")
	}

	unlockEnv, _ := wire.Marshal(wire.KindUnlock, doc.ID, "bob", &LockUpdate{OwnerID: "bob"})
	if err := e.HandleEnvelope(ctx, unlockEnv); err != nil {
		t.Fatalf("HandleEnvelope(unlock) error = %v", err)
	}
	if _, locked, _ := e.LockOwner(ctx, doc.ID); locked {
		t.Fatal("lock survived owner unlock")
	}
}

func TestHandleEnvelopeRoutesPresence(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createDoc(t, e, "Hello")

	joinEnv, _ := wire.Marshal(wire.KindJoin, doc.ID, "carol", &PresenceUpdate{ParticipantID: "carol"})
	if err := e.HandleEnvelope(ctx, joinEnv); err != nil {
		t.Fatalf("HandleEnvelope(join) error = %v", err)
	}
	participants, err := e.Participants(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Participants() error = %v", err)
	}
	if len(participants) != 3 {
		t.Fatalf("participants = %v, want alice, bob, carol", participants)
	}

	leaveEnv, _ := wire.Marshal(wire.KindLeave, doc.ID, "carol", &PresenceUpdate{ParticipantID: "carol"})
	if err := e.HandleEnvelope(ctx, leaveEnv); err != nil {
		t.Fatalf("HandleEnvelope(leave) error = %v", err)
	}
	participants, _ = e.Participants(ctx, doc.ID)
	if len(participants) != 2 {
		t.Errorf("participants after leave = %v", participants)
	}
}

func TestHandleEnvelopeRejectsUnknownKind(t *testing.T) {
	e, _, _ := newTestEngine(t)
	doc := createDoc(t, e, "Hello")

	env := &wire.Envelope{Kind: "telemetry", DocumentID: doc.ID, Data: []byte(`{}`)}
	if err := e.HandleEnvelope(context.Background(), env); err == nil {
		t.Error("unknown envelope kind should be rejected")
	}
}
