package inmem

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	stdSync "sync"
	"sync/atomic"
	"testing"

	"github.com/c0deZ3R0/go-collab-kit/wire"
)

func testEnvelope(kind, documentID, senderID string) *wire.Envelope {
	return &wire.Envelope{
		Kind:       kind,
		DocumentID: documentID,
		SenderID:   senderID,
		Data:       json.RawMessage(`{"participant_id":"` + senderID + `"}`),
	}
}

func collect(t *testing.T, tr *Transport) *[]*wire.Envelope {
	t.Helper()

	var mu stdSync.Mutex
	got := &[]*wire.Envelope{}
	err := tr.Subscribe(context.Background(), func(env *wire.Envelope) {
		mu.Lock()
		*got = append(*got, env)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	return got
}

func TestBroadcastFansOutToOtherPeers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sender := hub.MustTransport()
	peerA := hub.MustTransport()
	peerB := hub.MustTransport()

	senderGot := collect(t, sender)
	aGot := collect(t, peerA)
	bGot := collect(t, peerB)

	env := testEnvelope(wire.KindJoin, "doc-1", "alice")
	if err := sender.Broadcast(context.Background(), env); err != nil {
		t.Fatalf("Failed to broadcast: %v", err)
	}

	if len(*senderGot) != 0 {
		t.Errorf("sender received its own broadcast: %+v", *senderGot)
	}
	if len(*aGot) != 1 || len(*bGot) != 1 {
		t.Fatalf("expected one envelope per peer, got %d and %d", len(*aGot), len(*bGot))
	}
	if (*aGot)[0].SenderID != "alice" || (*aGot)[0].DocumentID != "doc-1" {
		t.Errorf("unexpected envelope: %+v", (*aGot)[0])
	}
}

func TestRecipientsGetIndependentCopies(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sender := hub.MustTransport()
	peerA := hub.MustTransport()
	peerB := hub.MustTransport()

	var first *wire.Envelope
	if err := peerA.Subscribe(context.Background(), func(env *wire.Envelope) {
		// Scribble over the payload to prove the copies are isolated.
		for i := range env.Data {
			env.Data[i] = 'x'
		}
		first = env
	}); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	bGot := collect(t, peerB)

	env := testEnvelope(wire.KindJoin, "doc-1", "alice")
	original := string(env.Data)
	if err := sender.Broadcast(context.Background(), env); err != nil {
		t.Fatalf("Failed to broadcast: %v", err)
	}

	if first == nil || len(*bGot) != 1 {
		t.Fatal("both peers should have received the envelope")
	}
	if string(env.Data) != original {
		t.Error("broadcast mutated the sender's envelope")
	}
	if string((*bGot)[0].Data) != original {
		t.Error("one recipient's mutation leaked into another's copy")
	}
}

func TestPresenceTracking(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	tr := hub.MustTransport()
	ctx := context.Background()

	for _, id := range []string{"bob", "alice"} {
		if err := tr.Broadcast(ctx, testEnvelope(wire.KindJoin, "doc-1", id)); err != nil {
			t.Fatalf("Failed to broadcast join: %v", err)
		}
	}

	participants, err := tr.Participants(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Failed to list participants: %v", err)
	}
	if !reflect.DeepEqual(participants, []string{"alice", "bob"}) {
		t.Errorf("expected sorted [alice bob], got %v", participants)
	}

	if err := tr.Broadcast(ctx, testEnvelope(wire.KindLeave, "doc-1", "bob")); err != nil {
		t.Fatalf("Failed to broadcast leave: %v", err)
	}
	participants, err = tr.Participants(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Failed to list participants: %v", err)
	}
	if !reflect.DeepEqual(participants, []string{"alice"}) {
		t.Errorf("expected [alice] after leave, got %v", participants)
	}

	participants, err = tr.Participants(ctx, "doc-unknown")
	if err != nil {
		t.Fatalf("Failed to list participants: %v", err)
	}
	if len(participants) != 0 {
		t.Errorf("expected empty session, got %v", participants)
	}
}

func TestPresenceSharedAcrossPeers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a := hub.MustTransport()
	b := hub.MustTransport()
	ctx := context.Background()

	if err := a.Broadcast(ctx, testEnvelope(wire.KindJoin, "doc-1", "alice")); err != nil {
		t.Fatalf("Failed to broadcast join: %v", err)
	}

	participants, err := b.Participants(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Failed to list participants: %v", err)
	}
	if !reflect.DeepEqual(participants, []string{"alice"}) {
		t.Errorf("peer should see the hub presence table, got %v", participants)
	}
}

func TestSubscribeErrors(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	tr := hub.MustTransport()
	ctx := context.Background()

	if err := tr.Subscribe(ctx, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
	if err := tr.Subscribe(ctx, func(*wire.Envelope) {}); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	err := tr.Subscribe(ctx, func(*wire.Envelope) {})
	if err == nil {
		t.Fatal("expected error for second subscribe")
	}
	if !strings.Contains(err.Error(), ErrAlreadySubscribed.Error()) {
		t.Errorf("expected already-subscribed error, got %v", err)
	}
}

func TestBroadcastValidation(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	tr := hub.MustTransport()
	ctx := context.Background()

	if err := tr.Broadcast(ctx, nil); err == nil {
		t.Fatal("expected error for nil envelope")
	}
	if err := tr.Broadcast(ctx, testEnvelope("no-such-kind", "doc-1", "alice")); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}

func TestClosedTransport(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	tr := hub.MustTransport()
	peer := hub.MustTransport()
	peerGot := collect(t, peer)
	ctx := context.Background()

	if err := tr.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}

	err := tr.Broadcast(ctx, testEnvelope(wire.KindJoin, "doc-1", "alice"))
	if err == nil || !strings.Contains(err.Error(), ErrTransportClosed.Error()) {
		t.Errorf("expected closed error from Broadcast, got %v", err)
	}
	if _, err := tr.Participants(ctx, "doc-1"); err == nil {
		t.Error("expected closed error from Participants")
	}
	if err := tr.Subscribe(ctx, func(*wire.Envelope) {}); err == nil {
		t.Error("expected closed error from Subscribe")
	}

	// A detached peer no longer receives hub traffic.
	if err := peer.Broadcast(ctx, testEnvelope(wire.KindJoin, "doc-1", "bob")); err != nil {
		t.Fatalf("Failed to broadcast from live peer: %v", err)
	}
	if len(*peerGot) != 0 {
		t.Errorf("peer received unexpected envelopes: %+v", *peerGot)
	}
}

func TestHubClose(t *testing.T) {
	hub := NewHub()

	tr := hub.MustTransport()
	if err := hub.Close(); err != nil {
		t.Fatalf("Failed to close hub: %v", err)
	}
	if err := hub.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}

	if _, err := hub.Transport(); err == nil {
		t.Fatal("expected error attaching to closed hub")
	}
	if err := tr.Broadcast(context.Background(), testEnvelope(wire.KindJoin, "doc-1", "alice")); err == nil {
		t.Fatal("expected closed error from detached transport")
	}
}

func TestConcurrentBroadcast(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sender := hub.MustTransport()
	var received int64
	for i := 0; i < 3; i++ {
		peer := hub.MustTransport()
		if err := peer.Subscribe(context.Background(), func(*wire.Envelope) {
			atomic.AddInt64(&received, 1)
		}); err != nil {
			t.Fatalf("Failed to subscribe: %v", err)
		}
	}

	const broadcasts = 50
	var wg stdSync.WaitGroup
	for i := 0; i < broadcasts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sender.Broadcast(context.Background(), testEnvelope(wire.KindJoin, "doc-1", "alice")); err != nil {
				t.Errorf("Failed to broadcast: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&received); got != broadcasts*3 {
		t.Errorf("expected %d deliveries, got %d", broadcasts*3, got)
	}
}
