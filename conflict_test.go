package collabkit

import (
	"testing"
	"time"

	"github.com/c0deZ3R0/go-collab-kit/version"
)

func detectorOp(id, author string, kind OperationKind, pos, length int, clock map[string]uint64) Operation {
	op := Operation{
		ID:         id,
		DocumentID: "doc-1",
		Kind:       kind,
		Position:   pos,
		Length:     length,
		Text:       "x",
		AuthorID:   author,
		Timestamp:  testEpoch,
	}
	if clock != nil {
		op.Clock = version.NewVectorClockFromMap(clock)
	}
	return op
}

func TestDetectorInsertProximity(t *testing.T) {
	d := newConflictDetector(10, 5)

	tests := []struct {
		name     string
		incoming Operation
		applied  Operation
		want     bool
	}{
		{
			name:     "inserts within window conflict",
			incoming: detectorOp("in", "bob", OpInsert, 12, 0, map[string]uint64{"bob": 1}),
			applied:  detectorOp("ap", "alice", OpInsert, 10, 0, map[string]uint64{"alice": 1}),
			want:     true,
		},
		{
			name:     "inserts at exactly the window edge conflict",
			incoming: detectorOp("in", "bob", OpInsert, 15, 0, map[string]uint64{"bob": 1}),
			applied:  detectorOp("ap", "alice", OpInsert, 10, 0, map[string]uint64{"alice": 1}),
			want:     true,
		},
		{
			name:     "inserts beyond the window do not conflict",
			incoming: detectorOp("in", "bob", OpInsert, 16, 0, map[string]uint64{"bob": 1}),
			applied:  detectorOp("ap", "alice", OpInsert, 10, 0, map[string]uint64{"alice": 1}),
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflict, found := d.Detect(&tt.incoming, []Operation{tt.applied})
			if found != tt.want {
				t.Fatalf("Detect() found = %v, want %v", found, tt.want)
			}
			if found && conflict.Reason != ReasonInsertProximity {
				t.Errorf("Reason = %q, want %q", conflict.Reason, ReasonInsertProximity)
			}
		})
	}
}

func TestDetectorRangeOverlap(t *testing.T) {
	d := newConflictDetector(10, 5)

	tests := []struct {
		name     string
		incoming Operation
		applied  Operation
		want     bool
	}{
		{
			name:     "overlapping deletes conflict",
			incoming: detectorOp("in", "bob", OpDelete, 0, 5, map[string]uint64{"bob": 1}),
			applied:  detectorOp("ap", "alice", OpDelete, 3, 4, map[string]uint64{"alice": 1}),
			want:     true,
		},
		{
			name:     "delete overlapping replace conflicts",
			incoming: detectorOp("in", "bob", OpReplace, 2, 6, map[string]uint64{"bob": 1}),
			applied:  detectorOp("ap", "alice", OpDelete, 5, 2, map[string]uint64{"alice": 1}),
			want:     true,
		},
		{
			name:     "disjoint deletes do not conflict",
			incoming: detectorOp("in", "bob", OpDelete, 0, 2, map[string]uint64{"bob": 1}),
			applied:  detectorOp("ap", "alice", OpDelete, 10, 4, map[string]uint64{"alice": 1}),
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflict, found := d.Detect(&tt.incoming, []Operation{tt.applied})
			if found != tt.want {
				t.Fatalf("Detect() found = %v, want %v", found, tt.want)
			}
			if found && conflict.Reason != ReasonRangeOverlap {
				t.Errorf("Reason = %q, want %q", conflict.Reason, ReasonRangeOverlap)
			}
		})
	}
}

func TestDetectorSkipsCausallyOrderedAndOwnOps(t *testing.T) {
	d := newConflictDetector(10, 5)

	applied := detectorOp("ap", "alice", OpDelete, 0, 5, map[string]uint64{"alice": 1})

	// Same author never conflicts with their own history.
	own := detectorOp("own", "alice", OpDelete, 0, 5, map[string]uint64{"alice": 2})
	if _, found := d.Detect(&own, []Operation{applied}); found {
		t.Errorf("own operation flagged as conflict")
	}

	// A clock dominating the applied op means causal order, not
	// concurrency.
	after := detectorOp("after", "bob", OpDelete, 0, 5, map[string]uint64{"alice": 1, "bob": 1})
	if _, found := d.Detect(&after, []Operation{applied}); found {
		t.Errorf("causally ordered operation flagged as conflict")
	}

	// Missing clocks leave causality unknown; treat as concurrent.
	unknown := detectorOp("unknown", "bob", OpDelete, 0, 5, nil)
	if _, found := d.Detect(&unknown, []Operation{applied}); !found {
		t.Errorf("clockless overlapping operation not flagged")
	}
}

func TestDetectorHonorsWindow(t *testing.T) {
	d := newConflictDetector(2, 5)

	// History newest-first; the colliding entry sits outside the
	// 2-entry scan window.
	history := []Operation{
		detectorOp("h1", "alice", OpInsert, 100, 0, map[string]uint64{"alice": 3}),
		detectorOp("h2", "alice", OpInsert, 200, 0, map[string]uint64{"alice": 2}),
		detectorOp("h3", "alice", OpDelete, 0, 5, map[string]uint64{"alice": 1}),
	}
	incoming := detectorOp("in", "bob", OpDelete, 0, 5, map[string]uint64{"bob": 1})
	if _, found := d.Detect(&incoming, history); found {
		t.Errorf("entry outside the scan window flagged a conflict")
	}
}

func TestDetectorIgnoresNonMutatingOps(t *testing.T) {
	d := newConflictDetector(10, 5)

	applied := detectorOp("ap", "alice", OpDelete, 0, 5, map[string]uint64{"alice": 1})
	format := detectorOp("fmt", "bob", OpFormat, 0, 5, map[string]uint64{"bob": 1})
	if _, found := d.Detect(&format, []Operation{applied}); found {
		t.Errorf("format op flagged as conflict")
	}

	marker := detectorOp("cm", "bob", OpCommentMarker, 0, 5, map[string]uint64{"bob": 1})
	if _, found := d.Detect(&marker, []Operation{applied}); found {
		t.Errorf("comment-marker op flagged as conflict")
	}
}

func TestConflictQueueSinglePass(t *testing.T) {
	q := newConflictQueue()

	c1 := Conflict{Incoming: detectorOp("a", "alice", OpDelete, 0, 5, nil)}
	c2 := Conflict{Incoming: detectorOp("b", "bob", OpDelete, 1, 5, nil)}
	c3 := Conflict{Incoming: detectorOp("c", "carol", OpDelete, 2, 5, nil)}

	if !q.Enqueue(c1) {
		t.Fatal("first Enqueue should start a pass")
	}
	if q.Enqueue(c2) {
		t.Fatal("second Enqueue must not start a second pass")
	}

	batch := q.TakeBatch()
	if len(batch) != 2 {
		t.Fatalf("TakeBatch() = %d ops, want 2", len(batch))
	}

	// An op arriving mid-pass joins the same pass.
	if q.Enqueue(c3) {
		t.Fatal("Enqueue during active pass must not start another")
	}
	batch = q.TakeBatch()
	if len(batch) != 1 || batch[0].ID != "c" {
		t.Fatalf("mid-pass TakeBatch() = %v, want [c]", batch)
	}

	if len(q.TakeBatch()) != 0 {
		t.Fatal("drained queue should be empty")
	}
	q.Finish()
	if q.Active() {
		t.Fatal("queue still active after Finish")
	}
	if !q.Enqueue(c1) {
		t.Fatal("Enqueue after Finish should start a fresh pass")
	}
}

func TestHistoryRing(t *testing.T) {
	h := newHistoryRing(3)

	for i := 1; i <= 5; i++ {
		h.Append(detectorOp(string(rune('0'+i)), "alice", OpInsert, i, 0, nil))
	}

	if h.Len() != 3 {
		t.Errorf("Len() = %d, want 3 (capacity)", h.Len())
	}
	if h.Total() != 5 {
		t.Errorf("Total() = %d, want 5 (eviction must not shrink the count)", h.Total())
	}

	recent := h.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("Recent(10) = %d entries, want 3", len(recent))
	}
	// Newest first: 5, 4, 3. Entries 1 and 2 were evicted.
	for i, wantPos := range []int{5, 4, 3} {
		if recent[i].Position != wantPos {
			t.Errorf("Recent()[%d].Position = %d, want %d", i, recent[i].Position, wantPos)
		}
	}

	if got := h.Recent(2); len(got) != 2 || got[0].Position != 5 {
		t.Errorf("Recent(2) = %v, want newest two", got)
	}
	if h.Recent(0) != nil {
		t.Errorf("Recent(0) should be nil")
	}
}

func TestHistoryRingDefaultCapacity(t *testing.T) {
	h := newHistoryRing(0)
	if len(h.buf) != DefaultHistoryLimit {
		t.Errorf("default capacity = %d, want %d", len(h.buf), DefaultHistoryLimit)
	}
}

func TestSortOperationsDeterministicTieBreaks(t *testing.T) {
	at := testEpoch
	ops := []Operation{
		{ID: "z", AuthorID: "bob", Timestamp: at},
		{ID: "a", AuthorID: "bob", Timestamp: at},
		{ID: "m", AuthorID: "alice", Timestamp: at},
		{ID: "q", AuthorID: "alice", Timestamp: at.Add(-time.Millisecond)},
	}
	sortOperations(ops)

	want := []string{"q", "m", "a", "z"}
	for i, id := range want {
		if ops[i].ID != id {
			t.Fatalf("order[%d] = %s, want %s (full order %v)", i, ops[i].ID, id, ops)
		}
	}
}
