package collabkit

// Conflict pairs an incoming remote operation with the recent local
// operation it collided with, plus the reason the detector flagged it.
type Conflict struct {
	DocumentID string
	Incoming   Operation
	Against    Operation
	Reason     ConflictReason
}

// ConflictReason is the closed set of detector outcomes.
type ConflictReason string

const (
	// ReasonInsertProximity marks two concurrent inserts targeting
	// positions within the proximity window, likely the same cursor.
	ReasonInsertProximity ConflictReason = "insert_proximity"

	// ReasonRangeOverlap marks concurrent delete/replace ranges that
	// overlap.
	ReasonRangeOverlap ConflictReason = "range_overlap"
)

// conflictDetector flags incoming remote operations that collide with
// recently applied local history. Only concurrent operations conflict:
// an operation causally after a history entry is never queued.
type conflictDetector struct {
	window    int // history entries scanned, newest first
	proximity int // insert-insert closeness in runes
}

func newConflictDetector(window, proximity int) *conflictDetector {
	if window <= 0 {
		window = DefaultConflictWindow
	}
	if proximity < 0 {
		proximity = DefaultProximityWindow
	}
	return &conflictDetector{window: window, proximity: proximity}
}

// Detect scans the most recent history entries for a collision with the
// incoming operation.
func (d *conflictDetector) Detect(incoming *Operation, history []Operation) (Conflict, bool) {
	if !incoming.Mutates() {
		return Conflict{}, false
	}
	if len(history) > d.window {
		history = history[:d.window]
	}
	for _, applied := range history {
		if applied.AuthorID == incoming.AuthorID {
			// A participant's own operations are sequential by
			// construction.
			continue
		}
		if !applied.Mutates() {
			continue
		}
		if !d.concurrent(incoming, &applied) {
			continue
		}
		if reason, ok := d.collides(incoming, &applied); ok {
			return Conflict{
				DocumentID: incoming.DocumentID,
				Incoming:   *incoming,
				Against:    applied,
				Reason:     reason,
			}, true
		}
	}
	return Conflict{}, false
}

// concurrent reports whether neither operation's clock dominates the
// other. Missing clocks leave causality unknown; those operations are
// treated as concurrent so overlaps still resolve deterministically.
func (d *conflictDetector) concurrent(incoming, applied *Operation) bool {
	if incoming.Clock == nil || applied.Clock == nil {
		return true
	}
	return incoming.Clock.ConcurrentWith(applied.Clock)
}

func (d *conflictDetector) collides(incoming, applied *Operation) (ConflictReason, bool) {
	if incoming.Kind == OpInsert && applied.Kind == OpInsert {
		delta := incoming.Position - applied.Position
		if delta < 0 {
			delta = -delta
		}
		if delta <= d.proximity {
			return ReasonInsertProximity, true
		}
		return "", false
	}

	// Insert against delete/replace and vice versa: treat the insert
	// as a zero-length point and test containment in the range.
	aStart, aEnd := incoming.Position, incoming.End()
	bStart, bEnd := applied.Position, applied.End()
	if !(aEnd < bStart || bEnd < aStart) {
		return ReasonRangeOverlap, true
	}
	return "", false
}

// conflictQueue collects conflicting operations for one document and
// enforces the single-resolution-pass rule: once a pass is draining the
// queue, newly arriving conflicts append to the same queue and are
// consumed by that pass instead of starting a second one.
type conflictQueue struct {
	queued    []Operation
	conflicts []Conflict
	resolving bool
}

func newConflictQueue() *conflictQueue {
	return &conflictQueue{}
}

// Enqueue adds a conflicting operation. Reports whether the caller
// should begin a resolution pass (false when one is already active).
func (q *conflictQueue) Enqueue(c Conflict) bool {
	q.queued = append(q.queued, c.Incoming)
	q.conflicts = append(q.conflicts, c)
	if q.resolving {
		return false
	}
	q.resolving = true
	return true
}

// TakeBatch removes and returns everything queued so far. A resolution
// pass calls this repeatedly until it returns nothing, so operations
// arriving mid-pass are drained by the same pass.
func (q *conflictQueue) TakeBatch() []Operation {
	batch := q.queued
	q.queued = nil
	q.conflicts = nil
	return batch
}

// Finish marks the active pass complete.
func (q *conflictQueue) Finish() {
	q.resolving = false
}

// Active reports whether a resolution pass is in progress.
func (q *conflictQueue) Active() bool {
	return q.resolving
}

// Depth returns the number of queued operations.
func (q *conflictQueue) Depth() int {
	return len(q.queued)
}
