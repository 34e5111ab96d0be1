package collabkit

import (
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-collab-kit/version"
)

// OperationKind is the closed set of text operations.
type OperationKind string

const (
	OpInsert        OperationKind = "insert"
	OpDelete        OperationKind = "delete"
	OpReplace       OperationKind = "replace"
	OpFormat        OperationKind = "format"
	OpCommentMarker OperationKind = "comment_marker"
)

// ValidKind reports whether k names a known operation kind.
func ValidKind(k OperationKind) bool {
	switch k {
	case OpInsert, OpDelete, OpReplace, OpFormat, OpCommentMarker:
		return true
	}
	return false
}

// Operation is a single edit authored by one participant against one
// document. Positions and lengths are in runes, not bytes. Format and
// comment-marker operations carry no content mutation but still bump
// the document version and enter history.
type Operation struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"document_id"`
	Kind       OperationKind `json:"kind"`
	Position   int           `json:"position"`
	Length     int           `json:"length,omitempty"`
	Text       string        `json:"text,omitempty"`

	// Format names the style applied by a format operation ("bold",
	// "heading", ...). CommentID links a comment-marker operation to
	// its comment.
	Format    string `json:"format,omitempty"`
	CommentID string `json:"comment_id,omitempty"`

	AuthorID    string    `json:"author_id"`
	Timestamp   time.Time `json:"timestamp"`
	BaseVersion int64     `json:"base_version"`

	// Clock is the author's vector clock snapshot taken after
	// incrementing their own component; Seq is that component's value
	// and drives stale-duplicate rejection.
	Clock *version.VectorClock `json:"clock,omitempty"`
	Seq   uint64               `json:"seq,omitempty"`
}

// Validate checks identity fields. Range fields are not validated here:
// out-of-bounds positions are clamped at apply time and degrade to
// no-ops rather than errors.
func (op *Operation) Validate() error {
	if op == nil {
		return fmt.Errorf("nil operation")
	}
	if op.ID == "" {
		return fmt.Errorf("operation missing ID")
	}
	if op.DocumentID == "" {
		return fmt.Errorf("operation %s missing document ID", op.ID)
	}
	if op.AuthorID == "" {
		return fmt.Errorf("operation %s missing author ID", op.ID)
	}
	if !ValidKind(op.Kind) {
		return fmt.Errorf("operation %s has unknown kind %q", op.ID, op.Kind)
	}
	return nil
}

// End returns the exclusive end of the operation's range.
func (op *Operation) End() int {
	return op.Position + op.Length
}

// Mutates reports whether the operation changes document content.
func (op *Operation) Mutates() bool {
	switch op.Kind {
	case OpInsert, OpDelete, OpReplace:
		return true
	}
	return false
}

// RequiredCapability returns the capability re-checked before applying.
func (op *Operation) RequiredCapability() Capability {
	if op.Kind == OpCommentMarker {
		return CapComment
	}
	return CapWrite
}

// SeqCounter returns the author's logical counter for this operation,
// falling back to the clock component when Seq was not set explicitly.
func (op *Operation) SeqCounter() uint64 {
	if op.Seq > 0 {
		return op.Seq
	}
	if op.Clock != nil {
		return op.Clock.Counter(op.AuthorID)
	}
	return 0
}

// Clone returns a deep copy. Event consumers receive clones so they
// cannot mutate engine state.
func (op *Operation) Clone() *Operation {
	if op == nil {
		return nil
	}
	out := *op
	if op.Clock != nil {
		out.Clock = op.Clock.Clone()
	}
	return &out
}

// clampRange confines [Position, Position+Length) to [0, contentLen].
func clampRange(position, length, contentLen int) (start, end int) {
	start = position
	if start < 0 {
		start = 0
	}
	if start > contentLen {
		start = contentLen
	}
	end = start
	if length > 0 {
		// contentLen-start never overflows; start+length can when a
		// remote replica sends a huge length.
		if length > contentLen-start {
			end = contentLen
		} else {
			end = start + length
		}
	}
	return start, end
}

// spliceContent applies a mutating operation to content and reports
// whether anything changed. Operations whose clamped range collapses to
// nothing are no-ops, never errors.
func spliceContent(content string, op *Operation) (string, bool) {
	runes := []rune(content)
	start, end := clampRange(op.Position, op.Length, len(runes))

	switch op.Kind {
	case OpInsert:
		if op.Text == "" {
			return content, false
		}
		out := make([]rune, 0, len(runes)+len(op.Text))
		out = append(out, runes[:start]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, runes[start:]...)
		return string(out), true

	case OpDelete:
		if start == end {
			return content, false
		}
		out := make([]rune, 0, len(runes)-(end-start))
		out = append(out, runes[:start]...)
		out = append(out, runes[end:]...)
		return string(out), true

	case OpReplace:
		if start == end && op.Text == "" {
			return content, false
		}
		out := make([]rune, 0, len(runes)-(end-start)+len(op.Text))
		out = append(out, runes[:start]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, runes[end:]...)
		return string(out), true
	}

	// Format and comment-marker operations never touch content.
	return content, false
}
