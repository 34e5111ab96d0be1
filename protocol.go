package collabkit

import (
	"time"

	"github.com/c0deZ3R0/go-collab-kit/wire"
)

// Wire payloads for session traffic that has no first-class engine
// type of its own. Operations, cursors, and comments travel as their
// engine types.

// LockUpdate announces a lock or unlock.
type LockUpdate struct {
	OwnerID string `json:"owner_id"`
}

// PresenceUpdate announces a participant joining or leaving.
type PresenceUpdate struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name,omitempty"`
}

// CommentResolveUpdate announces a comment resolution.
type CommentResolveUpdate struct {
	CommentID  string    `json:"comment_id"`
	ResolverID string    `json:"resolver_id"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// ReactionUpdate announces an emoji reaction on a comment.
type ReactionUpdate struct {
	CommentID     string    `json:"comment_id"`
	ParticipantID string    `json:"participant_id"`
	Emoji         string    `json:"emoji"`
	ReactedAt     time.Time `json:"reacted_at"`
}

func init() {
	wire.Register(wire.NewJSONCodec(wire.KindOperation, func() interface{} { return new(Operation) }))
	wire.Register(wire.NewJSONCodec(wire.KindCursor, func() interface{} { return new(Cursor) }))
	wire.Register(wire.NewJSONCodec(wire.KindCommentAdd, func() interface{} { return new(Comment) }))
	wire.Register(wire.NewJSONCodec(wire.KindCommentResolve, func() interface{} { return new(CommentResolveUpdate) }))
	wire.Register(wire.NewJSONCodec(wire.KindCommentReaction, func() interface{} { return new(ReactionUpdate) }))
	wire.Register(wire.NewJSONCodec(wire.KindLock, func() interface{} { return new(LockUpdate) }))
	wire.Register(wire.NewJSONCodec(wire.KindUnlock, func() interface{} { return new(LockUpdate) }))
	wire.Register(wire.NewJSONCodec(wire.KindJoin, func() interface{} { return new(PresenceUpdate) }))
	wire.Register(wire.NewJSONCodec(wire.KindLeave, func() interface{} { return new(PresenceUpdate) }))
}

// EncodeOperation wraps an operation in a transport envelope. Adapters
// relaying operations out of band use this instead of building
// envelopes by hand.
func EncodeOperation(op *Operation) (*wire.Envelope, error) {
	return wire.Marshal(wire.KindOperation, op.DocumentID, op.AuthorID, op)
}

// EncodeCursor wraps a cursor update in a transport envelope.
func EncodeCursor(cur *Cursor) (*wire.Envelope, error) {
	return wire.Marshal(wire.KindCursor, cur.DocumentID, cur.ParticipantID, cur)
}

// EncodeComment wraps a new comment in a transport envelope.
func EncodeComment(c *Comment) (*wire.Envelope, error) {
	return wire.Marshal(wire.KindCommentAdd, c.DocumentID, c.AuthorID, c)
}

// DecodeEnvelope validates an envelope and returns its typed payload.
// Callers switch on the concrete type: *Operation, *Cursor, *Comment,
// *CommentResolveUpdate, *ReactionUpdate, *LockUpdate, or
// *PresenceUpdate.
func DecodeEnvelope(env *wire.Envelope) (interface{}, error) {
	return wire.Unmarshal(env)
}
