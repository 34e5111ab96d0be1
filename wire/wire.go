package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope kinds carried between engines. Every payload broadcast over
// a Transport is wrapped in an Envelope tagged with one of these.
const (
	KindOperation       = "operation"
	KindCursor          = "cursor"
	KindCommentAdd      = "comment.add"
	KindCommentResolve  = "comment.resolve"
	KindCommentReaction = "comment.reaction"
	KindLock            = "lock"
	KindUnlock          = "unlock"
	KindJoin            = "join"
	KindLeave           = "leave"
)

// MaxEnvelopeSize bounds the payload accepted from the wire. Envelopes
// whose Data exceeds this are rejected before decoding.
const MaxEnvelopeSize = 64 * 1024

// Envelope is the unit transports exchange: a kind tag, the document
// the payload belongs to, the sending participant, and the raw
// payload bytes. The payload format is owned by the codec registered
// for the kind.
type Envelope struct {
	Kind       string          `json:"kind"`
	DocumentID string          `json:"document_id"`
	SenderID   string          `json:"sender_id,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Marshal wraps a payload in an Envelope using the codec registered in
// the default registry for the given kind.
func Marshal(kind, documentID, senderID string, v interface{}) (*Envelope, error) {
	return DefaultRegistry.MarshalEnvelope(kind, documentID, senderID, v)
}

// MarshalEnvelope wraps a payload in an Envelope using this registry.
func (r *Registry) MarshalEnvelope(kind, documentID, senderID string, v interface{}) (*Envelope, error) {
	codec, ok := r.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("no codec registered for envelope kind %q", kind)
	}
	data, err := codec.Encode(v)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("envelope payload too large: %d bytes (max %d)", len(data), MaxEnvelopeSize)
	}
	return &Envelope{
		Kind:       kind,
		DocumentID: documentID,
		SenderID:   senderID,
		Data:       data,
	}, nil
}

// MustMarshal is Marshal for statically known payloads; it panics on
// error.
func MustMarshal(kind, documentID, senderID string, v interface{}) *Envelope {
	env, err := Marshal(kind, documentID, senderID, v)
	if err != nil {
		panic(fmt.Sprintf("wire: marshal %s envelope: %v", kind, err))
	}
	return env
}

// Validate checks an envelope against the default registry without
// decoding its payload.
func Validate(env *Envelope) error {
	return DefaultRegistry.ValidateEnvelope(env)
}

// ValidateEnvelope checks that the envelope is well formed: non-nil,
// payload within the size bound, and a codec registered for its kind.
func (r *Registry) ValidateEnvelope(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("nil envelope")
	}
	if env.DocumentID == "" {
		return fmt.Errorf("envelope missing document ID")
	}
	if len(env.Data) > MaxEnvelopeSize {
		return fmt.Errorf("envelope payload too large: %d bytes (max %d)", len(env.Data), MaxEnvelopeSize)
	}
	if _, ok := r.Lookup(env.Kind); !ok {
		return fmt.Errorf("unknown envelope kind: %q", env.Kind)
	}
	return nil
}

// Unmarshal validates an envelope and decodes its payload using the
// default registry.
func Unmarshal(env *Envelope) (interface{}, error) {
	return DefaultRegistry.UnmarshalEnvelope(env)
}

// UnmarshalEnvelope validates an envelope and decodes its payload
// using this registry.
func (r *Registry) UnmarshalEnvelope(env *Envelope) (interface{}, error) {
	if err := r.ValidateEnvelope(env); err != nil {
		return nil, err
	}
	codec, _ := r.Lookup(env.Kind)
	return codec.Decode(env.Data)
}

// Encode renders an envelope to the JSON bytes transports put on the
// wire.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses wire bytes into an Envelope and validates it against
// the default registry. The payload is left raw; callers decode it
// with Unmarshal when they want the typed value.
func Decode(data []byte) (*Envelope, error) {
	return DefaultRegistry.DecodeEnvelope(data)
}

// DecodeEnvelope parses and validates wire bytes using this registry.
func (r *Registry) DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := r.ValidateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}
