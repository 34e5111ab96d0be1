// Package inmem provides an in-process Transport backed by a Hub that
// fans every broadcast out to the other transports attached to it. It
// carries no network dependency, which makes it the transport of
// choice for tests, examples, and single-process deployments where
// several engines share an address space.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	stdSync "sync"

	collabkit "github.com/c0deZ3R0/go-collab-kit"
	collabErrors "github.com/c0deZ3R0/go-collab-kit/errors"
	"github.com/c0deZ3R0/go-collab-kit/wire"
)

// Operation constants for consistent error reporting
const (
	opBroadcast    = "inmem.Broadcast"
	opSubscribe    = "inmem.Subscribe"
	opParticipants = "inmem.Participants"
)

const transportComponent = "inmem-transport"

// ErrTransportClosed is returned by every method after Close.
var ErrTransportClosed = errors.New("transport is closed")

// ErrAlreadySubscribed is returned when Subscribe is called twice.
var ErrAlreadySubscribed = errors.New("transport already subscribed")

// ErrHubClosed is returned when a transport is requested from a closed
// hub.
var ErrHubClosed = errors.New("hub is closed")

// Hub connects a set of in-process transports. Broadcasts on any
// attached transport are delivered synchronously to the handlers of
// all the others, and join/leave traffic feeds a shared presence table
// so Participants agrees across peers.
type Hub struct {
	mu       stdSync.RWMutex
	peers    map[*Transport]struct{}
	presence map[string]map[string]struct{}
	closed   bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		peers:    make(map[*Transport]struct{}),
		presence: make(map[string]map[string]struct{}),
	}
}

// Transport attaches a new peer to the hub.
func (h *Hub) Transport() (*Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	t := &Transport{hub: h}
	h.peers[t] = struct{}{}
	return t, nil
}

// MustTransport is Transport for setup code that owns the hub's
// lifecycle; it panics if the hub is closed.
func (h *Hub) MustTransport() *Transport {
	t, err := h.Transport()
	if err != nil {
		panic(fmt.Sprintf("inmem: attach transport: %v", err))
	}
	return t
}

// Close detaches and closes every peer. The hub accepts no new
// transports afterwards.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	peers := make([]*Transport, 0, len(h.peers))
	for t := range h.peers {
		peers = append(peers, t)
	}
	h.peers = make(map[*Transport]struct{})
	h.mu.Unlock()

	for _, t := range peers {
		t.markClosed()
	}
	return nil
}

func (h *Hub) remove(t *Transport) {
	h.mu.Lock()
	delete(h.peers, t)
	h.mu.Unlock()
}

// broadcast updates presence and delivers the envelope to every peer
// but the sender. Each recipient gets its own copy so handlers cannot
// alias one another's payload bytes.
func (h *Hub) broadcast(from *Transport, env *wire.Envelope) {
	h.mu.Lock()
	switch env.Kind {
	case wire.KindJoin:
		if env.SenderID != "" {
			set, ok := h.presence[env.DocumentID]
			if !ok {
				set = make(map[string]struct{})
				h.presence[env.DocumentID] = set
			}
			set[env.SenderID] = struct{}{}
		}
	case wire.KindLeave:
		if env.SenderID != "" {
			if set, ok := h.presence[env.DocumentID]; ok {
				delete(set, env.SenderID)
				if len(set) == 0 {
					delete(h.presence, env.DocumentID)
				}
			}
		}
	}
	peers := make([]*Transport, 0, len(h.peers))
	for t := range h.peers {
		if t != from {
			peers = append(peers, t)
		}
	}
	h.mu.Unlock()

	for _, t := range peers {
		t.deliver(cloneEnvelope(env))
	}
}

func (h *Hub) participants(documentID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.presence[documentID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneEnvelope(env *wire.Envelope) *wire.Envelope {
	dup := *env
	if env.Data != nil {
		dup.Data = append(json.RawMessage(nil), env.Data...)
	}
	return &dup
}

// Transport is one peer on a Hub. Handlers run synchronously on the
// broadcasting goroutine, so they must not block on the hub.
type Transport struct {
	hub *Hub

	mu      stdSync.RWMutex
	handler func(*wire.Envelope)
	closed  bool
}

// Compile-time check that Transport satisfies the Transport interface
var _ collabkit.Transport = (*Transport)(nil)

// Broadcast delivers the envelope to every other transport on the hub.
func (t *Transport) Broadcast(ctx context.Context, env *wire.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return collabErrors.WrapOpComponentKind(ErrTransportClosed, opBroadcast, transportComponent, collabErrors.KindNetwork)
	}
	if err := wire.Validate(env); err != nil {
		return collabErrors.NewValidationError(collabErrors.OpBroadcast, err)
	}

	t.hub.broadcast(t, env)
	return nil
}

// Subscribe registers the handler for envelopes broadcast by the other
// peers. A transport subscribes once.
func (t *Transport) Subscribe(_ context.Context, handler func(*wire.Envelope)) error {
	if handler == nil {
		return collabErrors.NewValidationError(collabErrors.OpSubscribe, fmt.Errorf("handler cannot be nil"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return collabErrors.WrapOpComponentKind(ErrTransportClosed, opSubscribe, transportComponent, collabErrors.KindNetwork)
	}
	if t.handler != nil {
		return collabErrors.WrapOpComponentKind(ErrAlreadySubscribed, opSubscribe, transportComponent, collabErrors.KindNetwork)
	}
	t.handler = handler
	return nil
}

// Participants returns the hub's presence set for the document, sorted
// for stable output.
func (t *Transport) Participants(ctx context.Context, documentID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, collabErrors.WrapOpComponentKind(ErrTransportClosed, opParticipants, transportComponent, collabErrors.KindNetwork)
	}
	return t.hub.participants(documentID), nil
}

// Close detaches the transport from its hub. It is safe to call more
// than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handler = nil
	t.mu.Unlock()

	t.hub.remove(t)
	return nil
}

func (t *Transport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.handler = nil
	t.mu.Unlock()
}

func (t *Transport) deliver(env *wire.Envelope) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler != nil {
		handler(env)
	}
}
