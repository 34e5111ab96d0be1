// Package wire defines the envelope format engines exchange over a
// Transport, together with a registry of payload codecs keyed by
// envelope kind. The package is deliberately free of engine types so
// that transports can depend on it without pulling in the engine.
package wire

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Codec encodes and decodes payloads of a single envelope kind.
type Codec interface {
	// Kind returns the envelope kind this codec handles.
	Kind() string

	// Encode serializes a payload value to raw JSON.
	Encode(v interface{}) (json.RawMessage, error)

	// Decode deserializes raw JSON into a payload value.
	Decode(data json.RawMessage) (interface{}, error)
}

// Registry maps envelope kinds to codecs. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register adds a codec to the registry, replacing any codec
// previously registered for the same kind.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Kind()] = c
}

// Lookup returns the codec for a kind, if one is registered.
func (r *Registry) Lookup(kind string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[kind]
	return c, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.codecs))
	for k := range r.codecs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// DefaultRegistry is the registry used by the package-level functions.
var DefaultRegistry = NewRegistry()

// Register adds a codec to the default registry.
func Register(c Codec) {
	DefaultRegistry.Register(c)
}

// Lookup returns a codec from the default registry.
func Lookup(kind string) (Codec, bool) {
	return DefaultRegistry.Lookup(kind)
}

// Kinds returns the kinds registered in the default registry.
func Kinds() []string {
	return DefaultRegistry.Kinds()
}

// JSONCodec is a Codec that round-trips a payload through
// encoding/json. The factory produces a fresh value for Decode to
// unmarshal into, typically a pointer to the payload struct.
type JSONCodec struct {
	kind    string
	factory func() interface{}
}

// NewJSONCodec builds a JSONCodec for the given kind.
func NewJSONCodec(kind string, factory func() interface{}) *JSONCodec {
	return &JSONCodec{kind: kind, factory: factory}
}

// Kind implements Codec.
func (c *JSONCodec) Kind() string { return c.kind }

// Encode implements Codec.
func (c *JSONCodec) Encode(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", c.kind, err)
	}
	return data, nil
}

// Decode implements Codec.
func (c *JSONCodec) Decode(data json.RawMessage) (interface{}, error) {
	v := c.factory()
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", c.kind, err)
	}
	return v, nil
}

var _ Codec = (*JSONCodec)(nil)
