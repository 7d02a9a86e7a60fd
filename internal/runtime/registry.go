package runtime

import (
	"context"
	"fmt"

	errspkg "github.com/runlet-io/runlet/internal/runtime/errors"
	loggingpkg "github.com/runlet-io/runlet/internal/runtime/logging"
	metadatapkg "github.com/runlet-io/runlet/internal/runtime/metadata"
)

// TransportKind partitions binding keys. Keys are unique per kind, not
// globally.
type TransportKind string

const (
	KindHTTP  TransportKind = "http"
	KindQueue TransportKind = "queue"
)

// Metadata keys the runtime sets on envelopes and dispatches.
const (
	MetadataKeyTopic         = "runlet_topic"
	MetadataKeyCorrelationID = "runlet_correlation_id"
)

// ParamSpec declares one named parameter a handler expects from the payload.
type ParamSpec struct {
	Name     string
	Required bool
}

// Invocation is one unit of inbound work bound to a handler.
type Invocation struct {
	Kind       TransportKind
	BindingKey string
	// Params holds the payload's object fields bound by name.
	Params   map[string]any
	Raw      []byte
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// Param returns the bound parameter by name, or nil.
func (inv *Invocation) Param(name string) any {
	if inv.Params == nil {
		return nil
	}
	return inv.Params[name]
}

// Result is a handler's transport-facing return value. Queue transports
// ignore it; success alone means ack.
type Result struct {
	Status int
	Body   []byte
	Header map[string]string
}

// HandlerFunc is a registered handler. It runs to completion or returns an
// error; it never decides ack/nack or response codes for failures.
type HandlerFunc func(ctx context.Context, inv *Invocation) (*Result, error)

// HandlerEntry associates a binding key with a handler and its declared
// parameter schema. Entries are immutable after registration.
type HandlerEntry struct {
	Kind    TransportKind
	Key     string
	Name    string
	Schema  []ParamSpec
	Handler HandlerFunc
}

// HTTPBindingKey derives the binding key for an HTTP route.
func HTTPBindingKey(method, pattern string) string {
	return method + " " + pattern
}

// Registry is an immutable lookup table of handler entries. A new registry
// is built on every reload and swapped in atomically, so in-flight
// dispatches never observe a partially populated one.
type Registry struct {
	entries map[TransportKind]map[string]*HandlerEntry
}

// Lookup returns the entry for the binding key, or nil.
func (r *Registry) Lookup(kind TransportKind, key string) *HandlerEntry {
	if r == nil {
		return nil
	}
	return r.entries[kind][key]
}

// Entries returns all entries of one transport kind.
func (r *Registry) Entries(kind TransportKind) []*HandlerEntry {
	if r == nil {
		return nil
	}
	entries := make([]*HandlerEntry, 0, len(r.entries[kind]))
	for _, e := range r.entries[kind] {
		entries = append(entries, e)
	}
	return entries
}

// Len reports the total number of entries.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, byKey := range r.entries {
		n += len(byKey)
	}
	return n
}

// RegistryBuilder accumulates handler entries during service definition or a
// reload cycle. Build freezes it into a Registry.
type RegistryBuilder struct {
	entries map[TransportKind]map[string]*HandlerEntry
}

// NewRegistryBuilder returns an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{entries: make(map[TransportKind]map[string]*HandlerEntry)}
}

// Add registers an entry. Binding keys must be unique within a transport
// kind.
func (b *RegistryBuilder) Add(entry HandlerEntry) error {
	if entry.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if entry.Key == "" {
		return errspkg.ErrBindingKeyRequired
	}
	if entry.Name == "" {
		entry.Name = fmt.Sprintf("%s:%s", entry.Kind, entry.Key)
	}

	byKey, ok := b.entries[entry.Kind]
	if !ok {
		byKey = make(map[string]*HandlerEntry)
		b.entries[entry.Kind] = byKey
	}
	if _, exists := byKey[entry.Key]; exists {
		return fmt.Errorf("%w: %s %q", errspkg.ErrDuplicateBindingKey, entry.Kind, entry.Key)
	}

	byKey[entry.Key] = &entry
	return nil
}

// Build freezes the builder into an immutable Registry.
func (b *RegistryBuilder) Build() *Registry {
	entries := make(map[TransportKind]map[string]*HandlerEntry, len(b.entries))
	for kind, byKey := range b.entries {
		cloned := make(map[string]*HandlerEntry, len(byKey))
		for key, entry := range byKey {
			cloned[key] = entry
		}
		entries[kind] = cloned
	}
	return &Registry{entries: entries}
}
