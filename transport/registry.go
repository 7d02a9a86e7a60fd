package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/runlet-io/runlet/internal/runtime/logging"
)

// Registry maintains a mapping of queue-provider names to their builders.
// Provider packages register themselves using Register.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global provider registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a provider builder to the registry. The name should match
// the QueueSystem config value (e.g. "aws", "nats", "channel").
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build creates a queue provider using the registered builder for the
// config's QueueSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger logging.ServiceLogger) (QueueProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	name := cfg.GetQueueSystem()

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown queue provider: %q (registered: %v)", name, r.Names())
	}

	return builder(ctx, cfg, logger)
}

// Names returns the list of registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// Has returns true if a provider is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a provider builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build creates a queue provider using the default registry.
func Build(ctx context.Context, cfg Config, logger logging.ServiceLogger) (QueueProvider, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
