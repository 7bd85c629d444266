// Package memory provides an in-memory registry.Registry for testing and
// single-process deployments. Entries live in a map with no freshness
// eviction; multi-process deployments should use features/registry/rmap.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ratchet-dev/ratchet/runtime/agent/registry"
)

// Registry implements registry.Registry in memory. Thread-safe via
// sync.RWMutex; entries are value copies so callers can never mutate stored
// data.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registry.Entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]registry.Entry)}
}

// Register creates or refreshes the entry for entry.Name. A zero
// RegisteredAt defaults to time.Now.
func (r *Registry) Register(_ context.Context, entry registry.Entry) error {
	if entry.Name == "" {
		return fmt.Errorf("registry: register: empty agent name")
	}
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Name] = entry
	return nil
}

// Deregister removes the entry for name. Absent names are ignored.
func (r *Registry) Deregister(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
	return nil
}

// Lookup returns the entry for name or registry.ErrNotRegistered.
func (r *Registry) Lookup(_ context.Context, name string) (registry.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return registry.Entry{}, fmt.Errorf("%w: %q", registry.ErrNotRegistered, name)
	}
	return e, nil
}

// List returns all entries in no particular order.
func (r *Registry) List(_ context.Context) ([]registry.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]registry.Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out, nil
}
