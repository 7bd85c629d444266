// Package rmap implements the agent registry on a Pulse replicated map
// backed by Redis. Registrations are durable across process restarts and
// visible to every node; freshness eviction hides entries whose owner stopped
// heartbeating without deregistering.
package rmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"github.com/ratchet-dev/ratchet/runtime/agent/registry"
)

const (
	// DefaultTTL is the freshness window when none is configured. Entries
	// whose RegisteredAt is older than the TTL are treated as departed.
	DefaultTTL = 5 * time.Minute

	agentKeyPrefix = "agents:"
)

type (
	// Map is the minimal replicated-map contract the registry needs. It is
	// satisfied by *rmap.Map and defined here so the registry stays
	// unit-testable without Redis.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Registry implements registry.Registry on a replicated map.
	Registry struct {
		m   Map
		ttl time.Duration
		now func() time.Time
	}

	// Options configures New.
	Options struct {
		// Map is the replicated map, typically joined with rmap.Join.
		// Required.
		Map Map
		// TTL is the freshness window. Zero means DefaultTTL; negative
		// disables eviction.
		TTL time.Duration
	}
)

var _ registry.Registry = (*Registry)(nil)

// Join joins the named replicated map on rdb and returns a Registry over it.
// Most callers use this; New exists for injecting a Map in tests.
func Join(ctx context.Context, name string, rdb *redis.Client, ttl time.Duration) (*Registry, error) {
	m, err := rmap.Join(ctx, name, rdb)
	if err != nil {
		return nil, fmt.Errorf("registry/rmap: join map %q: %w", name, err)
	}
	return New(Options{Map: m, TTL: ttl})
}

// New validates opts and constructs a Registry.
func New(opts Options) (*Registry, error) {
	if opts.Map == nil {
		return nil, errors.New("registry/rmap: Options.Map is required")
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Registry{m: opts.Map, ttl: ttl, now: time.Now}, nil
}

// Register creates or refreshes the entry. RegisteredAt is stamped here so
// re-registration doubles as a heartbeat.
func (r *Registry) Register(ctx context.Context, entry registry.Entry) error {
	if entry.Name == "" {
		return errors.New("registry/rmap: entry name is required")
	}
	entry.RegisteredAt = r.now().UTC()
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("registry/rmap: encode entry %q: %w", entry.Name, err)
	}
	if _, err := r.m.Set(ctx, agentKey(entry.Name), string(b)); err != nil {
		return fmt.Errorf("registry/rmap: store entry %q: %w", entry.Name, err)
	}
	return nil
}

// Deregister removes the entry. Removing an absent name is not an error.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	if _, err := r.m.Delete(ctx, agentKey(name)); err != nil {
		return fmt.Errorf("registry/rmap: delete entry %q: %w", name, err)
	}
	return nil
}

// Lookup returns the fresh entry for name or registry.ErrNotRegistered. A
// stale entry is indistinguishable from an absent one to callers.
func (r *Registry) Lookup(_ context.Context, name string) (registry.Entry, error) {
	val, ok := r.m.Get(agentKey(name))
	if !ok {
		return registry.Entry{}, registry.ErrNotRegistered
	}
	entry, err := decodeEntry(name, val)
	if err != nil {
		return registry.Entry{}, err
	}
	if !r.fresh(entry) {
		return registry.Entry{}, registry.ErrNotRegistered
	}
	return entry, nil
}

// List returns all fresh entries in no particular order.
func (r *Registry) List(_ context.Context) ([]registry.Entry, error) {
	keys := r.m.Keys()
	out := make([]registry.Entry, 0, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, agentKeyPrefix) {
			continue
		}
		val, ok := r.m.Get(k)
		if !ok {
			// Deleted between Keys and Get.
			continue
		}
		entry, err := decodeEntry(strings.TrimPrefix(k, agentKeyPrefix), val)
		if err != nil {
			return nil, err
		}
		if r.fresh(entry) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *Registry) fresh(entry registry.Entry) bool {
	if r.ttl < 0 {
		return true
	}
	return r.now().Sub(entry.RegisteredAt) <= r.ttl
}

func decodeEntry(name, val string) (registry.Entry, error) {
	var entry registry.Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return registry.Entry{}, fmt.Errorf("registry/rmap: decode entry %q: %w", name, err)
	}
	return entry, nil
}

func agentKey(name string) string {
	return agentKeyPrefix + name
}
