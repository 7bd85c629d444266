// Package registry defines the agent registry: the lookup from agent name to
// messaging topology (topic, channel) and role metadata. The messaging layer
// resolves direct-message targets here and orchestration strategies read
// roles and goals when building coordination prompts.
//
// Implementations: registry/memory (in-process, for tests and the inmem
// engine) and features/registry/rmap (replicated map over Redis with
// freshness-based eviction).
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotRegistered indicates no entry exists for the requested agent name.
var ErrNotRegistered = errors.New("registry: agent not registered")

type (
	// Entry describes one registered agent.
	Entry struct {
		// Name is the unique agent identifier.
		Name string `json:"name"`
		// Topic is the stream topic the agent consumes direct messages from.
		Topic string `json:"topic,omitempty"`
		// Channel is the broadcast channel the agent subscribes to.
		Channel string `json:"channel,omitempty"`
		// Role is a short description used in orchestration prompts.
		Role string `json:"role,omitempty"`
		// Goal is the agent's objective, also surfaced to coordinators.
		Goal string `json:"goal,omitempty"`
		// RegisteredAt is the registration or last heartbeat time. Backends
		// with freshness eviction drop entries staler than their TTL.
		RegisteredAt time.Time `json:"registered_at"`
	}

	// Registry is the agent lookup contract. Register overwrites an existing
	// entry for the same name; Lookup and List observe only entries the
	// backend considers fresh.
	Registry interface {
		// Register creates or refreshes the entry for entry.Name.
		Register(ctx context.Context, entry Entry) error

		// Deregister removes the entry for name. Removing an absent name is
		// not an error.
		Deregister(ctx context.Context, name string) error

		// Lookup returns the entry for name or ErrNotRegistered.
		Lookup(ctx context.Context, name string) (Entry, error)

		// List returns all fresh entries in no particular order.
		List(ctx context.Context) ([]Entry, error)
	}
)
