// Package tools implements the tool execution unit: a registry of tool
// declarations and an executor that invokes them on behalf of the model.
//
// Tools are explicit registrations; a tool without an Execute function is a
// declaration-only tool, advertised to the model but fulfilled externally.
// The executor validates arguments against the declared JSON schema, captures
// panics and errors as structured failures, enforces a per-call timeout and
// truncates oversized results, so a misbehaving tool can never hang or fail
// the hosting workflow.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ratchet-dev/ratchet/runtime/agent/model"
)

// ErrNotRegistered indicates no tool exists under the requested name.
var ErrNotRegistered = errors.New("tools: not registered")

type (
	// Tool declares one callable capability.
	Tool struct {
		// Name is the identifier the model uses to call the tool.
		Name string
		// Description tells the model when to use the tool.
		Description string
		// InputSchema is the JSON schema of the argument object. Nil means
		// arguments are not validated.
		InputSchema json.RawMessage
		// Execute runs the tool. Nil marks a declaration-only tool whose
		// results arrive through the external-tool-results signal.
		Execute func(ctx context.Context, args json.RawMessage) (any, error)
		// Timeout bounds one invocation. Zero means the executor default.
		Timeout time.Duration
	}

	// Registry holds the tools available to one agent. Populated explicitly
	// at agent registration; thread-safe for concurrent lookup.
	Registry struct {
		mu    sync.RWMutex
		tools map[string]Tool
	}
)

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool declaration. An empty name is a
// configuration error.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tools: register: empty tool name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// Lookup returns the tool registered under name, or ErrNotRegistered.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return t, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider-facing declarations for the named tools, or
// for every registered tool when names is empty. Unknown names are skipped;
// the model simply never sees them.
func (r *Registry) Definitions(names []string) []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(names) == 0 {
		names = make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}
