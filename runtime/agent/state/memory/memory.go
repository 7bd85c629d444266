// Package memory provides an in-memory implementation of state.Store for
// testing and local development. State is held in a map keyed by the store
// key, with no persistence across process restarts. Production deployments
// should use a durable backend such as features/state/mongo.
package memory

import (
	"context"
	"sync"

	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

// Store implements state.Store in memory with no durability. All operations
// are thread-safe via sync.Mutex and honor the same optimistic-concurrency
// contract as the durable backends: writes with a stale version fail with
// state.ErrVersionConflict. Stored states are defensively copied on read and
// write so callers can never alias stored data.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	st  *state.RunState
	ver state.Version
}

// New constructs an empty Store ready for use.
func New() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Read returns a copy of the state and its version for key, or
// state.ErrNotFound when the key has never been written.
func (s *Store) Read(_ context.Context, key string) (*state.RunState, state.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, 0, state.ErrNotFound
	}
	return e.st.Clone(), e.ver, nil
}

// Write persists a copy of st under key when the stored version still equals
// expected, returning the incremented version. A zero expected version
// creates the key and conflicts when it already exists.
func (s *Store) Write(_ context.Context, key string, st *state.RunState, expected state.Version) (state.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		if expected != 0 {
			return 0, state.ErrVersionConflict
		}
		s.entries[key] = entry{st: st.Clone(), ver: 1}
		return 1, nil
	}
	if e.ver != expected {
		return 0, state.ErrVersionConflict
	}
	next := e.ver + 1
	s.entries[key] = entry{st: st.Clone(), ver: next}
	return next, nil
}

// Reset clears all stored states. Useful in tests to isolate cases; not part
// of the state.Store interface.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
}
