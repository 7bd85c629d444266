package state

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no state exists under the requested key.
	ErrNotFound = errors.New("state: not found")

	// ErrVersionConflict indicates the write lost a race: the stored version
	// no longer matches the expected token. The caller must re-read and retry.
	ErrVersionConflict = errors.New("state: version conflict")
)

// DefaultUpdateAttempts bounds the read-apply-write retry loop in Update.
const DefaultUpdateAttempts = 5

type (
	// Version is the opaque optimistic-concurrency token. Stores return it on
	// Read and require it on Write. Zero is the token for "no document yet".
	Version int64

	// Store persists run state with optimistic concurrency. Implementations
	// must guarantee that of two concurrent writes carrying the same expected
	// version, at most one succeeds; the other receives ErrVersionConflict
	// with the winner's data intact.
	Store interface {
		// Read returns the state and its current version for key, or
		// ErrNotFound when the key has never been written.
		Read(ctx context.Context, key string) (*RunState, Version, error)

		// Write persists st under key if the stored version still equals
		// expected, returning the new version. Version 0 means "create";
		// creation fails with ErrVersionConflict when the key already exists.
		Write(ctx context.Context, key string, st *RunState, expected Version) (Version, error)
	}
)

// DefaultKey is the store key convention for an agent's run state.
func DefaultKey(agentName string) string {
	return agentName + ":workflow_state"
}

// Update runs the read-apply-write loop: read the freshest state, apply the
// mutation through the reducer and write back with the read version. On
// ErrVersionConflict it re-reads and reapplies, up to attempts tries
// (DefaultUpdateAttempts when attempts <= 0). Returns the state as written.
//
// This is the only write path the runtime uses; callers never hand-modify a
// RunState and write it back, which is what keeps concurrent writers from
// silently losing updates.
func Update(ctx context.Context, store Store, key string, m Mutation, attempts int) (*RunState, error) {
	if attempts <= 0 {
		attempts = DefaultUpdateAttempts
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		cur, ver, err := store.Read(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("read state %q: %w", key, err)
		}
		next := Apply(cur, m)
		if _, err := store.Write(ctx, key, next, ver); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("write state %q: %w", key, err)
		}
		return next, nil
	}
	return nil, fmt.Errorf("update state %q: retries exhausted after %d attempts: %w", key, attempts, lastErr)
}
