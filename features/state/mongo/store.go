// Package mongo implements state.Store on MongoDB: one document per key, a
// version field guarded by a conditional filter on update and a
// duplicate-key-safe insert for the creating write.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mongoclient "github.com/ratchet-dev/ratchet/features/state/mongo/clients/mongo"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
	"github.com/ratchet-dev/ratchet/runtime/agent/telemetry"
)

type (
	// Store persists run state in MongoDB with optimistic concurrency.
	Store struct {
		client mongoclient.Client
		logger telemetry.Logger
	}

	// Options configures New.
	Options struct {
		// Client is the Mongo state client. Required.
		Client mongoclient.Client
		// Logger receives store diagnostics. Nil means no-op.
		Logger telemetry.Logger
	}
)

// New validates opts and constructs a Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("state/mongo: Options.Client is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Store{client: opts.Client, logger: opts.Logger}, nil
}

// Read implements state.Store.
func (s *Store) Read(ctx context.Context, key string) (*state.RunState, state.Version, error) {
	payload, version, err := s.client.Load(ctx, key)
	if err != nil {
		if errors.Is(err, mongoclient.ErrNoDocument) {
			return nil, 0, state.ErrNotFound
		}
		return nil, 0, fmt.Errorf("state/mongo: load %q: %w", key, err)
	}
	var st state.RunState
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, 0, fmt.Errorf("state/mongo: decode %q: %w", key, err)
	}
	return &st, state.Version(version), nil
}

// Write implements state.Store. Version 0 creates; any other expected version
// replaces conditionally. Both paths surface lost races as
// state.ErrVersionConflict with the winner's data intact.
func (s *Store) Write(ctx context.Context, key string, st *state.RunState, expected state.Version) (state.Version, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return 0, fmt.Errorf("state/mongo: encode %q: %w", key, err)
	}

	var version int64
	if expected == 0 {
		version, err = s.client.Insert(ctx, key, payload)
	} else {
		version, err = s.client.Replace(ctx, key, payload, int64(expected))
	}
	if err != nil {
		if errors.Is(err, mongoclient.ErrStale) {
			return 0, state.ErrVersionConflict
		}
		return 0, fmt.Errorf("state/mongo: write %q: %w", key, err)
	}
	return state.Version(version), nil
}
