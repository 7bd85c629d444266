package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

func TestReadUnknownKey(t *testing.T) {
	t.Parallel()

	s := New()
	_, _, err := s.Read(context.Background(), "nope")
	assert.True(t, errors.Is(err, state.ErrNotFound))
}

func TestWriteCreateAndUpdate(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	v1, err := s.Write(ctx, "k", &state.RunState{Status: state.StatusRunning}, 0)
	require.NoError(t, err)
	assert.Equal(t, state.Version(1), v1)

	// Creating again conflicts: version 0 means "no document yet".
	_, err = s.Write(ctx, "k", &state.RunState{}, 0)
	assert.True(t, errors.Is(err, state.ErrVersionConflict))

	st, ver, err := s.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, st.Status)
	assert.Equal(t, v1, ver)

	v2, err := s.Write(ctx, "k", &state.RunState{Status: state.StatusCompleted}, v1)
	require.NoError(t, err)
	assert.Equal(t, state.Version(2), v2)

	// A writer holding the old version loses.
	_, err = s.Write(ctx, "k", &state.RunState{}, v1)
	assert.True(t, errors.Is(err, state.ErrVersionConflict))
}

func TestReadReturnsIsolatedCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	written := &state.RunState{Messages: []state.Message{{ID: "m1", Content: "original"}}}
	_, err := s.Write(ctx, "k", written, 0)
	require.NoError(t, err)

	// Mutating the caller's copy after the write changes nothing stored.
	written.Messages[0].Content = "mutated after write"

	got, _, err := s.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Messages[0].Content)

	// Mutating a read result does not leak into later reads.
	got.Messages[0].Content = "mutated after read"
	again, _, err := s.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Messages[0].Content)
}

func TestConcurrentWritersOneWins(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, err := s.Write(ctx, "k", state.NewRunState(), 0)
	require.NoError(t, err)

	_, ver, err := s.Read(ctx, "k")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Write(ctx, "k", &state.RunState{Iteration: i}, ver)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			assert.True(t, errors.Is(err, state.ErrVersionConflict))
		}
	}
	assert.Equal(t, 1, won, "exactly one writer with the same expected version succeeds")
}

func TestUpdateThroughMemoryStore(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	st, err := state.Update(ctx, s, "agent:workflow_state", state.Mutation{
		AppendMessages: []state.Message{{ID: "m1", Role: "user", Content: "start"}},
		SetStatus:      state.StatusRunning,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, st.Status)

	st, err = state.Update(ctx, s, "agent:workflow_state", state.Mutation{
		SetStatus: state.StatusCompleted,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.Len(t, st.Messages, 1, "earlier appends survive later updates")
}
