package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mongoclient "github.com/ratchet-dev/ratchet/features/state/mongo/clients/mongo"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

// fakeClient implements mongoclient.Client in memory with the same
// version-guard semantics as the real driver wrapper.
type fakeClient struct {
	mu   sync.Mutex
	docs map[string]fakeDoc

	loadErr error
}

type fakeDoc struct {
	payload []byte
	version int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{docs: make(map[string]fakeDoc)}
}

func (c *fakeClient) Name() string               { return "state-mongo-fake" }
func (c *fakeClient) Ping(context.Context) error { return nil }

func (c *fakeClient) Load(_ context.Context, key string) ([]byte, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return nil, 0, c.loadErr
	}
	doc, ok := c.docs[key]
	if !ok {
		return nil, 0, mongoclient.ErrNoDocument
	}
	return doc.payload, doc.version, nil
}

func (c *fakeClient) Insert(_ context.Context, key string, payload []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[key]; ok {
		return 0, mongoclient.ErrStale
	}
	c.docs[key] = fakeDoc{payload: payload, version: 1}
	return 1, nil
}

func (c *fakeClient) Replace(_ context.Context, key string, payload []byte, expected int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[key]
	if !ok || doc.version != expected {
		return 0, mongoclient.ErrStale
	}
	c.docs[key] = fakeDoc{payload: payload, version: expected + 1}
	return expected + 1, nil
}

func newTestStore(t *testing.T) (*Store, *fakeClient) {
	t.Helper()
	fc := newFakeClient()
	s, err := New(Options{Client: fc})
	require.NoError(t, err)
	return s, fc
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}

func TestReadUnknownKey(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	_, _, err := s.Read(context.Background(), "run-1")
	assert.True(t, errors.Is(err, state.ErrNotFound))
}

func TestWriteCreateThenRead(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	st := state.NewRunState()
	st.Messages = append(st.Messages, state.Message{ID: "m-1", Role: "user", Content: "hi"})

	v, err := s.Write(ctx, "run-1", st, 0)
	require.NoError(t, err)
	assert.Equal(t, state.Version(1), v)

	got, gotV, err := s.Read(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, v, gotV)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].Content)
}

func TestWriteConflicts(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "run-1", state.NewRunState(), 0)
	require.NoError(t, err)

	_, err = s.Write(ctx, "run-1", state.NewRunState(), 0)
	assert.True(t, errors.Is(err, state.ErrVersionConflict), "creating an existing key is a conflict")

	_, err = s.Write(ctx, "run-1", state.NewRunState(), 7)
	assert.True(t, errors.Is(err, state.ErrVersionConflict), "a stale expected version is a conflict")

	v, err := s.Write(ctx, "run-1", state.NewRunState(), 1)
	require.NoError(t, err)
	assert.Equal(t, state.Version(2), v)
}

func TestReadSurfacesBackendFailures(t *testing.T) {
	t.Parallel()

	s, fc := newTestStore(t)
	fc.loadErr = errors.New("primary unavailable")

	_, _, err := s.Read(context.Background(), "run-1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, state.ErrNotFound))
	assert.Contains(t, err.Error(), "primary unavailable")
}

func TestUpdateThroughStore(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := state.Update(ctx, s, "run-1", state.Mutation{
			AppendMessages: []state.Message{{Role: "user", Content: "turn"}},
		}, 0)
		require.NoError(t, err)
	}

	got, v, err := s.Read(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, state.Version(3), v)
	assert.Len(t, got.Messages, 3)
}
