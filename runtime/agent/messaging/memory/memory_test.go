package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-dev/ratchet/runtime/agent/registry"
	regmemory "github.com/ratchet-dev/ratchet/runtime/agent/registry/memory"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

func newTestMessenger(t *testing.T) (*Messenger, registry.Registry) {
	t.Helper()
	reg := regmemory.New()
	m, err := New(Options{Registry: reg})
	require.NoError(t, err)
	return m, reg
}

func TestNewRequiresRegistry(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}

func TestSendDirectRoutesThroughRegistry(t *testing.T) {
	t.Parallel()

	m, reg := newTestMessenger(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, registry.Entry{Name: "critic", Topic: "inbox.critic"}))

	inbox := m.Subscribe("inbox.critic")
	require.NoError(t, m.SendDirect(ctx, "writer", "critic", state.Message{Content: "please review the draft"}))

	select {
	case got := <-inbox:
		assert.Equal(t, "user", got.Role)
		assert.Equal(t, "writer", got.Name)
		assert.Equal(t, "please review the draft", got.Content)
		assert.NotEmpty(t, got.ID)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestSendDirectUnknownTargetIsIgnored(t *testing.T) {
	t.Parallel()

	m, _ := newTestMessenger(t)
	err := m.SendDirect(context.Background(), "writer", "ghost", state.Message{Content: "anyone there?"})
	require.NoError(t, err, "a departed target never fails the sender")
}

func TestSendDirectTargetWithoutTopicIsIgnored(t *testing.T) {
	t.Parallel()

	m, reg := newTestMessenger(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, registry.Entry{Name: "mute"}))

	require.NoError(t, m.SendDirect(ctx, "writer", "mute", state.Message{Content: "hello"}))
}

type failingRegistry struct{}

func (failingRegistry) Register(context.Context, registry.Entry) error { return nil }
func (failingRegistry) Deregister(context.Context, string) error       { return nil }
func (failingRegistry) Lookup(context.Context, string) (registry.Entry, error) {
	return registry.Entry{}, errors.New("registry backend down")
}
func (failingRegistry) List(context.Context) ([]registry.Entry, error) { return nil, nil }

func TestSendDirectSurfacesRegistryFailures(t *testing.T) {
	t.Parallel()

	m, err := New(Options{Registry: failingRegistry{}})
	require.NoError(t, err)

	err = m.SendDirect(context.Background(), "writer", "critic", state.Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry backend down")
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	m, _ := newTestMessenger(t)
	a := m.Subscribe("team.research")
	b := m.Subscribe("team.research")
	other := m.Subscribe("team.ops")

	require.NoError(t, m.Broadcast(context.Background(), "lead", "team.research", state.Message{Content: "standup in 5"}))

	for _, ch := range []<-chan state.Message{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, "lead", got.Name)
			assert.Equal(t, "standup in 5", got.Content)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber missed the broadcast")
		}
	}
	select {
	case <-other:
		t.Fatal("broadcast leaked to an unrelated topic")
	default:
	}
}

func TestBroadcastRequiresTopic(t *testing.T) {
	t.Parallel()

	m, _ := newTestMessenger(t)
	require.Error(t, m.Broadcast(context.Background(), "lead", "", state.Message{}))
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	m, _ := newTestMessenger(t)
	ch := m.Subscribe("busy")

	for i := 0; i < topicBuffer+10; i++ {
		require.NoError(t, m.Broadcast(context.Background(), "lead", "busy", state.Message{Content: "tick"}))
	}
	assert.Len(t, ch, topicBuffer, "overflow is dropped, never blocks the publisher")
}
