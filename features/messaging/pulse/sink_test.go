package pulse

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-dev/ratchet/runtime/agent/api"
)

func TestNewEventSinkRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewEventSink(EventSinkOptions{})
	require.Error(t, err)
}

func TestPublishEventWritesRunStream(t *testing.T) {
	t.Parallel()

	client := newFakePulseClient()
	sink, err := NewEventSink(EventSinkOptions{Client: client})
	require.NoError(t, err)

	require.NoError(t, sink.PublishEvent(context.Background(), api.RunEvent{
		Kind:       "step_completed",
		AgentID:    "researcher",
		WorkflowID: "wf-1",
		Step:       2,
		Detail:     map[string]string{"tool_calls": "1"},
	}))

	str := client.stream("run/wf-1")
	require.NotNil(t, str, "each run gets its own stream")
	entries := str.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "step_completed", entries[0].event)

	var env eventEnvelope
	require.NoError(t, json.Unmarshal(entries[0].payload, &env))
	assert.Equal(t, "step_completed", env.Kind)
	assert.Equal(t, "researcher", env.AgentID)
	assert.Equal(t, "wf-1", env.WorkflowID)
	assert.Equal(t, 2, env.Step)
	assert.Equal(t, "1", env.Detail["tool_calls"])
	assert.False(t, env.Timestamp.IsZero())
}

func TestPublishEventMissingWorkflowID(t *testing.T) {
	t.Parallel()

	sink, err := NewEventSink(EventSinkOptions{Client: newFakePulseClient()})
	require.NoError(t, err)

	require.Error(t, sink.PublishEvent(context.Background(), api.RunEvent{Kind: "run_started"}))
}

func TestPublishEventCustomStreamID(t *testing.T) {
	t.Parallel()

	client := newFakePulseClient()
	sink, err := NewEventSink(EventSinkOptions{
		Client: client,
		StreamID: func(event api.RunEvent) (string, error) {
			return "agent/" + event.AgentID, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, sink.PublishEvent(context.Background(), api.RunEvent{Kind: "run_started", AgentID: "researcher"}))
	assert.NotNil(t, client.stream("agent/researcher"))
}

func TestPublishEventReusesStreamHandle(t *testing.T) {
	t.Parallel()

	client := newFakePulseClient()
	sink, err := NewEventSink(EventSinkOptions{Client: client})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, sink.PublishEvent(context.Background(), api.RunEvent{
			Kind: "step_completed", WorkflowID: "wf-1", Step: i,
		}))
	}
	assert.Equal(t, 1, client.opened)
	assert.Len(t, client.stream("run/wf-1").all(), 3)
}
