// Package messaging defines asynchronous agent-to-agent delivery: direct
// messages routed through the agent registry and broadcasts to a shared team
// topic. Delivery is at-most-once from the sender's perspective; callers
// needing reliability re-trigger at a higher layer.
//
// A missing or incompletely registered target is not an error for the
// sender: SendDirect logs and returns nil so one departed agent never fails
// another agent's run. Publish failures on a resolved target are returned so
// the state machine can decide whether to retry or fail.
package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ratchet-dev/ratchet/runtime/agent/api"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

type (
	// Messenger delivers messages between agents.
	Messenger interface {
		// SendDirect delivers msg to the named target agent's registered
		// topic. Unknown targets are logged and ignored.
		SendDirect(ctx context.Context, source, target string, msg state.Message) error

		// Broadcast publishes msg to the shared team topic. Registered team
		// members are expected to be subscribed externally.
		Broadcast(ctx context.Context, source, topic string, msg state.Message) error
	}

	// EventSink receives run progress events from the publish activity.
	// Publishing is best-effort; implementations should be fast and must
	// never block a run for long.
	EventSink interface {
		PublishEvent(ctx context.Context, event api.RunEvent) error
	}

	// NoopSink discards all events.
	NoopSink struct{}
)

// PublishEvent discards the event.
func (NoopSink) PublishEvent(context.Context, api.RunEvent) error { return nil }

// Envelope normalizes msg for cross-agent delivery: role forced to "user",
// the source recorded in Name, and an ID and timestamp assigned when absent.
// The remaining fields pass through unchanged.
func Envelope(source string, msg state.Message) state.Message {
	msg.Role = "user"
	msg.Name = source
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}
