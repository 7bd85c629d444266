// Package pulse implements agent messaging over goa.design/pulse streams
// backed by Redis. Each topic maps to one Pulse stream; direct messages
// resolve the target's topic through the agent registry and broadcasts write
// to the shared team topic. Run progress events flow through a separate
// event sink (see sink.go) keyed by workflow ID.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	clientspulse "github.com/ratchet-dev/ratchet/features/messaging/pulse/clients/pulse"
	"github.com/ratchet-dev/ratchet/runtime/agent/messaging"
	"github.com/ratchet-dev/ratchet/runtime/agent/registry"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
	"github.com/ratchet-dev/ratchet/runtime/agent/telemetry"
)

// topicStreamPrefix namespaces agent message streams in Redis so they never
// collide with run event streams.
const topicStreamPrefix = "topic/"

type (
	// Messenger implements messaging.Messenger on Pulse streams.
	Messenger struct {
		client   clientspulse.Client
		registry registry.Registry
		logger   telemetry.Logger

		mu      sync.Mutex
		streams map[string]clientspulse.Stream
	}

	// MessengerOptions configures NewMessenger.
	MessengerOptions struct {
		// Client is the Pulse client. Required.
		Client clientspulse.Client
		// Registry resolves direct-message targets to topics. Required.
		Registry registry.Registry
		// Logger receives delivery diagnostics. Nil means no-op.
		Logger telemetry.Logger
	}
)

// NewMessenger validates opts and constructs a Messenger.
func NewMessenger(opts MessengerOptions) (*Messenger, error) {
	if opts.Client == nil {
		return nil, errors.New("messaging/pulse: MessengerOptions.Client is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("messaging/pulse: MessengerOptions.Registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Messenger{
		client:   opts.Client,
		registry: opts.Registry,
		logger:   opts.Logger,
		streams:  make(map[string]clientspulse.Stream),
	}, nil
}

// SendDirect resolves target through the registry and publishes the envelope
// to its topic stream. Unregistered targets and targets without a topic are
// logged and ignored so a departed agent never fails the sender's run.
func (m *Messenger) SendDirect(ctx context.Context, source, target string, msg state.Message) error {
	entry, err := m.registry.Lookup(ctx, target)
	if err != nil {
		if errors.Is(err, registry.ErrNotRegistered) {
			m.logger.Warn(ctx, "direct message target not registered", "source", source, "target", target)
			return nil
		}
		return fmt.Errorf("messaging/pulse: lookup %q: %w", target, err)
	}
	if entry.Topic == "" {
		m.logger.Warn(ctx, "direct message target has no topic", "source", source, "target", target)
		return nil
	}
	return m.publish(ctx, entry.Topic, messaging.Envelope(source, msg))
}

// Broadcast publishes the envelope to the shared topic stream.
func (m *Messenger) Broadcast(ctx context.Context, source, topic string, msg state.Message) error {
	if topic == "" {
		return errors.New("messaging/pulse: broadcast: empty topic")
	}
	return m.publish(ctx, topic, messaging.Envelope(source, msg))
}

// publish appends the message to the topic stream. The Redis stream entry is
// named "message" with a JSON state.Message payload.
func (m *Messenger) publish(ctx context.Context, topic string, msg state.Message) error {
	str, err := m.stream(topic)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messaging/pulse: encode message: %w", err)
	}
	if _, err := str.Add(ctx, "message", payload); err != nil {
		return fmt.Errorf("messaging/pulse: publish to %q: %w", topic, err)
	}
	m.logger.Debug(ctx, "message published", "topic", topic, "source", msg.Name)
	return nil
}

// stream returns the cached handle for topic, opening it on first use.
func (m *Messenger) stream(topic string) (clientspulse.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if str, ok := m.streams[topic]; ok {
		return str, nil
	}
	str, err := m.client.Stream(topicStreamPrefix + topic)
	if err != nil {
		return nil, fmt.Errorf("messaging/pulse: open stream for %q: %w", topic, err)
	}
	m.streams[topic] = str
	return str, nil
}
