// Package memory provides an in-process messaging.Messenger for tests and
// single-process deployments. Topics are buffered channels; production
// deployments use features/messaging/pulse over Redis streams.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ratchet-dev/ratchet/runtime/agent/messaging"
	"github.com/ratchet-dev/ratchet/runtime/agent/registry"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
	"github.com/ratchet-dev/ratchet/runtime/agent/telemetry"
)

const topicBuffer = 64

type (
	// Messenger implements messaging.Messenger with in-process topics.
	Messenger struct {
		registry registry.Registry
		logger   telemetry.Logger

		mu     sync.Mutex
		topics map[string][]chan state.Message
	}

	// Options configures New.
	Options struct {
		// Registry resolves direct-message targets to topics. Required.
		Registry registry.Registry
		// Logger receives delivery diagnostics. Nil means no-op.
		Logger telemetry.Logger
	}
)

// New validates opts and constructs a Messenger.
func New(opts Options) (*Messenger, error) {
	if opts.Registry == nil {
		return nil, errors.New("messaging/memory: Options.Registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Messenger{
		registry: opts.Registry,
		logger:   opts.Logger,
		topics:   make(map[string][]chan state.Message),
	}, nil
}

// SendDirect resolves target through the registry and publishes the envelope
// to its topic. Unregistered targets and targets without a topic are logged
// and ignored.
func (m *Messenger) SendDirect(ctx context.Context, source, target string, msg state.Message) error {
	entry, err := m.registry.Lookup(ctx, target)
	if err != nil {
		if errors.Is(err, registry.ErrNotRegistered) {
			m.logger.Warn(ctx, "direct message target not registered", "source", source, "target", target)
			return nil
		}
		return fmt.Errorf("messaging/memory: lookup %q: %w", target, err)
	}
	if entry.Topic == "" {
		m.logger.Warn(ctx, "direct message target has no topic", "source", source, "target", target)
		return nil
	}
	m.publish(entry.Topic, messaging.Envelope(source, msg))
	return nil
}

// Broadcast publishes the envelope to the shared topic.
func (m *Messenger) Broadcast(_ context.Context, source, topic string, msg state.Message) error {
	if topic == "" {
		return errors.New("messaging/memory: broadcast: empty topic")
	}
	m.publish(topic, messaging.Envelope(source, msg))
	return nil
}

// Subscribe returns a channel receiving every message published to topic
// after the call. Not part of the Messenger interface; tests and the dev
// loop use it to observe deliveries.
func (m *Messenger) Subscribe(topic string) <-chan state.Message {
	ch := make(chan state.Message, topicBuffer)
	m.mu.Lock()
	m.topics[topic] = append(m.topics[topic], ch)
	m.mu.Unlock()
	return ch
}

// publish delivers to every subscriber, dropping when a subscriber's buffer
// is full. At-most-once semantics: no retry, no blocking.
func (m *Messenger) publish(topic string, msg state.Message) {
	m.mu.Lock()
	subs := append([]chan state.Message(nil), m.topics[topic]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
