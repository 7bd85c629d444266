package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/ratchet-dev/ratchet/features/messaging/pulse/clients/pulse"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

type (
	// Subscriber consumes topic streams and emits the messages agents
	// publish there. Services run one subscriber per consumed topic and feed
	// the channel into whatever triggers the next run.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}

	// SubscriberOptions configures NewSubscriber.
	SubscriberOptions struct {
		// Client is the Pulse client. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "ratchet_subscriber". Distinct names see every message; shared
		// names split the stream between consumers.
		SinkName string
		// Buffer is the message channel capacity. Defaults to 64.
		Buffer int
	}
)

// NewSubscriber validates opts and constructs a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("messaging/pulse: SubscriberOptions.Client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "ratchet_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe opens a consumer group on the topic's stream and returns channels
// for messages and errors. The returned cancel function stops consumption and
// closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	topic string,
	opts ...streamopts.Sink,
) (<-chan state.Message, <-chan error, context.CancelFunc, error) {
	if topic == "" {
		return nil, nil, nil, errors.New("messaging/pulse: subscribe: empty topic")
	}
	str, err := s.client.Stream(topicStreamPrefix + topic)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	msgs := make(chan state.Message, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, msgs, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return msgs, errs, cancelFunc, nil
}

// consume reads from the sink, decodes each entry into a state.Message and
// acks it after emission. Decode and ack failures end consumption with the
// error on errs.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- state.Message, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var msg state.Message
			if err := json.Unmarshal(evt.Payload, &msg); err != nil {
				errs <- fmt.Errorf("messaging/pulse: decode message: %w", err)
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("messaging/pulse: ack: %w", err)
				return
			}
		}
	}
}
