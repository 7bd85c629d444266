package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	clientspulse "github.com/ratchet-dev/ratchet/features/messaging/pulse/clients/pulse"
	"github.com/ratchet-dev/ratchet/runtime/agent/api"
)

type (
	// EventSink implements messaging.EventSink on Pulse streams. Each run
	// gets its own stream so observers can follow a single workflow without
	// filtering a firehose.
	EventSink struct {
		client clientspulse.Client
		stream func(api.RunEvent) (string, error)

		mu      sync.Mutex
		streams map[string]clientspulse.Stream
	}

	// EventSinkOptions configures NewEventSink.
	EventSinkOptions struct {
		// Client is the Pulse client. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// "run/<WorkflowID>".
		StreamID func(api.RunEvent) (string, error)
	}

	// eventEnvelope is the wire shape of one run event entry.
	eventEnvelope struct {
		Kind       string            `json:"kind"`
		AgentID    string            `json:"agent_id"`
		WorkflowID string            `json:"workflow_id"`
		Step       int               `json:"step,omitempty"`
		Detail     map[string]string `json:"detail,omitempty"`
		Timestamp  time.Time         `json:"timestamp"`
	}
)

// NewEventSink validates opts and constructs an EventSink.
func NewEventSink(opts EventSinkOptions) (*EventSink, error) {
	if opts.Client == nil {
		return nil, errors.New("messaging/pulse: EventSinkOptions.Client is required")
	}
	stream := opts.StreamID
	if stream == nil {
		stream = defaultEventStreamID
	}
	return &EventSink{
		client:  opts.Client,
		stream:  stream,
		streams: make(map[string]clientspulse.Stream),
	}, nil
}

// PublishEvent implements messaging.EventSink.
func (s *EventSink) PublishEvent(ctx context.Context, event api.RunEvent) error {
	streamID, err := s.stream(event)
	if err != nil {
		return err
	}
	str, err := s.handle(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(eventEnvelope{
		Kind:       event.Kind,
		AgentID:    event.AgentID,
		WorkflowID: event.WorkflowID,
		Step:       event.Step,
		Detail:     event.Detail,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("messaging/pulse: encode event: %w", err)
	}
	if _, err := str.Add(ctx, event.Kind, payload); err != nil {
		return fmt.Errorf("messaging/pulse: publish event: %w", err)
	}
	return nil
}

func (s *EventSink) handle(streamID string) (clientspulse.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if str, ok := s.streams[streamID]; ok {
		return str, nil
	}
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, fmt.Errorf("messaging/pulse: open event stream %q: %w", streamID, err)
	}
	s.streams[streamID] = str
	return str, nil
}

func defaultEventStreamID(event api.RunEvent) (string, error) {
	if event.WorkflowID == "" {
		return "", errors.New("messaging/pulse: run event missing workflow id")
	}
	return "run/" + event.WorkflowID, nil
}
