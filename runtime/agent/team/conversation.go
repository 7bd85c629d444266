package team

import (
	"context"
	"errors"
	"fmt"

	"github.com/ratchet-dev/ratchet/runtime/agent/api"
	"github.com/ratchet-dev/ratchet/runtime/agent/messaging"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
	"github.com/ratchet-dev/ratchet/runtime/agent/telemetry"
)

// DefaultMaxTurns bounds a conversation when no limit is configured.
const DefaultMaxTurns = 20

type (
	// Conversation drives team turn-taking: select the next agent, run it
	// with the transcript so far, append its reply, broadcast the turn, and
	// repeat until the strategy yields a final message or the turn limit is
	// reached.
	Conversation struct {
		members   []Member
		strategy  Strategy
		runner    Runner
		messenger messaging.Messenger
		topic     string
		maxTurns  int
		logger    telemetry.Logger
	}

	// ConversationOptions configures NewConversation.
	ConversationOptions struct {
		// Members is the team roster in registration order. Required.
		Members []Member
		// Strategy selects the speaker each turn. Required.
		Strategy Strategy
		// Runner triggers agent runs. Required.
		Runner Runner
		// Messenger broadcasts each turn to Topic. Nil disables broadcasts.
		Messenger messaging.Messenger
		// Topic is the shared team topic for broadcasts.
		Topic string
		// MaxTurns bounds the conversation. Zero means DefaultMaxTurns.
		MaxTurns int
		// Logger receives turn diagnostics. Nil means no-op.
		Logger telemetry.Logger
	}

	// Result is the outcome of one conversation.
	Result struct {
		// Transcript is the full shared transcript including the opening
		// message and every agent turn.
		Transcript []state.Message
		// Final is set when the strategy closed the conversation; nil when
		// the turn limit ended it instead.
		Final *FinalMessage
		// Turns is the number of agent turns taken.
		Turns int
	}
)

// NewConversation validates opts and constructs a Conversation.
func NewConversation(opts ConversationOptions) (*Conversation, error) {
	if len(opts.Members) == 0 {
		return nil, errors.New("team: ConversationOptions.Members is required")
	}
	if opts.Strategy == nil {
		return nil, errors.New("team: ConversationOptions.Strategy is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("team: ConversationOptions.Runner is required")
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Conversation{
		members:   opts.Members,
		strategy:  opts.Strategy,
		runner:    opts.Runner,
		messenger: opts.Messenger,
		topic:     opts.Topic,
		maxTurns:  opts.MaxTurns,
		logger:    opts.Logger,
	}, nil
}

// Run executes the conversation starting from the opening message.
func (c *Conversation) Run(ctx context.Context, opening state.Message) (*Result, error) {
	transcript := []state.Message{messaging.Envelope("user", opening)}
	last := ""

	for turn := 1; turn <= c.maxTurns; turn++ {
		sel, err := c.strategy.SelectNext(ctx, c.members, transcript, last)
		if err != nil {
			return nil, fmt.Errorf("team: turn %d: select next: %w", turn, err)
		}
		if sel.Final != nil {
			c.logger.Info(ctx, "conversation finished", "turns", turn-1, "summary", sel.Final.Summary)
			return &Result{Transcript: transcript, Final: sel.Final, Turns: turn - 1}, nil
		}

		out, err := c.runner.Run(ctx, &api.RunInput{
			AgentID:  sel.Next,
			Messages: transcript,
			Source:   last,
		})
		if err != nil {
			return nil, fmt.Errorf("team: turn %d: run agent %q: %w", turn, sel.Next, err)
		}
		if out.Status != state.StatusCompleted {
			return nil, fmt.Errorf("team: turn %d: agent %q ended %s: %s", turn, sel.Next, out.Status, out.Error)
		}

		reply := messaging.Envelope(sel.Next, state.Message{Content: out.FinalText})
		transcript = append(transcript, reply)
		c.logger.Debug(ctx, "conversation turn", "turn", turn, "agent", sel.Next)

		if c.messenger != nil && c.topic != "" {
			if err := c.messenger.Broadcast(ctx, sel.Next, c.topic, reply); err != nil {
				return nil, fmt.Errorf("team: turn %d: broadcast: %w", turn, err)
			}
		}
		last = sel.Next
	}

	c.logger.Warn(ctx, "conversation turn limit reached", "max_turns", c.maxTurns)
	return &Result{Transcript: transcript, Turns: c.maxTurns}, nil
}
