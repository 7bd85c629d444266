// Package team implements multi-agent orchestration: strategies that pick
// which agent acts next and a Conversation driver that runs the turn-taking
// loop over a shared transcript.
//
// Strategies are polymorphic over one capability, SelectNext. RoundRobin and
// Random are local algorithms; AgentDecided delegates the choice to a
// coordinating agent's own model-driven judgment through a nested run.
package team

import (
	"context"

	"github.com/ratchet-dev/ratchet/runtime/agent/api"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

type (
	// Member is one agent participating in a team.
	Member struct {
		// Name is the registered agent name.
		Name string
		// Role and Goal are surfaced to coordinating agents when a strategy
		// builds its decision prompt.
		Role string
		Goal string
	}

	// Selection is one strategy decision: either the next agent to act or a
	// terminal conversation-finished signal.
	Selection struct {
		// Next names the agent that acts next. Empty when Final is set.
		Next string
		// Final, when non-nil, ends the conversation. Distinct from any
		// individual agent's stop verdict.
		Final *FinalMessage
	}

	// FinalMessage closes a conversation.
	FinalMessage struct {
		// Summary is the coordinator's closing statement, when one exists.
		Summary string
	}

	// Strategy picks the next acting agent given the team, the shared
	// transcript and the previous speaker (empty on the first turn).
	Strategy interface {
		SelectNext(ctx context.Context, team []Member, history []state.Message, last string) (Selection, error)
	}

	// Runner triggers one agent run to completion. runtime.Client satisfies
	// this through its Run method.
	Runner interface {
		Run(ctx context.Context, input *api.RunInput) (*api.RunOutput, error)
	}

	// StateReader reads an agent's persisted run state. AgentDecided uses it
	// to extract the coordinator's tool-call decision after a nested run.
	StateReader interface {
		RunState(ctx context.Context, agentID, stateKey string) (*state.RunState, error)
	}
)
