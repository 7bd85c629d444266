package team

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ratchet-dev/ratchet/runtime/agent/api"
	"github.com/ratchet-dev/ratchet/runtime/agent/policy"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
	"github.com/ratchet-dev/ratchet/runtime/agent/tools"
)

// SelectNextAgentToolName is the single tool a decision run may call.
const SelectNextAgentToolName = "select_next_agent"

type (
	// AgentDecided delegates turn selection to a coordinating agent. Each
	// SelectNext call is a nested agent run whose tool set is constrained to
	// select_next_agent; the coordinator either names the next agent or
	// declares the conversation finished with a summary.
	AgentDecided struct {
		coordinator string
		runner      Runner
		states      StateReader
	}

	// AgentDecidedOptions configures NewAgentDecided.
	AgentDecidedOptions struct {
		// Coordinator is the registered name of the deciding agent. The agent
		// must carry the tool from SelectionTool and a policy that stops on
		// it (DecisionPolicy). Required.
		Coordinator string
		// Runner triggers the nested decision run. Required.
		Runner Runner
		// States reads the decision run's state to extract the tool call.
		// Required.
		States StateReader
	}

	// selectionArgs is the select_next_agent argument object.
	selectionArgs struct {
		Agent   string `json:"agent,omitempty"`
		Finish  bool   `json:"finish,omitempty"`
		Summary string `json:"summary,omitempty"`
	}
)

// NewAgentDecided validates opts and constructs the strategy.
func NewAgentDecided(opts AgentDecidedOptions) (*AgentDecided, error) {
	if opts.Coordinator == "" {
		return nil, errors.New("team: AgentDecidedOptions.Coordinator is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("team: AgentDecidedOptions.Runner is required")
	}
	if opts.States == nil {
		return nil, errors.New("team: AgentDecidedOptions.States is required")
	}
	return &AgentDecided{
		coordinator: opts.Coordinator,
		runner:      opts.Runner,
		states:      opts.States,
	}, nil
}

// SelectNext runs the coordinator with the shared transcript and the team
// roster, then extracts its select_next_agent decision from the run state.
func (a *AgentDecided) SelectNext(ctx context.Context, team []Member, history []state.Message, last string) (Selection, error) {
	if len(team) == 0 {
		return Selection{}, errors.New("team: agent decided: empty team")
	}

	// Each decision run writes under its own key so concurrent conversations
	// never collide on the coordinator's default state.
	stateKey := a.coordinator + ":decision:" + uuid.NewString()
	out, err := a.runner.Run(ctx, &api.RunInput{
		AgentID:  a.coordinator,
		Task:     decisionPrompt(team, last),
		Messages: history,
		StateKey: stateKey,
		Source:   "team",
	})
	if err != nil {
		return Selection{}, fmt.Errorf("team: decision run: %w", err)
	}
	if out.Status != state.StatusCompleted {
		return Selection{}, fmt.Errorf("team: decision run ended %s: %s", out.Status, out.Error)
	}

	st, err := a.states.RunState(ctx, a.coordinator, stateKey)
	if err != nil {
		return Selection{}, fmt.Errorf("team: read decision state: %w", err)
	}
	args, err := extractSelection(st)
	if err != nil {
		return Selection{}, err
	}

	if args.Finish {
		return Selection{Final: &FinalMessage{Summary: args.Summary}}, nil
	}
	for _, m := range team {
		if m.Name == args.Agent {
			return Selection{Next: args.Agent}, nil
		}
	}
	return Selection{}, fmt.Errorf("team: coordinator selected unknown agent %q", args.Agent)
}

// extractSelection finds the most recent select_next_agent call in the
// decision run's step history.
func extractSelection(st *state.RunState) (selectionArgs, error) {
	for i := len(st.Steps) - 1; i >= 0; i-- {
		for _, tc := range st.Steps[i].ToolCalls {
			if tc.Name != SelectNextAgentToolName {
				continue
			}
			var args selectionArgs
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				return selectionArgs{}, fmt.Errorf("team: malformed selection arguments: %w", err)
			}
			return args, nil
		}
	}
	return selectionArgs{}, errors.New("team: coordinator made no selection")
}

// decisionPrompt describes the roster and the required tool call.
func decisionPrompt(team []Member, last string) string {
	var b strings.Builder
	b.WriteString("Select the next agent to act in this conversation by calling the select_next_agent tool.\n")
	b.WriteString("Team members:\n")
	for _, m := range team {
		b.WriteString("- ")
		b.WriteString(m.Name)
		if m.Role != "" {
			b.WriteString(" (")
			b.WriteString(m.Role)
			b.WriteString(")")
		}
		if m.Goal != "" {
			b.WriteString(": ")
			b.WriteString(m.Goal)
		}
		b.WriteString("\n")
	}
	if last != "" {
		b.WriteString("Previous speaker: ")
		b.WriteString(last)
		b.WriteString("\n")
	}
	b.WriteString(`If the conversation has reached its goal, call the tool with {"finish": true, "summary": ...} instead.`)
	return b.String()
}

// SelectionTool builds the select_next_agent tool for the coordinator agent.
// The agent enum constrains the model to actual team members; Execute echoes
// the arguments so the transcript records the decision.
func SelectionTool(team []Member) tools.Tool {
	names := make([]string, len(team))
	for i, m := range team {
		names[i] = m.Name
	}
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent":   map[string]any{"type": "string", "enum": names},
			"finish":  map[string]any{"type": "boolean"},
			"summary": map[string]any{"type": "string"},
		},
	})
	return tools.Tool{
		Name:        SelectNextAgentToolName,
		Description: "Select the next team agent to act, or finish the conversation with a summary.",
		InputSchema: schema,
		Execute: func(_ context.Context, args json.RawMessage) (any, error) {
			return string(args), nil
		},
	}
}

// DecisionPolicy is the loop policy for coordinator decision runs: stop as
// soon as select_next_agent is called, with a small step bound as a backstop.
func DecisionPolicy() *policy.LoopPolicy {
	return &policy.LoopPolicy{
		DoneTool:       SelectNextAgentToolName,
		StopConditions: []policy.Condition{policy.StepCountIs(3)},
	}
}
