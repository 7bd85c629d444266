package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ratchet-dev/ratchet/runtime/agent/api"
	"github.com/ratchet-dev/ratchet/runtime/agent/guard"
	"github.com/ratchet-dev/ratchet/runtime/agent/model"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

// stateActivity applies one mutation through the optimistic-concurrency
// update loop. On the initial entry it first runs the agent's input guards
// against the appended messages; a guard abort persists the failed status and
// reports the reason instead of applying the requested mutation.
func (rt *Runtime) stateActivity(ctx context.Context, input *api.StateActivityInput) (*api.StateActivityOutput, error) {
	if input == nil {
		return nil, errors.New("runtime: state activity: nil input")
	}
	if input.Key == "" {
		return nil, errors.New("runtime: state activity: empty key")
	}

	if input.CheckGuards && input.AgentID != "" {
		if reason, err := rt.checkGuards(ctx, input.AgentID, input.Mutation.AppendMessages); err != nil {
			return nil, err
		} else if reason != "" {
			failed := state.Mutation{
				SetStatus:    state.StatusFailed,
				SetLastError: &reason,
			}
			st, err := state.Update(ctx, rt.store, input.Key, failed, input.Attempts)
			if err != nil {
				return nil, err
			}
			return &api.StateActivityOutput{State: st, GuardAbort: reason}, nil
		}
	}

	st, err := state.Update(ctx, rt.store, input.Key, input.Mutation, input.Attempts)
	if err != nil {
		return nil, err
	}
	return &api.StateActivityOutput{State: st}, nil
}

// checkGuards runs every guard against every appended message. An abort
// returns its reason; any other guard error is a configuration error.
func (rt *Runtime) checkGuards(ctx context.Context, agentID string, msgs []state.Message) (string, error) {
	a, err := rt.agent(agentID)
	if err != nil {
		return "", err
	}
	for _, g := range a.def.Guards {
		for _, msg := range msgs {
			if err := g.Check(ctx, msg); err != nil {
				if errors.Is(err, guard.ErrAbort) {
					rt.logger.Warn(ctx, "input guard aborted run", "agent", agentID, "reason", guard.Reason(err))
					return guard.Reason(err), nil
				}
				return "", fmt.Errorf("runtime: agent %q: guard: %w", agentID, err)
			}
		}
	}
	return "", nil
}

// modelActivity performs one completion: it resolves the active tool
// declarations from the agent's registry, translates the transcript and maps
// the provider response back into a transcript turn.
func (rt *Runtime) modelActivity(ctx context.Context, input *api.ModelActivityInput) (*api.ModelActivityOutput, error) {
	if input == nil {
		return nil, errors.New("runtime: model activity: nil input")
	}
	a, err := rt.agent(input.AgentID)
	if err != nil {
		return nil, err
	}
	client := rt.modelClientFor(a)
	if client == nil {
		return nil, fmt.Errorf("runtime: agent %q: no model client configured", input.AgentID)
	}

	req := &model.Request{
		Model:        input.Model,
		Messages:     toModelMessages(input.Messages),
		Tools:        a.registry.Definitions(input.ActiveTools),
		ToolChoice:   input.ToolChoice,
		MaxTokens:    input.MaxTokens,
		Temperature:  input.Temperature,
		Instructions: input.Instructions,
	}

	start := time.Now()
	resp, err := client.Complete(ctx, req)
	rt.metrics.RecordTimer("agent.model.duration", time.Since(start), "agent", input.AgentID)
	if err != nil {
		rt.metrics.IncCounter("agent.model.failures", 1, "agent", input.AgentID)
		return nil, fmt.Errorf("runtime: agent %q: model call (step %d): %w", input.AgentID, input.Step, err)
	}
	rt.metrics.IncCounter("agent.model.tokens", float64(resp.Usage.TotalTokens), "agent", input.AgentID)

	msg := state.Message{
		ID:        uuid.NewString(),
		Role:      "assistant",
		Content:   resp.Message.Content,
		ToolCalls: toStateToolCalls(resp.Message.ToolCalls),
		Timestamp: time.Now().UTC(),
	}
	return &api.ModelActivityOutput{
		Message:    msg,
		Usage:      resp.Usage,
		StopReason: resp.StopReason,
	}, nil
}

// toolActivity executes one tool call through the agent's executor. Failures
// are results, not errors; only an unknown agent errors the activity.
func (rt *Runtime) toolActivity(ctx context.Context, input *api.ToolActivityInput) (*api.ToolActivityOutput, error) {
	if input == nil {
		return nil, errors.New("runtime: tool activity: nil input")
	}
	a, err := rt.agent(input.AgentID)
	if err != nil {
		return nil, err
	}
	exec := a.executor.Execute(ctx, input.Call, input.MaxResultBytes)
	return &api.ToolActivityOutput{
		Record:          exec.Record,
		Message:         exec.Message,
		DeclarationOnly: exec.DeclarationOnly,
		Failed:          exec.Failed,
	}, nil
}

// publishActivity forwards one run event to the sink. Best-effort: failures
// are logged and swallowed so publishing can never fail a run.
func (rt *Runtime) publishActivity(ctx context.Context, input *api.PublishActivityInput) error {
	if input == nil {
		return nil
	}
	if err := rt.events.PublishEvent(ctx, input.Event); err != nil {
		rt.logger.Warn(ctx, "run event publish failed",
			"kind", input.Event.Kind, "agent", input.Event.AgentID, "err", err.Error())
	}
	return nil
}

// toModelMessages converts transcript turns to the provider-neutral shape.
func toModelMessages(msgs []state.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, model.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCalls:  toModelToolCalls(m.ToolCalls),
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func toModelToolCalls(calls []state.ToolCall) []model.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]model.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, model.ToolCall{
			ID:        c.ID,
			Name:      c.Name,
			Arguments: json.RawMessage(c.Arguments),
		})
	}
	return out
}

func toStateToolCalls(calls []model.ToolCall) []state.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]state.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, state.ToolCall{
			ID:        c.ID,
			Name:      c.Name,
			Arguments: string(c.Arguments),
		})
	}
	return out
}
