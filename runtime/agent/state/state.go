// Package state holds the durable unit of truth for an agent run and the
// pure reducer that advances it. All persistence goes through the Store
// contract with optimistic concurrency: reads return an opaque version token
// and writes require the expected token, failing with ErrVersionConflict when
// another writer got there first.
//
// State transitions are expressed as Mutation values applied by Apply. The
// reducer deduplicates appends by entity ID so re-applying the same mutation
// is a no-op, which is what makes activity retries and workflow replay safe.
package state

import (
	"time"

	"github.com/ratchet-dev/ratchet/runtime/agent/model"
)

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusIdle means the run has been created but not started.
	StatusIdle Status = "idle"
	// StatusRunning means the loop is actively executing.
	StatusRunning Status = "running"
	// StatusAwaitingToolApproval means the run is suspended until a human
	// approves or rejects the pending tool calls.
	StatusAwaitingToolApproval Status = "awaiting_tool_approval"
	// StatusAwaitingExternalTool means the run is suspended until results
	// for declaration-only tools arrive from an external fulfiller.
	StatusAwaitingExternalTool Status = "awaiting_external_tool"
	// StatusCompleted means the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the run terminated with an unrecoverable error.
	StatusFailed Status = "failed"
)

type (
	// Message is one turn in the conversation.
	Message struct {
		// ID uniquely identifies the message for append deduplication.
		ID string `json:"id"`
		// Role is one of "user", "assistant", "tool" or "system".
		Role string `json:"role"`
		// Content is the text content. Empty for tool-call-only assistant turns.
		Content string `json:"content,omitempty"`
		// Name records the source agent for routed messages and the tool
		// name for tool-result turns.
		Name string `json:"name,omitempty"`
		// ToolCalls are the calls requested by an assistant turn, in order.
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		// ToolCallID links a tool-role message to the assistant tool call it
		// answers. Always set on tool-role messages.
		ToolCallID string `json:"tool_call_id,omitempty"`
		// Timestamp is when the turn was recorded.
		Timestamp time.Time `json:"timestamp"`
		// Metadata carries routing or trace context attached by messaging.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// ToolCall is a model-requested tool invocation. Immutable once emitted.
	ToolCall struct {
		// ID is the call identifier assigned by the model provider.
		ID string `json:"id"`
		// Name is the tool name.
		Name string `json:"name"`
		// Arguments is the JSON-encoded argument object.
		Arguments string `json:"arguments"`
	}

	// ToolExecutionRecord is the append-only audit entry for one completed
	// tool invocation.
	ToolExecutionRecord struct {
		ID         string    `json:"id"`
		Timestamp  time.Time `json:"timestamp"`
		ToolCallID string    `json:"tool_call_id"`
		ToolName   string    `json:"tool_name"`
		ToolArgs   string    `json:"tool_args"`
		Result     string    `json:"result"`
	}

	// StepRecord is one completed loop iteration. The step history is the
	// authoritative input to the policy evaluator.
	StepRecord struct {
		// Step is the 1-based iteration number.
		Step int `json:"step"`
		// AssistantText is the text portion of the assistant turn.
		AssistantText string `json:"assistant_text,omitempty"`
		// ToolCalls are the calls the model requested this step, in order.
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		// Usage is the token consumption of this step's model call.
		Usage model.TokenUsage `json:"usage"`
	}

	// RunState is the durable state of one agent run. It is owned exclusively
	// by the run's workflow and persisted through the Store, keyed per agent.
	RunState struct {
		// Messages is the ordered conversation transcript.
		Messages []Message `json:"messages"`
		// Steps records each completed loop iteration.
		Steps []StepRecord `json:"steps"`
		// ToolExecutions is the append-only tool invocation audit trail.
		ToolExecutions []ToolExecutionRecord `json:"tool_executions,omitempty"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// Iteration counts started loop iterations.
		Iteration int `json:"iteration"`
		// Usage accumulates token consumption across all steps.
		Usage model.TokenUsage `json:"usage"`
		// LastError is the most recent terminal error, empty when none.
		LastError string `json:"last_error,omitempty"`
	}
)

// NewRunState returns an empty idle run state.
func NewRunState() *RunState {
	return &RunState{Status: StatusIdle}
}

// LastStep returns the most recent step record and true, or a zero record and
// false when no step has completed yet.
func (s *RunState) LastStep() (StepRecord, bool) {
	if len(s.Steps) == 0 {
		return StepRecord{}, false
	}
	return s.Steps[len(s.Steps)-1], true
}

// LastAssistantText returns the text of the most recent assistant turn, or
// empty when none exists.
func (s *RunState) LastAssistantText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "assistant" {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Clone returns a deep copy of the run state. Slices and maps are copied so
// mutations of the clone never alias the original.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = cloneMessages(s.Messages)
	out.Steps = make([]StepRecord, len(s.Steps))
	for i, st := range s.Steps {
		out.Steps[i] = st
		out.Steps[i].ToolCalls = append([]ToolCall(nil), st.ToolCalls...)
	}
	out.ToolExecutions = append([]ToolExecutionRecord(nil), s.ToolExecutions...)
	return &out
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		out[i].ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		if m.Metadata != nil {
			md := make(map[string]string, len(m.Metadata))
			for k, v := range m.Metadata {
				md[k] = v
			}
			out[i].Metadata = md
		}
	}
	return out
}
