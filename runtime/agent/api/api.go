// Package api defines the wire types exchanged between callers, workflows and
// activities. Everything here crosses an engine boundary and must round-trip
// through JSON: workflow inputs, activity payloads, signals and the events
// published for run observers.
package api

import (
	"github.com/ratchet-dev/ratchet/runtime/agent/model"
	"github.com/ratchet-dev/ratchet/runtime/agent/policy"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

// Signal and query names consumed by a running agent workflow.
const (
	// SignalToolApprovalDecision delivers an ApprovalDecision to a run
	// suspended in awaiting_tool_approval.
	SignalToolApprovalDecision = "tool_approval_decision"

	// SignalExternalToolResults delivers a ToolResultsSet to a run suspended
	// in awaiting_external_tool.
	SignalExternalToolResults = "external_tool_results"

	// SignalCancelRun requests cooperative cancellation. The workflow checks
	// for it between activities; mid-flight calls are not interrupted.
	SignalCancelRun = "cancel_run"

	// QueryRunState is the workflow query handler returning the current
	// state.RunState snapshot.
	QueryRunState = "run_state"
)

// CompletionSignalName returns the deterministic signal name under which a
// child run reports completion to its parent workflow.
func CompletionSignalName(agentWorkflowID string) string {
	return "agent_completed_" + agentWorkflowID
}

type (
	// RunInput is the trigger payload that starts an agent run. External
	// callers and delegating agents both use this shape.
	RunInput struct {
		// AgentID names the registered agent to run.
		AgentID string `json:"agent_id"`
		// Task is the triggering user message. May be empty when Messages
		// seeds the transcript instead.
		Task string `json:"task,omitempty"`
		// WorkflowInstanceID pins the workflow ID. Empty means the runtime
		// derives one from the agent ID and a UUID.
		WorkflowInstanceID string `json:"workflow_instance_id,omitempty"`
		// MaxIterations overrides the runtime's hard iteration ceiling for
		// this run when positive.
		MaxIterations int `json:"max_iterations,omitempty"`
		// Source identifies the sending agent for delegated or routed runs.
		Source string `json:"source,omitempty"`
		// Parent identifies the calling workflow, when this run was started
		// by another run. Completion is signaled back to it.
		Parent *ParentRef `json:"parent,omitempty"`
		// Trace carries W3C trace context across the engine boundary.
		Trace TraceContext `json:"trace,omitempty"`
		// StateKey overrides the default {agentName}:workflow_state key.
		StateKey string `json:"state_key,omitempty"`
		// Messages seeds the transcript, e.g. with a team conversation so
		// far. Appended before Task.
		Messages []state.Message `json:"messages,omitempty"`
		// Policy is the loop policy governing this run. Serializable so it
		// travels inside the workflow input; nil falls back to the agent's
		// registered policy.
		Policy *policy.LoopPolicy `json:"policy,omitempty"`
	}

	// ParentRef identifies the workflow execution that started a child run.
	ParentRef struct {
		WorkflowID  string `json:"workflow_id"`
		ExecutionID string `json:"execution_id,omitempty"`
	}

	// TraceContext carries trace propagation fields through workflow inputs.
	TraceContext struct {
		TraceParent string `json:"traceparent,omitempty"`
		TraceState  string `json:"tracestate,omitempty"`
	}

	// RunOutput is the terminal result of an agent workflow.
	RunOutput struct {
		// Status is the final lifecycle state (completed or failed, or a
		// suspension status if the workflow timed out while suspended).
		Status state.Status `json:"status"`
		// FinalText is the last assistant text, the run's answer.
		FinalText string `json:"final_text,omitempty"`
		// Error is the terminal error string for failed runs.
		Error string `json:"error,omitempty"`
		// Usage is the accumulated token consumption.
		Usage model.TokenUsage `json:"usage"`
		// Iterations is the number of loop steps executed.
		Iterations int `json:"iterations"`
	}

	// CompletionSignal is raised on the parent workflow when a child run
	// finishes, under CompletionSignalName(AgentWorkflowID).
	CompletionSignal struct {
		AgentWorkflowID   string `json:"agent_workflow_id"`
		ParentExecutionID string `json:"parent_execution_id,omitempty"`
		Success           bool   `json:"success"`
		Result            string `json:"result,omitempty"`
		Error             string `json:"error,omitempty"`
	}

	// ApprovalDecision resolves a run suspended for tool approval. Decisions
	// are keyed by tool call ID; calls absent from the map remain rejected.
	ApprovalDecision struct {
		// Decisions maps tool call ID to approved (true) or rejected (false).
		Decisions map[string]bool `json:"decisions"`
		// Reason is surfaced in the rejection tool-result turns.
		Reason string `json:"reason,omitempty"`
	}

	// ToolResultsSet resolves a run suspended for external tool fulfillment.
	ToolResultsSet struct {
		// Results maps tool call ID to the externally produced result.
		Results map[string]string `json:"results"`
	}

	// CancelRequest asks a running workflow to stop between activities.
	CancelRequest struct {
		Reason string `json:"reason,omitempty"`
	}

	// StateActivityInput asks the state activity to apply a mutation through
	// the optimistic-concurrency update loop.
	StateActivityInput struct {
		// AgentID selects the agent whose guards apply when CheckGuards is set.
		AgentID string `json:"agent_id,omitempty"`
		// Key is the store key for this run's state.
		Key string `json:"key"`
		// Mutation is the change to apply via the reducer.
		Mutation state.Mutation `json:"mutation"`
		// Attempts bounds conflict retries; zero means the default.
		Attempts int `json:"attempts,omitempty"`
		// CheckGuards runs the agent's input guards against the appended
		// messages before applying the mutation. Set on the initial entry only.
		CheckGuards bool `json:"check_guards,omitempty"`
	}

	// StateActivityOutput returns the state as written.
	StateActivityOutput struct {
		State *state.RunState `json:"state"`
		// GuardAbort carries the abort reason when an input guard rejected the
		// turn. The run terminates as failed without calling the model; the
		// failed status is already persisted.
		GuardAbort string `json:"guard_abort,omitempty"`
	}

	// ModelActivityInput asks the model activity for one completion. Tool
	// names are resolved to declarations inside the activity so the payload
	// stays small and the workflow stays deterministic.
	ModelActivityInput struct {
		// AgentID selects the agent's tool registry inside the activity.
		AgentID string `json:"agent_id"`
		// Step is the 1-based loop iteration this call belongs to.
		Step int `json:"step"`
		// Model is the provider model identifier resolved by PrepareStep.
		Model string `json:"model,omitempty"`
		// Instructions is the effective system prompt.
		Instructions string `json:"instructions,omitempty"`
		// Messages is the transcript window to send, already trimmed.
		Messages []state.Message `json:"messages"`
		// ActiveTools names the tools offered this step; empty means all
		// registered tools.
		ActiveTools []string `json:"active_tools,omitempty"`
		// ToolChoice constrains tool selection for this step.
		ToolChoice string `json:"tool_choice,omitempty"`
		// MaxTokens caps the response length when positive.
		MaxTokens int `json:"max_tokens,omitempty"`
		// Temperature adjusts sampling when non-nil.
		Temperature *float64 `json:"temperature,omitempty"`
	}

	// ModelActivityOutput is the assistant turn produced by one model call.
	ModelActivityOutput struct {
		// Message is the assistant turn with its ID already assigned.
		Message state.Message `json:"message"`
		// Usage is the token consumption of this call.
		Usage model.TokenUsage `json:"usage"`
		// StopReason is the provider's stop reason.
		StopReason string `json:"stop_reason,omitempty"`
	}

	// ToolActivityInput asks the tool activity to execute one tool call.
	ToolActivityInput struct {
		// AgentID selects the agent's tool registry inside the activity.
		AgentID string `json:"agent_id"`
		// Call is the model-requested invocation.
		Call state.ToolCall `json:"call"`
		// MaxResultBytes truncates oversized results when positive.
		MaxResultBytes int `json:"max_result_bytes,omitempty"`
	}

	// ToolActivityOutput reports one tool invocation outcome.
	ToolActivityOutput struct {
		// Record is the audit entry. Zero-valued when DeclarationOnly.
		Record state.ToolExecutionRecord `json:"record"`
		// Message is the tool-role transcript turn answering the call.
		// Zero-valued when DeclarationOnly.
		Message state.Message `json:"message"`
		// DeclarationOnly reports that the tool has no local implementation
		// and must be fulfilled externally.
		DeclarationOnly bool `json:"declaration_only,omitempty"`
		// Failed reports that the tool errored; the failure is already
		// surfaced in Message content for the model to react to.
		Failed bool `json:"failed,omitempty"`
	}

	// PublishActivityInput carries one run progress event to the publish
	// activity. Publishing is best-effort and never fails the run.
	PublishActivityInput struct {
		Event RunEvent `json:"event"`
	}

	// RunEvent is a progress notification for run observers.
	RunEvent struct {
		// Kind is one of run_started, step_completed, tool_executed,
		// run_finished.
		Kind string `json:"kind"`
		// AgentID names the running agent.
		AgentID string `json:"agent_id"`
		// WorkflowID identifies the run.
		WorkflowID string `json:"workflow_id"`
		// Step is the loop iteration the event belongs to, when relevant.
		Step int `json:"step,omitempty"`
		// Detail carries event-specific fields (tool name, status, error).
		Detail map[string]string `json:"detail,omitempty"`
	}
)

// Run event kinds published through the publish activity.
const (
	EventRunStarted    = "run_started"
	EventStepCompleted = "step_completed"
	EventToolExecuted  = "tool_executed"
	EventRunFinished   = "run_finished"
)
