package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ratchet-dev/ratchet/runtime/agent/api"
	"github.com/ratchet-dev/ratchet/runtime/agent/engine"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

type (
	// Client is the caller-facing surface for starting and steering runs.
	// Obtain one from Runtime.Client. Safe for concurrent use.
	Client struct {
		rt *Runtime
	}

	// Run identifies a started workflow execution and exposes its handle.
	Run struct {
		// WorkflowID is the execution identifier; signals and status queries
		// key on it.
		WorkflowID string

		handle engine.WorkflowHandle
	}
)

// Client returns the run client for this runtime.
func (rt *Runtime) Client() *Client {
	return &Client{rt: rt}
}

// StartRun launches a run for input.AgentID. The workflow ID comes from
// input.WorkflowInstanceID when set, otherwise it derives from the agent name
// and a fresh UUID.
func (c *Client) StartRun(ctx context.Context, input *api.RunInput) (*Run, error) {
	if input == nil {
		return nil, errors.New("runtime: StartRun: nil input")
	}
	if _, err := c.rt.agent(input.AgentID); err != nil {
		return nil, err
	}

	workflowID := input.WorkflowInstanceID
	if workflowID == "" {
		workflowID = input.AgentID + "-" + uuid.NewString()
		input.WorkflowInstanceID = workflowID
	}

	handle, err := c.rt.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        workflowID,
		Workflow:  WorkflowName,
		TaskQueue: c.rt.taskQueue,
		Input:     input,
		Memo:      map[string]any{"agent_id": input.AgentID},
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: start run for agent %q: %w", input.AgentID, err)
	}
	c.rt.logger.Info(ctx, "run started", "agent", input.AgentID, "workflow_id", workflowID)
	c.rt.metrics.IncCounter("agent.runs.started", 1, "agent", input.AgentID)
	return &Run{WorkflowID: workflowID, handle: handle}, nil
}

// Wait blocks until the run completes and returns its output.
func (r *Run) Wait(ctx context.Context) (*api.RunOutput, error) {
	return r.handle.Wait(ctx)
}

// Run starts a run and blocks until it completes. Convenience for
// synchronous callers such as orchestration drivers.
func (c *Client) Run(ctx context.Context, input *api.RunInput) (*api.RunOutput, error) {
	r, err := c.StartRun(ctx, input)
	if err != nil {
		return nil, err
	}
	return r.Wait(ctx)
}

// ApproveTools resolves a run suspended in awaiting_tool_approval. Decisions
// map tool call IDs to approved; absent IDs stay rejected.
func (c *Client) ApproveTools(ctx context.Context, workflowID string, decision api.ApprovalDecision) error {
	return c.signal(ctx, workflowID, api.SignalToolApprovalDecision, decision)
}

// ProvideToolResults resolves a run suspended in awaiting_external_tool with
// results keyed by tool call ID.
func (c *Client) ProvideToolResults(ctx context.Context, workflowID string, results api.ToolResultsSet) error {
	return c.signal(ctx, workflowID, api.SignalExternalToolResults, results)
}

// CancelRun asks the run to stop between activities. Mid-flight model or tool
// calls finish; the loop is simply not re-entered.
func (c *Client) CancelRun(ctx context.Context, workflowID, reason string) error {
	return c.signal(ctx, workflowID, api.SignalCancelRun, api.CancelRequest{Reason: reason})
}

// RunStatus returns the engine-level lifecycle status of the run.
func (c *Client) RunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	return c.rt.engine.QueryRunStatus(ctx, workflowID)
}

// RunState reads the agent's persisted run state from the store. The key
// resolves through the agent's registered policy; pass a non-empty stateKey
// to read a run started with an explicit key override.
func (c *Client) RunState(ctx context.Context, agentID, stateKey string) (*state.RunState, error) {
	a, err := c.rt.agent(agentID)
	if err != nil {
		return nil, err
	}
	key := stateKeyFor(agentID, a.def.Policy, stateKey)
	st, _, err := c.rt.store.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("runtime: read state for agent %q: %w", agentID, err)
	}
	return st, nil
}

// signal delivers a named signal by workflow ID. Engines supporting
// out-of-process signaling (Temporal, inmem) implement engine.Signaler.
func (c *Client) signal(ctx context.Context, workflowID, name string, payload any) error {
	if workflowID == "" {
		return errors.New("runtime: workflow id is required")
	}
	sig, ok := c.rt.engine.(engine.Signaler)
	if !ok {
		return errors.New("runtime: engine does not support signaling by workflow id")
	}
	if err := sig.SignalByID(ctx, workflowID, "", name, payload); err != nil {
		return fmt.Errorf("runtime: signal %q to %q: %w", name, workflowID, err)
	}
	return nil
}
