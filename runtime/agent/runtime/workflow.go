package runtime

import (
	"context"
	"fmt"

	"github.com/ratchet-dev/ratchet/runtime/agent/api"
	"github.com/ratchet-dev/ratchet/runtime/agent/engine"
	"github.com/ratchet-dev/ratchet/runtime/agent/policy"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

// runLoop is the per-execution state of the agent workflow handler. It lives
// entirely on the deterministic workflow thread; every side effect goes
// through an activity.
type runLoop struct {
	rt    *Runtime
	wf    engine.WorkflowContext
	input *api.RunInput
	agent *agentEntry
	eval  *policy.Evaluator
	key   string

	approvals engine.Receiver[api.ApprovalDecision]
	externals engine.Receiver[api.ToolResultsSet]
	cancels   engine.Receiver[api.CancelRequest]

	// snapshot is the latest persisted state, refreshed after every state
	// activity and served through the run_state query handler.
	snapshot *state.RunState
}

// runWorkflow is the agent workflow: record the trigger, then loop
// model call -> tool execution -> persist -> stop evaluation until a stop
// condition matches, a suspension resolves into a stop, the iteration ceiling
// is reached, or the run is canceled.
func (rt *Runtime) runWorkflow(wf engine.WorkflowContext, input *api.RunInput) (*api.RunOutput, error) {
	if input == nil {
		return nil, fmt.Errorf("runtime: workflow: nil input")
	}
	l := &runLoop{
		rt:        rt,
		wf:        wf,
		input:     input,
		approvals: wf.ApprovalDecisions(),
		externals: wf.ExternalToolResults(),
		cancels:   wf.CancelRequests(),
	}

	a, err := rt.agent(input.AgentID)
	if err != nil {
		return l.finalize(state.StatusFailed, err.Error())
	}
	l.agent = a

	pol := input.Policy
	if pol == nil {
		pol = a.def.Policy
	}
	eval, err := policy.NewEvaluator(pol, policy.WithPredicateEvaluator(rt.predicates))
	if err != nil {
		return l.finalize(state.StatusFailed, err.Error())
	}
	l.eval = eval
	l.key = stateKeyFor(input.AgentID, pol, input.StateKey)

	if err := wf.SetQueryHandler(api.QueryRunState, func() (*state.RunState, error) {
		return l.snapshot, nil
	}); err != nil {
		return l.finalize(state.StatusFailed, fmt.Sprintf("register query handler: %v", err))
	}

	return l.execute()
}

func (l *runLoop) execute() (*api.RunOutput, error) {
	ctx := l.wf.Context()

	if out, done, err := l.recordInitialEntry(ctx); done {
		return out, err
	}
	l.publish(ctx, api.EventRunStarted, 0, nil)

	ceiling := l.rt.maxIterations
	if l.input.MaxIterations > 0 {
		ceiling = l.input.MaxIterations
	}

	for {
		if req, ok := l.cancels.ReceiveAsync(); ok {
			return l.finalize(state.StatusFailed, cancelError(req))
		}

		step := l.snapshot.Iteration + 1
		if step > ceiling {
			// Hard ceiling independent of policy. The run ends cleanly with
			// whatever answer the transcript holds.
			l.rt.logger.Warn(ctx, "iteration ceiling reached",
				"agent", l.input.AgentID, "workflow_id", l.wf.WorkflowID(), "ceiling", ceiling)
			return l.finalize(state.StatusCompleted, "")
		}

		prepared, err := l.eval.PrepareStep(ctx, step, l.snapshot.Steps, l.snapshot.Usage)
		if err != nil {
			return l.finalize(state.StatusFailed, err.Error())
		}

		rec, err := l.callModel(ctx, step, prepared)
		if err != nil {
			return l.finalize(state.StatusFailed, err.Error())
		}

		if len(rec.ToolCalls) > 0 {
			if err := l.runTools(ctx, step, rec.ToolCalls, prepared); err != nil {
				return l.finalize(state.StatusFailed, err.Error())
			}
		}

		l.publish(ctx, api.EventStepCompleted, step, map[string]string{
			"tool_calls": fmt.Sprintf("%d", len(rec.ToolCalls)),
		})

		verdict := l.eval.ShouldStop(ctx, l.snapshot.Steps, l.snapshot.Usage)
		for _, f := range verdict.Faults {
			l.rt.logger.Warn(ctx, "stop condition fault",
				"agent", l.input.AgentID, "kind", string(f.Kind), "expr", f.Expr, "err", f.Err)
		}
		if verdict.Stop {
			// Suspension outcomes are resolved inline by runTools; a stop
			// verdict surviving to this point finalizes the run.
			return l.finalize(state.StatusCompleted, "")
		}
	}
}

// recordInitialEntry persists the trigger messages and flips the run to
// running, screening the input through the agent's guards. done reports that
// the run already terminated (guard abort or persistence failure).
func (l *runLoop) recordInitialEntry(ctx context.Context) (*api.RunOutput, bool, error) {
	msgs := make([]state.Message, 0, len(l.input.Messages)+1)
	for i, m := range l.input.Messages {
		if m.ID == "" {
			m.ID = fmt.Sprintf("%s-seed-%d", l.wf.WorkflowID(), i)
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = l.wf.Now()
		}
		msgs = append(msgs, m)
	}
	if l.input.Task != "" {
		msgs = append(msgs, state.Message{
			ID:        l.wf.WorkflowID() + "-task",
			Role:      "user",
			Content:   l.input.Task,
			Name:      l.input.Source,
			Timestamp: l.wf.Now(),
		})
	}

	out, err := l.wf.ExecuteStateActivity(ctx, engine.StateActivityCall{
		Name: StateActivityName,
		Input: &api.StateActivityInput{
			AgentID:     l.input.AgentID,
			Key:         l.key,
			Mutation:    state.Mutation{AppendMessages: msgs, SetStatus: state.StatusRunning},
			CheckGuards: true,
		},
	})
	if err != nil {
		res, ferr := l.finalize(state.StatusFailed, fmt.Sprintf("record input: %v", err))
		return res, true, ferr
	}
	l.snapshot = out.State
	if out.GuardAbort != "" {
		res, ferr := l.finalizeAborted(ctx, out.GuardAbort)
		return res, true, ferr
	}
	return nil, false, nil
}

// callModel executes the model activity for step and persists the assistant
// turn, the step record, the usage delta and the iteration bump in one
// mutation so replays stay idempotent.
func (l *runLoop) callModel(ctx context.Context, step int, prepared policy.PreparedStep) (state.StepRecord, error) {
	modelID := prepared.Model
	if modelID == "" {
		modelID = l.agent.def.Model
	}
	instructions := l.agent.def.Instructions
	if prepared.Instructions != "" {
		if instructions != "" {
			instructions += "\n\n"
		}
		instructions += prepared.Instructions
	}

	out, err := l.wf.ExecuteModelActivity(ctx, engine.ModelActivityCall{
		Name: ModelActivityName,
		Input: &api.ModelActivityInput{
			AgentID:      l.input.AgentID,
			Step:         step,
			Model:        modelID,
			Instructions: instructions,
			Messages:     trimWindow(l.snapshot.Messages, prepared.MaxMessages),
			ActiveTools:  prepared.ActiveTools,
			ToolChoice:   prepared.ToolChoice,
			MaxTokens:    prepared.MaxTokens,
			Temperature:  prepared.Temperature,
		},
	})
	if err != nil {
		return state.StepRecord{}, fmt.Errorf("model call failed at step %d: %w", step, err)
	}

	rec := state.StepRecord{
		Step:          step,
		AssistantText: out.Message.Content,
		ToolCalls:     out.Message.ToolCalls,
		Usage:         out.Usage,
	}
	if err := l.persist(ctx, state.Mutation{
		AppendMessages: []state.Message{out.Message},
		AppendSteps:    []state.StepRecord{rec},
		AddUsage: &state.StepUsage{
			Step:         step,
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
			TotalTokens:  out.Usage.TotalTokens,
		},
		BumpIteration: true,
		IterationStep: step,
	}); err != nil {
		return state.StepRecord{}, err
	}
	return rec, nil
}

// runTools resolves one step's tool calls: approval-required calls suspend
// the run before anything executes, executable calls run concurrently as
// activity futures, declaration-only calls suspend for external fulfillment.
// Results persist in the original call order.
func (l *runLoop) runTools(ctx context.Context, step int, calls []state.ToolCall, prepared policy.PreparedStep) error {
	approval := make(map[string]struct{}, len(l.eval.Policy().ApprovalRequiredTools))
	for _, name := range l.eval.Policy().ApprovalRequiredTools {
		approval[name] = struct{}{}
	}

	var needApproval, executable []state.ToolCall
	for _, c := range calls {
		if _, ok := approval[c.Name]; ok {
			needApproval = append(needApproval, c)
		} else {
			executable = append(executable, c)
		}
	}

	// results maps tool call ID to its transcript turn; the final mutation
	// appends them in call order.
	results := make(map[string]state.Message, len(calls))
	var records []state.ToolExecutionRecord

	if len(needApproval) > 0 {
		if err := l.persist(ctx, state.Mutation{SetStatus: state.StatusAwaitingToolApproval}); err != nil {
			return err
		}
		decision, err := l.approvals.Receive(ctx)
		if err != nil {
			return fmt.Errorf("awaiting tool approval: %w", err)
		}
		for _, c := range needApproval {
			if decision.Decisions[c.ID] {
				executable = append(executable, c)
				continue
			}
			results[c.ID] = rejectionMessage(c, decision.Reason, l.wf)
		}
	}

	futures := make([]engine.Future[*api.ToolActivityOutput], len(executable))
	for i, c := range executable {
		fut, err := l.wf.ExecuteToolActivityAsync(ctx, engine.ToolActivityCall{
			Name: ToolActivityName,
			Input: &api.ToolActivityInput{
				AgentID:        l.input.AgentID,
				Call:           c,
				MaxResultBytes: prepared.MaxToolResultBytes,
			},
		})
		if err != nil {
			return fmt.Errorf("dispatch tool %q: %w", c.Name, err)
		}
		futures[i] = fut
	}

	var external []state.ToolCall
	for i, fut := range futures {
		c := executable[i]
		out, err := fut.Get(ctx)
		if err != nil {
			// The executor converts tool errors to results; an activity error
			// here is infrastructure-level. Surface it as a failed result so
			// the model can react rather than killing the run.
			results[c.ID] = failureMessage(c, err, l.wf)
			continue
		}
		if out.DeclarationOnly {
			external = append(external, c)
			continue
		}
		records = append(records, out.Record)
		results[c.ID] = out.Message
		l.publish(ctx, api.EventToolExecuted, step, map[string]string{
			"tool":   c.Name,
			"failed": fmt.Sprintf("%t", out.Failed),
		})
	}

	if len(external) > 0 {
		if err := l.persist(ctx, state.Mutation{SetStatus: state.StatusAwaitingExternalTool}); err != nil {
			return err
		}
		set, err := l.externals.Receive(ctx)
		if err != nil {
			return fmt.Errorf("awaiting external tool results: %w", err)
		}
		for _, c := range external {
			content, ok := set.Results[c.ID]
			if !ok {
				content = "no result provided"
			}
			results[c.ID] = externalResultMessage(c, content, l.wf)
		}
	}

	ordered := make([]state.Message, 0, len(results))
	for _, c := range calls {
		if msg, ok := results[c.ID]; ok {
			ordered = append(ordered, msg)
		}
	}
	return l.persist(ctx, state.Mutation{
		AppendMessages:       ordered,
		AppendToolExecutions: records,
		SetStatus:            state.StatusRunning,
	})
}

// persist applies one mutation through the state activity and refreshes the
// snapshot.
func (l *runLoop) persist(ctx context.Context, m state.Mutation) error {
	out, err := l.wf.ExecuteStateActivity(ctx, engine.StateActivityCall{
		Name: StateActivityName,
		Input: &api.StateActivityInput{
			AgentID:  l.input.AgentID,
			Key:      l.key,
			Mutation: m,
		},
	})
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	l.snapshot = out.State
	return nil
}

// finalize persists the terminal status, publishes the run_finished event,
// signals the parent workflow when one exists and builds the run output.
func (l *runLoop) finalize(status state.Status, runErr string) (*api.RunOutput, error) {
	ctx := l.wf.Context()

	// Runs that failed before resolving a state key have nothing to persist.
	if l.key != "" {
		mut := state.Mutation{SetStatus: status}
		if runErr != "" {
			mut.SetLastError = &runErr
		}
		if err := l.persist(ctx, mut); err != nil {
			l.rt.logger.Error(ctx, "final state persist failed",
				"agent", l.input.AgentID, "workflow_id", l.wf.WorkflowID(), "err", err.Error())
		}
	}

	out := &api.RunOutput{Status: status, Error: runErr}
	if l.snapshot != nil {
		out.FinalText = l.snapshot.LastAssistantText()
		out.Usage = l.snapshot.Usage
		out.Iterations = l.snapshot.Iteration
	}

	l.publish(ctx, api.EventRunFinished, out.Iterations, map[string]string{
		"status": string(status),
		"error":  runErr,
	})
	l.signalParent(ctx, out)
	return out, nil
}

// finalizeAborted terminates a guard-rejected run. The failed status was
// already persisted by the state activity.
func (l *runLoop) finalizeAborted(ctx context.Context, reason string) (*api.RunOutput, error) {
	out := &api.RunOutput{Status: state.StatusFailed, Error: reason}
	if l.snapshot != nil {
		out.Usage = l.snapshot.Usage
		out.Iterations = l.snapshot.Iteration
	}
	l.publish(ctx, api.EventRunFinished, out.Iterations, map[string]string{
		"status": string(state.StatusFailed),
		"error":  reason,
	})
	l.signalParent(ctx, out)
	return out, nil
}

func (l *runLoop) signalParent(ctx context.Context, out *api.RunOutput) {
	parent := l.input.Parent
	if parent == nil || parent.WorkflowID == "" {
		return
	}
	sig := api.CompletionSignal{
		AgentWorkflowID:   l.wf.WorkflowID(),
		ParentExecutionID: parent.ExecutionID,
		Success:           out.Status == state.StatusCompleted,
		Result:            out.FinalText,
		Error:             out.Error,
	}
	name := api.CompletionSignalName(l.wf.WorkflowID())
	if err := l.wf.SignalExternal(ctx, parent.WorkflowID, "", name, sig); err != nil {
		l.rt.logger.Warn(ctx, "completion signal delivery failed",
			"agent", l.input.AgentID, "parent", parent.WorkflowID, "err", err.Error())
	}
}

// publish emits a run event through the publish activity. Best-effort.
func (l *runLoop) publish(ctx context.Context, kind string, step int, detail map[string]string) {
	err := l.wf.PublishEvent(ctx, engine.PublishActivityCall{
		Name: PublishActivityName,
		Input: &api.PublishActivityInput{Event: api.RunEvent{
			Kind:       kind,
			AgentID:    l.input.AgentID,
			WorkflowID: l.wf.WorkflowID(),
			Step:       step,
			Detail:     detail,
		}},
	})
	if err != nil {
		l.rt.logger.Debug(ctx, "run event publish failed", "kind", kind, "err", err.Error())
	}
}

// trimWindow returns the last max messages, or all of them when max is zero.
func trimWindow(msgs []state.Message, max int) []state.Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	return msgs[len(msgs)-max:]
}

func cancelError(req api.CancelRequest) string {
	if req.Reason == "" {
		return "run canceled"
	}
	return "run canceled: " + req.Reason
}

// rejectionMessage is the tool-result turn for a human-rejected call. IDs
// derive from the call ID so replays append exactly once.
func rejectionMessage(c state.ToolCall, reason string, wf engine.WorkflowContext) state.Message {
	content := "tool call rejected"
	if reason != "" {
		content += ": " + reason
	}
	return state.Message{
		ID:         c.ID + "-rejected",
		Role:       "tool",
		Content:    content,
		Name:       c.Name,
		ToolCallID: c.ID,
		Timestamp:  wf.Now(),
	}
}

// externalResultMessage is the tool-result turn for an externally fulfilled
// declaration-only call.
func externalResultMessage(c state.ToolCall, content string, wf engine.WorkflowContext) state.Message {
	return state.Message{
		ID:         c.ID + "-external",
		Role:       "tool",
		Content:    content,
		Name:       c.Name,
		ToolCallID: c.ID,
		Timestamp:  wf.Now(),
	}
}

// failureMessage is the tool-result turn for an activity-level dispatch
// failure.
func failureMessage(c state.ToolCall, err error, wf engine.WorkflowContext) state.Message {
	return state.Message{
		ID:         c.ID + "-failed",
		Role:       "tool",
		Content:    fmt.Sprintf(`{"name":%q,"message":%q}`, c.Name, err.Error()),
		Name:       c.Name,
		ToolCallID: c.ID,
		Timestamp:  wf.Now(),
	}
}
