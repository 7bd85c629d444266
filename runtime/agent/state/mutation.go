package state

// Mutation is a serializable description of a state change. Mutations travel
// through activity inputs, so they must round-trip through JSON without loss.
// Zero-valued fields mean "no change" for that aspect.
type Mutation struct {
	// AppendMessages appends conversation turns, deduplicated by Message.ID.
	AppendMessages []Message `json:"append_messages,omitempty"`
	// AppendSteps appends step records, deduplicated by Step number.
	AppendSteps []StepRecord `json:"append_steps,omitempty"`
	// AppendToolExecutions appends audit records, deduplicated by record ID.
	AppendToolExecutions []ToolExecutionRecord `json:"append_tool_executions,omitempty"`
	// SetStatus replaces the run status when non-empty.
	SetStatus Status `json:"set_status,omitempty"`
	// AddUsage accumulates token usage. Applied at most once per mutation ID;
	// callers must not reuse mutation IDs across distinct changes.
	AddUsage *StepUsage `json:"add_usage,omitempty"`
	// SetLastError replaces the terminal error string when non-nil. An empty
	// string clears a previous error.
	SetLastError *string `json:"set_last_error,omitempty"`
	// BumpIteration increments the iteration counter when true. Guarded by
	// the same step dedup as AppendSteps via IterationStep.
	BumpIteration bool `json:"bump_iteration,omitempty"`
	// IterationStep is the iteration number this bump corresponds to. The
	// bump applies only when the current iteration is below it, so replays
	// never double-count.
	IterationStep int `json:"iteration_step,omitempty"`
}

// StepUsage ties a usage delta to the step that produced it so replayed
// mutations accumulate usage exactly once.
type StepUsage struct {
	Step         int `json:"step"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Apply is the pure reducer: it returns a new RunState with the mutation
// applied on top of prev. Appends deduplicate by entity ID, usage deltas by
// step number and iteration bumps by target iteration, so applying the same
// mutation twice yields the same state. prev is never modified; a nil prev is
// treated as a fresh idle state.
func Apply(prev *RunState, m Mutation) *RunState {
	var next *RunState
	if prev == nil {
		next = NewRunState()
	} else {
		next = prev.Clone()
	}

	seenMsgs := make(map[string]struct{}, len(next.Messages))
	for _, msg := range next.Messages {
		seenMsgs[msg.ID] = struct{}{}
	}
	for _, msg := range m.AppendMessages {
		if msg.ID != "" {
			if _, dup := seenMsgs[msg.ID]; dup {
				continue
			}
			seenMsgs[msg.ID] = struct{}{}
		}
		next.Messages = append(next.Messages, msg)
	}

	seenSteps := make(map[int]struct{}, len(next.Steps))
	for _, st := range next.Steps {
		seenSteps[st.Step] = struct{}{}
	}
	for _, st := range m.AppendSteps {
		if _, dup := seenSteps[st.Step]; dup {
			continue
		}
		seenSteps[st.Step] = struct{}{}
		next.Steps = append(next.Steps, st)
	}

	seenRecs := make(map[string]struct{}, len(next.ToolExecutions))
	for _, rec := range next.ToolExecutions {
		seenRecs[rec.ID] = struct{}{}
	}
	for _, rec := range m.AppendToolExecutions {
		if rec.ID != "" {
			if _, dup := seenRecs[rec.ID]; dup {
				continue
			}
			seenRecs[rec.ID] = struct{}{}
		}
		next.ToolExecutions = append(next.ToolExecutions, rec)
	}

	if m.SetStatus != "" {
		next.Status = m.SetStatus
	}

	if m.AddUsage != nil {
		if !usageRecorded(next.Steps, prevSteps(prev), m.AddUsage.Step) {
			next.Usage.InputTokens += m.AddUsage.InputTokens
			next.Usage.OutputTokens += m.AddUsage.OutputTokens
			next.Usage.TotalTokens += m.AddUsage.TotalTokens
		}
	}

	if m.SetLastError != nil {
		next.LastError = *m.SetLastError
	}

	if m.BumpIteration && next.Iteration < m.IterationStep {
		next.Iteration = m.IterationStep
	}

	return next
}

func prevSteps(prev *RunState) []StepRecord {
	if prev == nil {
		return nil
	}
	return prev.Steps
}

// usageRecorded reports whether the usage delta for step was already folded
// in: that is the case exactly when the step record existed before this
// mutation ran (the delta ships with the mutation that appends the step).
func usageRecorded(_, prev []StepRecord, step int) bool {
	for _, st := range prev {
		if st.Step == step {
			return true
		}
	}
	return false
}
