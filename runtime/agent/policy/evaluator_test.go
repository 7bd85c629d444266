package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-dev/ratchet/runtime/agent/model"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

type fakePredicates struct {
	fn func(expr string, env PredicateEnv) (bool, error)
}

func (f fakePredicates) Evaluate(_ context.Context, expr string, env PredicateEnv) (bool, error) {
	return f.fn(expr, env)
}

func steps(n int) []state.StepRecord {
	out := make([]state.StepRecord, n)
	for i := range out {
		out[i] = state.StepRecord{Step: i + 1}
	}
	return out
}

func TestShouldStopStepCountBoundary(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(&LoopPolicy{StopConditions: []Condition{StepCountIs(3)}})
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, eval.ShouldStop(ctx, steps(2), model.TokenUsage{}).Stop)

	v := eval.ShouldStop(ctx, steps(3), model.TokenUsage{})
	assert.True(t, v.Stop)
	assert.Equal(t, OutcomeFinalize, v.Outcome)
	assert.Equal(t, []ConditionKind{KindStepCountIs}, v.Matched)

	assert.True(t, eval.ShouldStop(ctx, steps(4), model.TokenUsage{}).Stop)
}

func TestShouldStopHasToolCallChecksLatestStepOnly(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(&LoopPolicy{StopConditions: []Condition{HasToolCall("done")}})
	require.NoError(t, err)

	history := []state.StepRecord{
		{Step: 1, ToolCalls: []state.ToolCall{{ID: "c1", Name: "done"}}},
		{Step: 2, ToolCalls: []state.ToolCall{{ID: "c2", Name: "search"}}},
	}
	assert.False(t, eval.ShouldStop(context.Background(), history, model.TokenUsage{}).Stop,
		"a done call on an earlier step must not stop the run")

	history = append(history, state.StepRecord{Step: 3, ToolCalls: []state.ToolCall{{ID: "c3", Name: "done"}}})
	assert.True(t, eval.ShouldStop(context.Background(), history, model.TokenUsage{}).Stop)
}

func TestShouldStopDoneToolShorthand(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(&LoopPolicy{DoneTool: "submit_answer"})
	require.NoError(t, err)

	history := []state.StepRecord{{Step: 1, ToolCalls: []state.ToolCall{{ID: "c1", Name: "submit_answer"}}}}
	v := eval.ShouldStop(context.Background(), history, model.TokenUsage{})
	assert.True(t, v.Stop)
	assert.Equal(t, OutcomeFinalize, v.Outcome)
}

func TestShouldStopOrSemantics(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(&LoopPolicy{StopConditions: []Condition{
		StepCountIs(50),
		HasToolCall("never_called"),
		TotalUsageAtLeast(UsageThresholds{TotalTokens: 100}),
	}})
	require.NoError(t, err)

	// Only the usage condition matches; that alone stops the loop.
	v := eval.ShouldStop(context.Background(), steps(1), model.TokenUsage{TotalTokens: 150})
	assert.True(t, v.Stop)
	assert.Equal(t, []ConditionKind{KindTotalUsageAtLeast}, v.Matched)
}

func TestShouldStopSuspensionBeatsFinalize(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(&LoopPolicy{
		StopConditions: []Condition{
			StepCountIs(1),
			ToolCallNeedsApproval(),
		},
		ApprovalRequiredTools: []string{"delete_db"},
	})
	require.NoError(t, err)

	history := []state.StepRecord{{Step: 1, ToolCalls: []state.ToolCall{{ID: "c1", Name: "delete_db"}}}}
	v := eval.ShouldStop(context.Background(), history, model.TokenUsage{})
	assert.True(t, v.Stop)
	assert.Equal(t, OutcomeAwaitApproval, v.Outcome)
	assert.Len(t, v.Matched, 2)
}

func TestShouldStopApprovalNarrowing(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(&LoopPolicy{
		StopConditions:        []Condition{ToolCallNeedsApproval("delete_db")},
		ApprovalRequiredTools: []string{"delete_db", "send_email"},
	})
	require.NoError(t, err)

	// send_email is approval-required at the policy level but the condition
	// narrows to delete_db only.
	history := []state.StepRecord{{Step: 1, ToolCalls: []state.ToolCall{{ID: "c1", Name: "send_email"}}}}
	assert.False(t, eval.ShouldStop(context.Background(), history, model.TokenUsage{}).Stop)

	history = []state.StepRecord{{Step: 1, ToolCalls: []state.ToolCall{{ID: "c2", Name: "delete_db"}}}}
	assert.True(t, eval.ShouldStop(context.Background(), history, model.TokenUsage{}).Stop)
}

func TestShouldStopToolWithoutExecute(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(&LoopPolicy{
		StopConditions: []Condition{ToolWithoutExecute()},
		Prepare: PrepareStepPolicy{
			Defaults: StepConfig{DeclarationOnly: []string{"human_research"}},
		},
	})
	require.NoError(t, err)

	history := []state.StepRecord{{Step: 1, ToolCalls: []state.ToolCall{{ID: "c1", Name: "human_research"}}}}
	v := eval.ShouldStop(context.Background(), history, model.TokenUsage{})
	assert.True(t, v.Stop)
	assert.Equal(t, OutcomeAwaitExternal, v.Outcome)
}

func TestShouldStopAssistantText(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	history := []state.StepRecord{{Step: 1, AssistantText: "The Final Answer is 42."}}

	eval, err := NewEvaluator(&LoopPolicy{StopConditions: []Condition{
		AssistantTextIncludes("final answer", false),
	}})
	require.NoError(t, err)
	assert.True(t, eval.ShouldStop(ctx, history, model.TokenUsage{}).Stop)

	caseSensitive, err := NewEvaluator(&LoopPolicy{StopConditions: []Condition{
		AssistantTextIncludes("final answer", true),
	}})
	require.NoError(t, err)
	assert.False(t, caseSensitive.ShouldStop(ctx, history, model.TokenUsage{}).Stop)

	regex, err := NewEvaluator(&LoopPolicy{StopConditions: []Condition{
		AssistantTextMatchesRegex(`is \d+\.$`),
	}})
	require.NoError(t, err)
	assert.True(t, regex.ShouldStop(ctx, history, model.TokenUsage{}).Stop)
}

func TestShouldStopUsageThresholdDimensions(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(&LoopPolicy{StopConditions: []Condition{
		TotalUsageAtLeast(UsageThresholds{OutputTokens: 500}),
	}})
	require.NoError(t, err)

	ctx := context.Background()
	// Input tokens alone never trip an output-token threshold.
	assert.False(t, eval.ShouldStop(ctx, steps(1), model.TokenUsage{InputTokens: 10000}).Stop)
	assert.True(t, eval.ShouldStop(ctx, steps(1), model.TokenUsage{OutputTokens: 500}).Stop)
}

func TestShouldStopCostEstimate(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(&LoopPolicy{StopConditions: []Condition{
		CostEstimateExceeds(1.0, Rates{InputPer1K: 0.5, OutputPer1K: 0.6}),
	}})
	require.NoError(t, err)

	ctx := context.Background()
	// 1000 input + 500 output = 0.5 + 0.3 = 0.8 USD: under the cap.
	assert.False(t, eval.ShouldStop(ctx, steps(1), model.TokenUsage{InputTokens: 1000, OutputTokens: 500}).Stop)
	// 1000 input + 1000 output = 0.5 + 0.6 = 1.1 USD: over.
	assert.True(t, eval.ShouldStop(ctx, steps(1), model.TokenUsage{InputTokens: 1000, OutputTokens: 1000}).Stop)
}

func TestShouldStopExpressionFailsClosed(t *testing.T) {
	t.Parallel()

	// No predicate evaluator configured: the condition faults and must not
	// stop the run.
	eval, err := NewEvaluator(&LoopPolicy{StopConditions: []Condition{Expression("iteration > 1")}})
	require.NoError(t, err)

	v := eval.ShouldStop(context.Background(), steps(5), model.TokenUsage{})
	assert.False(t, v.Stop)
	require.Len(t, v.Faults, 1)
	assert.Equal(t, KindExpression, v.Faults[0].Kind)
	assert.Equal(t, "iteration > 1", v.Faults[0].Expr)
}

func TestShouldStopExpressionEvaluatorErrorsFault(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(
		&LoopPolicy{StopConditions: []Condition{Expression("bogus(")}},
		WithPredicateEvaluator(fakePredicates{fn: func(string, PredicateEnv) (bool, error) {
			return false, errors.New("parse error")
		}}),
	)
	require.NoError(t, err)

	v := eval.ShouldStop(context.Background(), steps(1), model.TokenUsage{})
	assert.False(t, v.Stop)
	require.Len(t, v.Faults, 1)
	assert.Contains(t, v.Faults[0].Err, "parse error")
}

func TestShouldStopExpressionMatch(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(
		&LoopPolicy{StopConditions: []Condition{Expression("iteration >= 2")}},
		WithPredicateEvaluator(fakePredicates{fn: func(_ string, env PredicateEnv) (bool, error) {
			return env.Iteration >= 2, nil
		}}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, eval.ShouldStop(ctx, steps(1), model.TokenUsage{}).Stop)
	assert.True(t, eval.ShouldStop(ctx, steps(2), model.TokenUsage{}).Stop)
}

func TestNewEvaluatorRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()

	_, err := NewEvaluator(&LoopPolicy{StopConditions: []Condition{StepCountIs(0)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop_conditions[0]")

	_, err = NewEvaluator(nil)
	require.Error(t, err)
}

func TestPrepareStepLayering(t *testing.T) {
	t.Parallel()

	two := 2
	tempLow := 0.2
	tempHigh := 0.9
	eval, err := NewEvaluator(&LoopPolicy{
		Prepare: PrepareStepPolicy{
			Defaults: StepConfig{
				Model:       "gpt-4o-mini",
				ToolChoice:  "auto",
				Temperature: &tempLow,
			},
			Rules: []StepRule{
				{FromStep: 3, StepConfig: StepConfig{Model: "gpt-4o", MaxMessages: &two}},
				{FromStep: 5, StepConfig: StepConfig{ToolChoice: "none", Temperature: &tempHigh}},
			},
		},
	})
	require.NoError(t, err)

	ctx := context.Background()

	p1, err := eval.PrepareStep(ctx, 1, nil, model.TokenUsage{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", p1.Model)
	assert.Equal(t, "auto", p1.ToolChoice)
	assert.Equal(t, 0, p1.MaxMessages)

	p3, err := eval.PrepareStep(ctx, 3, nil, model.TokenUsage{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", p3.Model)
	assert.Equal(t, "auto", p3.ToolChoice, "untouched fields keep the defaults layer")
	assert.Equal(t, 2, p3.MaxMessages)

	// Both rules match at step 5; the later rule wins field by field.
	p5, err := eval.PrepareStep(ctx, 5, nil, model.TokenUsage{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", p5.Model)
	assert.Equal(t, "none", p5.ToolChoice)
	require.NotNil(t, p5.Temperature)
	assert.Equal(t, tempHigh, *p5.Temperature)
}

func TestPrepareStepRangeBounds(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(&LoopPolicy{
		Prepare: PrepareStepPolicy{
			Rules: []StepRule{{FromStep: 2, ToStep: 4, StepConfig: StepConfig{Model: "bounded"}}},
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	for step, want := range map[int]string{1: "", 2: "bounded", 4: "bounded", 5: ""} {
		p, err := eval.PrepareStep(ctx, step, nil, model.TokenUsage{})
		require.NoError(t, err)
		assert.Equal(t, want, p.Model, "step %d", step)
	}
}

func TestPrepareStepEmptyActiveToolsDisablesTools(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(&LoopPolicy{
		Prepare: PrepareStepPolicy{
			Defaults: StepConfig{ActiveTools: []string{"search", "calc"}},
			Rules:    []StepRule{{FromStep: 2, StepConfig: StepConfig{ActiveTools: []string{}}}},
		},
	})
	require.NoError(t, err)

	p1, err := eval.PrepareStep(context.Background(), 1, nil, model.TokenUsage{})
	require.NoError(t, err)
	assert.Equal(t, []string{"search", "calc"}, p1.ActiveTools)

	p2, err := eval.PrepareStep(context.Background(), 2, nil, model.TokenUsage{})
	require.NoError(t, err)
	require.NotNil(t, p2.ActiveTools)
	assert.Empty(t, p2.ActiveTools, "an explicit empty list overrides, unlike nil")
}

func TestPrepareStepPredicate(t *testing.T) {
	t.Parallel()

	eval, err := NewEvaluator(
		&LoopPolicy{
			Prepare: PrepareStepPolicy{
				Defaults: StepConfig{Model: "cheap"},
				Rules: []StepRule{{
					Predicate:  "usage.total_tokens > 1000",
					StepConfig: StepConfig{Model: "expensive"},
				}},
			},
		},
		WithPredicateEvaluator(fakePredicates{fn: func(_ string, env PredicateEnv) (bool, error) {
			return env.Usage.TotalTokens > 1000, nil
		}}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	p, err := eval.PrepareStep(ctx, 1, nil, model.TokenUsage{TotalTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "cheap", p.Model)

	p, err = eval.PrepareStep(ctx, 2, nil, model.TokenUsage{TotalTokens: 2000})
	require.NoError(t, err)
	assert.Equal(t, "expensive", p.Model)
}

func TestPrepareStepPredicateErrors(t *testing.T) {
	t.Parallel()

	// A rule predicate without an evaluator is a configuration error, not a
	// silent skip.
	eval, err := NewEvaluator(&LoopPolicy{
		Prepare: PrepareStepPolicy{Rules: []StepRule{{Predicate: "true"}}},
	})
	require.NoError(t, err)
	_, err = eval.PrepareStep(context.Background(), 1, nil, model.TokenUsage{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no evaluator configured")

	failing, err := NewEvaluator(
		&LoopPolicy{Prepare: PrepareStepPolicy{Rules: []StepRule{{Predicate: "broken"}}}},
		WithPredicateEvaluator(fakePredicates{fn: func(string, PredicateEnv) (bool, error) {
			return false, errors.New("no such variable")
		}}),
	)
	require.NoError(t, err)
	_, err = failing.PrepareStep(context.Background(), 1, nil, model.TokenUsage{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such variable")
}

func TestShouldStopDeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	eval, err := NewEvaluator(&LoopPolicy{
		StopConditions: []Condition{
			StepCountIs(10),
			TotalUsageAtLeast(UsageThresholds{TotalTokens: 5000}),
			HasToolCall("done"),
		},
	})
	require.NoError(t, err)

	properties.Property("identical inputs produce identical verdicts", prop.ForAll(
		func(nSteps, totalTokens int, lastTool string) bool {
			history := steps(nSteps)
			if nSteps > 0 {
				history[nSteps-1].ToolCalls = []state.ToolCall{{ID: "c", Name: lastTool}}
			}
			usage := model.TokenUsage{TotalTokens: totalTokens}
			a := eval.ShouldStop(context.Background(), history, usage)
			b := eval.ShouldStop(context.Background(), history, usage)
			if a.Stop != b.Stop || a.Outcome != b.Outcome || len(a.Matched) != len(b.Matched) {
				return false
			}
			// The verdict must also agree with the independent arithmetic.
			want := nSteps >= 10 || totalTokens >= 5000 || (nSteps > 0 && lastTool == "done")
			return a.Stop == want
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 10000),
		gen.OneConstOf("done", "search", "calc"),
	))

	properties.TestingRun(t)
}
