package cel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-dev/ratchet/runtime/agent/model"
	"github.com/ratchet-dev/ratchet/runtime/agent/policy"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

func testEnv() policy.PredicateEnv {
	return policy.PredicateEnv{
		Steps: []state.StepRecord{
			{Step: 1, AssistantText: "thinking"},
			{Step: 2, AssistantText: "the final answer is 42", ToolCalls: []state.ToolCall{{ID: "c1", Name: "calc"}}},
		},
		Usage:     model.TokenUsage{InputTokens: 1200, OutputTokens: 300, TotalTokens: 1500},
		LastText:  "the final answer is 42",
		Iteration: 2,
	}
}

func TestEvaluateExpressions(t *testing.T) {
	t.Parallel()

	e, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	cases := []struct {
		expr string
		want bool
	}{
		{"iteration >= 2", true},
		{"iteration > 5", false},
		{"usage.total_tokens > 1000", true},
		{"usage.output_tokens > usage.input_tokens", false},
		{"last_text.contains('final answer')", true},
		{"last_text.contains('nope')", false},
		{"size(steps) == 2", true},
		{"steps[1].assistant_text.contains('42')", true},
		{"steps.exists(s, has(s.tool_calls))", true},
		{"iteration > 1 && usage.total_tokens < 2000", true},
	}
	for _, tc := range cases {
		got, err := e.Evaluate(ctx, tc.expr, testEnv())
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateCompileError(t *testing.T) {
	t.Parallel()

	e, err := New()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "iteration >>> 2", testEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile")
}

func TestEvaluateUnknownVariable(t *testing.T) {
	t.Parallel()

	e, err := New()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "budget > 10", testEnv())
	require.Error(t, err)
}

func TestEvaluateNonBooleanResult(t *testing.T) {
	t.Parallel()

	e, err := New()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "iteration + 1", testEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not boolean")
}

func TestEvaluateEmptyExpression(t *testing.T) {
	t.Parallel()

	e, err := New()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", testEnv())
	require.Error(t, err)
}

func TestEvaluateCachesPrograms(t *testing.T) {
	t.Parallel()

	e, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	const expr = "iteration >= 1"
	_, err = e.Evaluate(ctx, expr, testEnv())
	require.NoError(t, err)

	e.mu.Lock()
	_, cached := e.programs[expr]
	e.mu.Unlock()
	assert.True(t, cached)

	// Cached programs still evaluate against fresh environments.
	got, err := e.Evaluate(ctx, expr, policy.PredicateEnv{Iteration: 0})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	t.Parallel()

	e, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	const expr = "usage.total_tokens >= 1500 && last_text.contains('answer')"
	for i := 0; i < 10; i++ {
		got, err := e.Evaluate(ctx, expr, testEnv())
		require.NoError(t, err)
		assert.True(t, got)
	}
}
