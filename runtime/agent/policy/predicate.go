package policy

import (
	"context"

	"github.com/ratchet-dev/ratchet/runtime/agent/model"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

type (
	// PredicateEvaluator evaluates boolean expressions for Expression stop
	// conditions and rule predicates. The core never imports an expression
	// language; features/predicate/cel provides the production
	// implementation.
	PredicateEvaluator interface {
		// Evaluate returns the truth value of expr against env. Evaluation
		// errors (parse failures, type errors, unknown variables) must be
		// returned, not swallowed; the evaluator treats them as fail-closed.
		Evaluate(ctx context.Context, expr string, env PredicateEnv) (bool, error)
	}

	// PredicateEnv is the variable environment visible to expressions.
	PredicateEnv struct {
		// Steps is the completed step history.
		Steps []state.StepRecord
		// Usage is the cumulative token usage.
		Usage model.TokenUsage
		// LastText is the most recent assistant text.
		LastText string
		// Iteration is the current loop iteration number.
		Iteration int
	}
)
