// Package cel implements policy.PredicateEvaluator on the Common Expression
// Language. Expressions see four variables:
//
//	steps      list of step records ({step, assistant_text, tool_calls, usage})
//	usage      cumulative token usage ({input_tokens, output_tokens, total_tokens})
//	last_text  the latest assistant text
//	iteration  the current 1-based step number
//
// Programs compile once per expression and are cached; evaluation is pure, so
// the same expression over the same environment always yields the same value,
// which the policy evaluator requires for replay safety.
package cel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	celgo "github.com/google/cel-go/cel"

	"github.com/ratchet-dev/ratchet/runtime/agent/policy"
)

type (
	// Evaluator compiles and runs CEL predicates.
	Evaluator struct {
		env *celgo.Env

		mu       sync.Mutex
		programs map[string]celgo.Program
	}
)

// New constructs an Evaluator with the predicate environment declared.
func New() (*Evaluator, error) {
	env, err := celgo.NewEnv(
		celgo.Variable("steps", celgo.ListType(celgo.DynType)),
		celgo.Variable("usage", celgo.MapType(celgo.StringType, celgo.DynType)),
		celgo.Variable("last_text", celgo.StringType),
		celgo.Variable("iteration", celgo.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("predicate/cel: build environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]celgo.Program),
	}, nil
}

// Evaluate implements policy.PredicateEvaluator. Compilation and type errors
// are returned to the caller; the policy evaluator fails such conditions
// closed.
func (e *Evaluator) Evaluate(_ context.Context, expr string, env policy.PredicateEnv) (bool, error) {
	if expr == "" {
		return false, errors.New("predicate/cel: empty expression")
	}
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	steps, err := toActivationList(env.Steps)
	if err != nil {
		return false, err
	}
	usage := map[string]any{
		"input_tokens":  env.Usage.InputTokens,
		"output_tokens": env.Usage.OutputTokens,
		"total_tokens":  env.Usage.TotalTokens,
	}

	out, _, err := prg.Eval(map[string]any{
		"steps":     steps,
		"usage":     usage,
		"last_text": env.LastText,
		"iteration": env.Iteration,
	})
	if err != nil {
		return false, fmt.Errorf("predicate/cel: evaluate %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate/cel: expression %q is not boolean (got %T)", expr, out.Value())
	}
	return b, nil
}

// program compiles expr, caching the result.
func (e *Evaluator) program(expr string) (celgo.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}
	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("predicate/cel: compile %q: %w", expr, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("predicate/cel: program %q: %w", expr, err)
	}
	e.programs[expr] = prg
	return prg, nil
}

// toActivationList converts step records into the generic list/map shape CEL
// consumes, going through JSON so field names match the wire tags.
func toActivationList(v any) ([]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("predicate/cel: encode steps: %w", err)
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("predicate/cel: decode steps: %w", err)
	}
	return out, nil
}
