package policy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ratchet-dev/ratchet/runtime/agent/model"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

// Outcome classifies what a stop verdict means for the run.
type Outcome string

const (
	// OutcomeContinue means no condition matched; the loop proceeds.
	OutcomeContinue Outcome = "continue"
	// OutcomeFinalize means the run should complete normally.
	OutcomeFinalize Outcome = "finalize"
	// OutcomeAwaitApproval means the run suspends for human tool approval.
	OutcomeAwaitApproval Outcome = "await_approval"
	// OutcomeAwaitExternal means the run suspends for external tool results.
	OutcomeAwaitExternal Outcome = "await_external"
)

type (
	// Verdict is the evaluator's stop decision. When several conditions
	// match on one evaluation, suspension outcomes take precedence over
	// finalize so a run is never finalized past an unanswered approval.
	Verdict struct {
		// Stop reports whether the loop ends this iteration.
		Stop bool
		// Outcome classifies the stop: finalize or one of the suspensions.
		// OutcomeContinue when Stop is false.
		Outcome Outcome
		// Matched lists the kinds of every condition that matched.
		Matched []ConditionKind
		// Faults lists conditions that could not be evaluated. Faulted
		// conditions fail closed: they never cause a stop.
		Faults []ConditionFault
	}

	// ConditionFault reports a condition that errored during evaluation.
	ConditionFault struct {
		Kind ConditionKind
		Expr string
		Err  string
	}

	// Evaluator applies a LoopPolicy. It is stateless and deterministic:
	// identical history, usage and policy always produce identical verdicts,
	// which is required for replay safety inside a durable workflow.
	Evaluator struct {
		policy     *LoopPolicy
		predicates PredicateEvaluator
	}

	// EvaluatorOption configures an Evaluator.
	EvaluatorOption func(*Evaluator)
)

// WithPredicateEvaluator installs the expression evaluator used by
// Expression conditions and rule predicates. Without one, expressions fault
// and fail closed.
func WithPredicateEvaluator(pe PredicateEvaluator) EvaluatorOption {
	return func(e *Evaluator) { e.predicates = pe }
}

// NewEvaluator validates the policy and returns an Evaluator for it. The
// DoneTool shorthand is expanded into a HasToolCall stop condition here.
func NewEvaluator(p *LoopPolicy, opts ...EvaluatorOption) (*Evaluator, error) {
	if p == nil {
		return nil, errors.New("policy: nil LoopPolicy")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	e := &Evaluator{policy: p}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Policy returns the policy this evaluator applies.
func (e *Evaluator) Policy() *LoopPolicy { return e.policy }

// ShouldStop evaluates every stop condition against the step history and
// cumulative usage. Conditions combine with OR: any match stops the loop.
func (e *Evaluator) ShouldStop(ctx context.Context, history []state.StepRecord, usage model.TokenUsage) Verdict {
	v := Verdict{Outcome: OutcomeContinue}

	conditions := e.policy.StopConditions
	if e.policy.DoneTool != "" {
		conditions = append(append([]Condition(nil), conditions...), HasToolCall(e.policy.DoneTool))
	}

	for _, c := range conditions {
		matched, outcome, fault := e.evaluate(ctx, c, history, usage)
		if fault != nil {
			v.Faults = append(v.Faults, *fault)
			continue
		}
		if !matched {
			continue
		}
		v.Stop = true
		v.Matched = append(v.Matched, c.Kind)
		v.Outcome = mergeOutcome(v.Outcome, outcome)
	}
	return v
}

// mergeOutcome keeps the strongest outcome seen so far. Suspensions beat
// finalize; await_approval beats await_external.
func mergeOutcome(cur, next Outcome) Outcome {
	rank := func(o Outcome) int {
		switch o {
		case OutcomeAwaitApproval:
			return 3
		case OutcomeAwaitExternal:
			return 2
		case OutcomeFinalize:
			return 1
		default:
			return 0
		}
	}
	if rank(next) > rank(cur) {
		return next
	}
	return cur
}

func (e *Evaluator) evaluate(ctx context.Context, c Condition, history []state.StepRecord, usage model.TokenUsage) (bool, Outcome, *ConditionFault) {
	switch c.Kind {
	case KindStepCountIs:
		return len(history) >= c.Count, OutcomeFinalize, nil

	case KindHasToolCall:
		last, ok := lastStep(history)
		if !ok {
			return false, OutcomeFinalize, nil
		}
		for _, tc := range last.ToolCalls {
			if tc.Name == c.Tool {
				return true, OutcomeFinalize, nil
			}
		}
		return false, OutcomeFinalize, nil

	case KindToolCallNeedsApproval:
		last, ok := lastStep(history)
		if !ok {
			return false, OutcomeAwaitApproval, nil
		}
		approval := e.approvalSet(c.Tools)
		for _, tc := range last.ToolCalls {
			if _, need := approval[tc.Name]; need {
				return true, OutcomeAwaitApproval, nil
			}
		}
		return false, OutcomeAwaitApproval, nil

	case KindToolWithoutExecute:
		// The runtime resolves declaration-only tools; the evaluator sees
		// them through the prepared step's DeclarationOnly list carried on
		// the policy defaults and rules.
		last, ok := lastStep(history)
		if !ok {
			return false, OutcomeAwaitExternal, nil
		}
		declOnly := e.declarationOnlySet(len(history))
		for _, tc := range last.ToolCalls {
			if _, d := declOnly[tc.Name]; d {
				return true, OutcomeAwaitExternal, nil
			}
		}
		return false, OutcomeAwaitExternal, nil

	case KindAssistantTextIncludes:
		text := lastAssistantText(history)
		if c.CaseSensitive {
			return strings.Contains(text, c.Text), OutcomeFinalize, nil
		}
		return strings.Contains(strings.ToLower(text), strings.ToLower(c.Text)), OutcomeFinalize, nil

	case KindAssistantTextMatchesRegex:
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return false, OutcomeFinalize, &ConditionFault{Kind: c.Kind, Err: err.Error()}
		}
		return re.MatchString(lastAssistantText(history)), OutcomeFinalize, nil

	case KindTotalUsageAtLeast:
		t := c.Usage
		if t == nil {
			return false, OutcomeFinalize, &ConditionFault{Kind: c.Kind, Err: "missing thresholds"}
		}
		if t.InputTokens > 0 && usage.InputTokens >= t.InputTokens {
			return true, OutcomeFinalize, nil
		}
		if t.OutputTokens > 0 && usage.OutputTokens >= t.OutputTokens {
			return true, OutcomeFinalize, nil
		}
		if t.TotalTokens > 0 && usage.TotalTokens >= t.TotalTokens {
			return true, OutcomeFinalize, nil
		}
		return false, OutcomeFinalize, nil

	case KindCostEstimateExceeds:
		if c.Rates == nil {
			return false, OutcomeFinalize, &ConditionFault{Kind: c.Kind, Err: "missing rates"}
		}
		cost := float64(usage.InputTokens)/1000*c.Rates.InputPer1K +
			float64(usage.OutputTokens)/1000*c.Rates.OutputPer1K
		return cost >= c.MaxUSD, OutcomeFinalize, nil

	case KindExpression:
		if e.predicates == nil {
			return false, OutcomeFinalize, &ConditionFault{Kind: c.Kind, Expr: c.Expr, Err: "no predicate evaluator configured"}
		}
		ok, err := e.predicates.Evaluate(ctx, c.Expr, PredicateEnv{
			Steps:     history,
			Usage:     usage,
			LastText:  lastAssistantText(history),
			Iteration: len(history),
		})
		if err != nil {
			return false, OutcomeFinalize, &ConditionFault{Kind: c.Kind, Expr: c.Expr, Err: err.Error()}
		}
		return ok, OutcomeFinalize, nil

	default:
		return false, OutcomeFinalize, &ConditionFault{Kind: c.Kind, Err: "unknown condition kind"}
	}
}

// approvalSet returns the effective approval-required set: the policy-level
// list, optionally narrowed to the given names.
func (e *Evaluator) approvalSet(narrow []string) map[string]struct{} {
	set := make(map[string]struct{}, len(e.policy.ApprovalRequiredTools))
	for _, t := range e.policy.ApprovalRequiredTools {
		set[t] = struct{}{}
	}
	if len(narrow) == 0 {
		return set
	}
	narrowed := make(map[string]struct{}, len(narrow))
	for _, t := range narrow {
		if _, ok := set[t]; ok {
			narrowed[t] = struct{}{}
		}
	}
	return narrowed
}

// declarationOnlySet collects the declaration-only tool names effective at
// the given step from defaults and matching rules.
func (e *Evaluator) declarationOnlySet(step int) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range e.policy.Prepare.Defaults.DeclarationOnly {
		set[t] = struct{}{}
	}
	for _, r := range e.policy.Prepare.Rules {
		if !r.matchesStep(step) {
			continue
		}
		for _, t := range r.DeclarationOnly {
			set[t] = struct{}{}
		}
	}
	return set
}

// PrepareStep resolves the effective configuration for the given 1-based step
// number: policy defaults first, then every matching rule in order, later
// rules overriding earlier ones per field. Rules with a predicate consult the
// configured PredicateEvaluator against the supplied history and usage; a
// predicate error fails the resolution (configuration error), never a silent
// skip. Deterministic: the same inputs always produce the same PreparedStep.
func (e *Evaluator) PrepareStep(ctx context.Context, step int, history []state.StepRecord, usage model.TokenUsage) (PreparedStep, error) {
	var prepared PreparedStep
	prepared.apply(e.policy.Prepare.Defaults)

	for i, r := range e.policy.Prepare.Rules {
		if !r.matchesStep(step) {
			continue
		}
		if r.Predicate != "" {
			if e.predicates == nil {
				return PreparedStep{}, fmt.Errorf("policy: prepare.rules[%d]: predicate set but no evaluator configured", i)
			}
			ok, err := e.predicates.Evaluate(ctx, r.Predicate, PredicateEnv{
				Steps:     history,
				Usage:     usage,
				LastText:  lastAssistantText(history),
				Iteration: step,
			})
			if err != nil {
				return PreparedStep{}, fmt.Errorf("policy: prepare.rules[%d]: predicate %q: %w", i, r.Predicate, err)
			}
			if !ok {
				continue
			}
		}
		prepared.apply(r.StepConfig)
	}
	return prepared, nil
}

// matchesStep reports whether the 1-based step falls in the rule's inclusive
// range. Zero bounds are open.
func (r StepRule) matchesStep(step int) bool {
	if r.FromStep > 0 && step < r.FromStep {
		return false
	}
	if r.ToStep > 0 && step > r.ToStep {
		return false
	}
	return true
}

// apply overlays cfg onto p: set fields win, zero fields leave p unchanged.
func (p *PreparedStep) apply(cfg StepConfig) {
	if cfg.Model != "" {
		p.Model = cfg.Model
	}
	if cfg.ActiveTools != nil {
		p.ActiveTools = append([]string(nil), cfg.ActiveTools...)
	}
	if cfg.ToolChoice != "" {
		p.ToolChoice = cfg.ToolChoice
	}
	if cfg.MaxMessages != nil {
		p.MaxMessages = *cfg.MaxMessages
	}
	if cfg.MaxToolResultBytes != nil {
		p.MaxToolResultBytes = *cfg.MaxToolResultBytes
	}
	if cfg.Instructions != "" {
		p.Instructions = cfg.Instructions
	}
	if cfg.DeclarationOnly != nil {
		p.DeclarationOnly = append([]string(nil), cfg.DeclarationOnly...)
	}
	if cfg.MaxTokens != nil {
		p.MaxTokens = *cfg.MaxTokens
	}
	if cfg.Temperature != nil {
		t := *cfg.Temperature
		p.Temperature = &t
	}
}

func lastStep(history []state.StepRecord) (state.StepRecord, bool) {
	if len(history) == 0 {
		return state.StepRecord{}, false
	}
	return history[len(history)-1], true
}

func lastAssistantText(history []state.StepRecord) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].AssistantText != "" {
			return history[i].AssistantText
		}
	}
	return ""
}
