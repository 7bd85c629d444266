// Package policy implements the loop policy: the declarative configuration
// that decides when an agent run stops and what model, tools and limits each
// step uses. Policies are plain serializable data (JSON and YAML) so they
// travel inside workflow inputs and survive replay.
//
// Stop conditions combine with logical OR: the loop stops as soon as any
// condition matches. Authors expecting AND semantics should compose a single
// Expression condition instead; the OR behavior is asserted by tests and will
// not change.
package policy

import (
	"errors"
	"fmt"
	"regexp"
)

// ConditionKind discriminates stop condition variants.
type ConditionKind string

const (
	// KindStepCountIs stops once the step history reaches a length.
	KindStepCountIs ConditionKind = "step_count_is"
	// KindHasToolCall stops when the latest step called a named tool.
	KindHasToolCall ConditionKind = "has_tool_call"
	// KindToolCallNeedsApproval suspends when the latest step requested a
	// tool from the approval-required set.
	KindToolCallNeedsApproval ConditionKind = "tool_call_needs_approval"
	// KindToolWithoutExecute suspends when the latest step referenced a
	// declaration-only tool.
	KindToolWithoutExecute ConditionKind = "tool_without_execute"
	// KindAssistantTextIncludes stops when the latest assistant text
	// contains a substring.
	KindAssistantTextIncludes ConditionKind = "assistant_text_includes"
	// KindAssistantTextMatchesRegex stops when the latest assistant text
	// matches a pattern.
	KindAssistantTextMatchesRegex ConditionKind = "assistant_text_matches_regex"
	// KindTotalUsageAtLeast stops when cumulative usage crosses a threshold.
	KindTotalUsageAtLeast ConditionKind = "total_usage_at_least"
	// KindCostEstimateExceeds stops when the estimated spend crosses a
	// dollar threshold.
	KindCostEstimateExceeds ConditionKind = "cost_estimate_exceeds"
	// KindExpression stops when a predicate expression evaluates true.
	KindExpression ConditionKind = "expression"
)

type (
	// LoopPolicy is the immutable per-run configuration: stop conditions
	// (ANY-match), the prepare-step policy, the approval-required tool set
	// and an optional done-tool declaration.
	LoopPolicy struct {
		// StopConditions end the loop when any one matches.
		StopConditions []Condition `json:"stop_conditions,omitempty" yaml:"stop_conditions"`
		// Prepare resolves per-step model/tool/limit configuration.
		Prepare PrepareStepPolicy `json:"prepare,omitempty" yaml:"prepare"`
		// ApprovalRequiredTools names tools that suspend the run for human
		// approval before executing.
		ApprovalRequiredTools []string `json:"approval_required_tools,omitempty" yaml:"approval_required_tools"`
		// DoneTool optionally names a tool whose invocation marks the run
		// complete. Shorthand for a HasToolCall stop condition.
		DoneTool string `json:"done_tool,omitempty" yaml:"done_tool"`
		// StateKey overrides the default {agentName}:workflow_state store key.
		StateKey string `json:"state_key,omitempty" yaml:"state_key"`
	}

	// Condition is one serializable stop condition. Kind selects the variant;
	// only the fields for that variant are meaningful.
	Condition struct {
		Kind ConditionKind `json:"kind" yaml:"kind"`

		// Count is the step threshold for step_count_is.
		Count int `json:"count,omitempty" yaml:"count"`
		// Tool is the tool name for has_tool_call.
		Tool string `json:"tool,omitempty" yaml:"tool"`
		// Tools optionally narrows tool_call_needs_approval to a subset of
		// the policy-level approval set.
		Tools []string `json:"tools,omitempty" yaml:"tools"`
		// Text and CaseSensitive configure assistant_text_includes.
		Text          string `json:"text,omitempty" yaml:"text"`
		CaseSensitive bool   `json:"case_sensitive,omitempty" yaml:"case_sensitive"`
		// Pattern configures assistant_text_matches_regex.
		Pattern string `json:"pattern,omitempty" yaml:"pattern"`
		// Usage configures total_usage_at_least. Zero fields are ignored.
		Usage *UsageThresholds `json:"usage,omitempty" yaml:"usage"`
		// MaxUSD and Rates configure cost_estimate_exceeds.
		MaxUSD float64 `json:"max_usd,omitempty" yaml:"max_usd"`
		Rates  *Rates  `json:"rates,omitempty" yaml:"rates"`
		// Expr configures expression.
		Expr string `json:"expr,omitempty" yaml:"expr"`
	}

	// UsageThresholds are cumulative token thresholds; a zero field means no
	// threshold on that dimension. Absent usage counts compare as zero, never
	// as "inapplicable".
	UsageThresholds struct {
		InputTokens  int `json:"input_tokens,omitempty" yaml:"input_tokens"`
		OutputTokens int `json:"output_tokens,omitempty" yaml:"output_tokens"`
		TotalTokens  int `json:"total_tokens,omitempty" yaml:"total_tokens"`
	}

	// Rates are dollar prices per thousand tokens used by the cost estimate.
	Rates struct {
		InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
		OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
	}

	// PrepareStepPolicy resolves the effective step configuration: defaults
	// first, then every matching rule in order, later rules overriding
	// earlier ones field by field.
	PrepareStepPolicy struct {
		// Defaults apply to every step before any rule.
		Defaults StepConfig `json:"defaults,omitempty" yaml:"defaults"`
		// Rules apply in order when their step range and predicate match.
		Rules []StepRule `json:"rules,omitempty" yaml:"rules"`
	}

	// StepRule overrides step configuration for a range of steps and/or when
	// a predicate holds. A zero FromStep matches from the first step; a zero
	// ToStep matches to the last. Both bounds are inclusive.
	StepRule struct {
		FromStep int `json:"from_step,omitempty" yaml:"from_step"`
		ToStep   int `json:"to_step,omitempty" yaml:"to_step"`
		// Predicate is an optional boolean expression evaluated through the
		// configured PredicateEvaluator; empty means always.
		Predicate string `json:"predicate,omitempty" yaml:"predicate"`

		StepConfig `yaml:",inline"`
	}

	// StepConfig holds the overridable per-step settings. Zero values mean
	// "not set here": empty strings, nil slices and nil ints leave the
	// previous layer's value in place.
	StepConfig struct {
		// Model selects the provider model for the step.
		Model string `json:"model,omitempty" yaml:"model"`
		// ActiveTools restricts the tools offered to the model. Nil means
		// unchanged; an explicit empty list disables tools.
		ActiveTools []string `json:"active_tools,omitempty" yaml:"active_tools"`
		// ToolChoice constrains tool selection ("auto", "none", "required"
		// or a tool name).
		ToolChoice string `json:"tool_choice,omitempty" yaml:"tool_choice"`
		// MaxMessages trims the transcript window sent to the model.
		MaxMessages *int `json:"max_messages,omitempty" yaml:"max_messages"`
		// MaxToolResultBytes truncates oversized tool results.
		MaxToolResultBytes *int `json:"max_tool_result_bytes,omitempty" yaml:"max_tool_result_bytes"`
		// Instructions are appended to the agent's base instructions.
		Instructions string `json:"instructions,omitempty" yaml:"instructions"`
		// DeclarationOnly names tools offered without a local implementation.
		DeclarationOnly []string `json:"declaration_only,omitempty" yaml:"declaration_only"`
		// MaxTokens caps the model response length.
		MaxTokens *int `json:"max_tokens,omitempty" yaml:"max_tokens"`
		// Temperature adjusts model sampling.
		Temperature *float64 `json:"temperature,omitempty" yaml:"temperature"`
	}

	// PreparedStep is the fully resolved configuration for one step.
	PreparedStep struct {
		Model              string
		ActiveTools        []string
		ToolChoice         string
		MaxMessages        int
		MaxToolResultBytes int
		Instructions       string
		DeclarationOnly    []string
		MaxTokens          int
		Temperature        *float64
	}
)

// Condition constructors. These are the programmatic spelling of the YAML
// condition documents; both produce identical Condition values.

// StepCountIs stops once len(history) >= n.
func StepCountIs(n int) Condition {
	return Condition{Kind: KindStepCountIs, Count: n}
}

// HasToolCall stops when the most recent step called the named tool.
func HasToolCall(name string) Condition {
	return Condition{Kind: KindHasToolCall, Tool: name}
}

// ToolCallNeedsApproval suspends the run when the most recent step requested
// an approval-required tool. With names, only those tools (intersected with
// the policy-level approval set) trigger the suspension.
func ToolCallNeedsApproval(names ...string) Condition {
	return Condition{Kind: KindToolCallNeedsApproval, Tools: names}
}

// ToolWithoutExecute suspends the run when the most recent step referenced a
// declaration-only tool.
func ToolWithoutExecute() Condition {
	return Condition{Kind: KindToolWithoutExecute}
}

// AssistantTextIncludes stops when the latest assistant text contains text.
func AssistantTextIncludes(text string, caseSensitive bool) Condition {
	return Condition{Kind: KindAssistantTextIncludes, Text: text, CaseSensitive: caseSensitive}
}

// AssistantTextMatchesRegex stops when the latest assistant text matches the
// pattern.
func AssistantTextMatchesRegex(pattern string) Condition {
	return Condition{Kind: KindAssistantTextMatchesRegex, Pattern: pattern}
}

// TotalUsageAtLeast stops when any non-zero threshold field is met or
// exceeded by cumulative usage.
func TotalUsageAtLeast(t UsageThresholds) Condition {
	return Condition{Kind: KindTotalUsageAtLeast, Usage: &t}
}

// CostEstimateExceeds stops when inputTokens/1000*InputPer1K +
// outputTokens/1000*OutputPer1K >= usd.
func CostEstimateExceeds(usd float64, rates Rates) Condition {
	return Condition{Kind: KindCostEstimateExceeds, MaxUSD: usd, Rates: &rates}
}

// Expression stops when the expression evaluates true through the configured
// PredicateEvaluator. Malformed expressions fail closed (no stop) and are
// reported in the verdict's fault list.
func Expression(expr string) Condition {
	return Condition{Kind: KindExpression, Expr: expr}
}

// Validate checks the policy eagerly so configuration mistakes surface at
// setup time, before any model call. Errors name the offending field.
func (p *LoopPolicy) Validate() error {
	for i, c := range p.StopConditions {
		if err := c.validate(); err != nil {
			return fmt.Errorf("stop_conditions[%d]: %w", i, err)
		}
	}
	for i, tool := range p.ApprovalRequiredTools {
		if tool == "" {
			return fmt.Errorf("approval_required_tools[%d]: empty tool name", i)
		}
	}
	for i, r := range p.Prepare.Rules {
		if r.FromStep < 0 || r.ToStep < 0 {
			return fmt.Errorf("prepare.rules[%d]: negative step bound", i)
		}
		if r.ToStep != 0 && r.FromStep > r.ToStep {
			return fmt.Errorf("prepare.rules[%d]: from_step %d exceeds to_step %d", i, r.FromStep, r.ToStep)
		}
	}
	return nil
}

func (c Condition) validate() error {
	switch c.Kind {
	case KindStepCountIs:
		if c.Count <= 0 {
			return fmt.Errorf("kind %q: count must be positive, got %d", c.Kind, c.Count)
		}
	case KindHasToolCall:
		if c.Tool == "" {
			return fmt.Errorf("kind %q: empty tool name", c.Kind)
		}
	case KindToolCallNeedsApproval:
		for i, t := range c.Tools {
			if t == "" {
				return fmt.Errorf("kind %q: tools[%d] is empty", c.Kind, i)
			}
		}
	case KindToolWithoutExecute:
		// No parameters.
	case KindAssistantTextIncludes:
		if c.Text == "" {
			return fmt.Errorf("kind %q: empty text", c.Kind)
		}
	case KindAssistantTextMatchesRegex:
		if c.Pattern == "" {
			return fmt.Errorf("kind %q: empty pattern", c.Kind)
		}
		if _, err := regexp.Compile(c.Pattern); err != nil {
			return fmt.Errorf("kind %q: invalid pattern: %w", c.Kind, err)
		}
	case KindTotalUsageAtLeast:
		if c.Usage == nil {
			return fmt.Errorf("kind %q: missing usage thresholds", c.Kind)
		}
		if c.Usage.InputTokens < 0 || c.Usage.OutputTokens < 0 || c.Usage.TotalTokens < 0 {
			return fmt.Errorf("kind %q: negative threshold", c.Kind)
		}
		if c.Usage.InputTokens == 0 && c.Usage.OutputTokens == 0 && c.Usage.TotalTokens == 0 {
			return fmt.Errorf("kind %q: all thresholds are zero", c.Kind)
		}
	case KindCostEstimateExceeds:
		if c.MaxUSD <= 0 {
			return fmt.Errorf("kind %q: max_usd must be positive, got %v", c.Kind, c.MaxUSD)
		}
		if c.Rates == nil {
			return fmt.Errorf("kind %q: missing rates", c.Kind)
		}
		if c.Rates.InputPer1K < 0 || c.Rates.OutputPer1K < 0 {
			return fmt.Errorf("kind %q: negative rate", c.Kind)
		}
	case KindExpression:
		if c.Expr == "" {
			return fmt.Errorf("kind %q: empty expression", c.Kind)
		}
	case "":
		return errors.New("missing condition kind")
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}
