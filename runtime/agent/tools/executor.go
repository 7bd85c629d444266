package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ratchet-dev/ratchet/runtime/agent/state"
	"github.com/ratchet-dev/ratchet/runtime/agent/telemetry"
)

// DefaultTimeout bounds a tool invocation when neither the tool nor the
// executor options specify one.
const DefaultTimeout = 30 * time.Second

// TruncationMarker is appended to results cut at the byte limit.
const TruncationMarker = "\n[result truncated]"

type (
	// Executor invokes registered tools and records every invocation.
	// Execution never returns an error to the workflow: failures, panics,
	// timeouts and validation errors all become failure results the model
	// can observe and react to.
	Executor struct {
		registry *Registry
		timeout  time.Duration
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu      sync.Mutex
		schemas map[string]*jsonschema.Schema
	}

	// ExecutorOptions configures New.
	ExecutorOptions struct {
		// Registry supplies the callable tools. Required.
		Registry *Registry
		// DefaultTimeout bounds invocations of tools that declare none.
		// Zero means DefaultTimeout.
		DefaultTimeout time.Duration
		// Logger receives execution diagnostics. Nil means no-op.
		Logger telemetry.Logger
		// Metrics records invocation counts and latencies. Nil means no-op.
		Metrics telemetry.Metrics
	}

	// Execution is the outcome of one tool invocation.
	Execution struct {
		// Record is the audit entry. Zero-valued when DeclarationOnly.
		Record state.ToolExecutionRecord
		// Message is the tool-role transcript turn answering the call.
		// Zero-valued when DeclarationOnly.
		Message state.Message
		// DeclarationOnly reports that the tool has no local implementation.
		DeclarationOnly bool
		// Failed reports that the invocation errored; the failure is
		// serialized into Message content.
		Failed bool
	}

	// failure is the structured error shape surfaced in tool-result content.
	failure struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
)

// NewExecutor validates opts and constructs an Executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Registry == nil {
		return nil, errors.New("tools: ExecutorOptions.Registry is required")
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Executor{
		registry: opts.Registry,
		timeout:  opts.DefaultTimeout,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		schemas:  make(map[string]*jsonschema.Schema),
	}, nil
}

// Execute runs one tool call to completion. maxResultBytes truncates the
// result when positive. An unregistered or declaration-only tool yields a
// DeclarationOnly outcome, which the state machine turns into an
// awaiting_external_tool suspension rather than an error.
func (e *Executor) Execute(ctx context.Context, call state.ToolCall, maxResultBytes int) Execution {
	tool, err := e.registry.Lookup(call.Name)
	if err != nil || tool.Execute == nil {
		return Execution{DeclarationOnly: true}
	}

	start := time.Now()
	result, execErr := e.invoke(ctx, tool, call)
	e.metrics.RecordTimer("agent.tool.duration", time.Since(start), "tool", call.Name)

	var content string
	failed := false
	if execErr != nil {
		failed = true
		e.metrics.IncCounter("agent.tool.failures", 1, "tool", call.Name)
		e.logger.Warn(ctx, "tool execution failed", "tool", call.Name, "tool_call_id", call.ID, "err", execErr.Error())
		content = marshalFailure(call.Name, execErr)
	} else {
		content = marshalResult(result)
	}

	if maxResultBytes > 0 && len(content) > maxResultBytes {
		cut := maxResultBytes
		if cut > len(content) {
			cut = len(content)
		}
		content = content[:cut] + TruncationMarker
	}

	now := time.Now().UTC()
	rec := state.ToolExecutionRecord{
		ID:         uuid.NewString(),
		Timestamp:  now,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		ToolArgs:   call.Arguments,
		Result:     content,
	}
	msg := state.Message{
		ID:         uuid.NewString(),
		Role:       "tool",
		Content:    content,
		Name:       call.Name,
		ToolCallID: call.ID,
		Timestamp:  now,
	}
	return Execution{Record: rec, Message: msg, Failed: failed}
}

// invoke validates arguments, applies the timeout and captures panics.
func (e *Executor) invoke(ctx context.Context, tool Tool, call state.ToolCall) (result any, err error) {
	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	if len(tool.InputSchema) > 0 {
		if verr := e.validateArgs(tool, args); verr != nil {
			return nil, fmt.Errorf("invalid arguments: %w", verr)
		}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("tool panicked: %v", r)
			}
		}()
		result, err = tool.Execute(ctx, args)
	}()

	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		// The goroutine may still be running; its result is discarded. The
		// timeout becomes a failure result, never a hung workflow.
		return nil, fmt.Errorf("tool timed out after %s", timeout)
	}
}

// validateArgs checks args against the tool's JSON schema, compiling and
// caching the schema on first use. A schema that fails to compile is a
// configuration error surfaced as a tool failure.
func (e *Executor) validateArgs(tool Tool, args json.RawMessage) error {
	sch, err := e.schemaFor(tool)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return err
	}
	return nil
}

func (e *Executor) schemaFor(tool Tool) (*jsonschema.Schema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sch, ok := e.schemas[tool.Name]; ok {
		return sch, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(tool.InputSchema)))
	if err != nil {
		return nil, fmt.Errorf("tool %q schema is not valid JSON: %w", tool.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := tool.Name + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("tool %q schema: %w", tool.Name, err)
	}
	sch, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("tool %q schema does not compile: %w", tool.Name, err)
	}
	e.schemas[tool.Name] = sch
	return sch, nil
}

func marshalResult(result any) string {
	if result == nil {
		return "null"
	}
	if s, ok := result.(string); ok {
		return s
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}

func marshalFailure(name string, err error) string {
	data, merr := json.Marshal(failure{Name: name, Message: err.Error()})
	if merr != nil {
		return fmt.Sprintf(`{"name":%q,"message":"tool failed"}`, name)
	}
	return string(data)
}
