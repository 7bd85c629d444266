// Package runtime hosts the agent run state machine: a bounded
// reason-tools-observe loop executed as a durable workflow. The workflow
// thread stays deterministic; all I/O (model calls, tool execution, state
// writes, event publishes) happens in typed activities registered on the
// engine.
//
// A Runtime wires an engine, a state store, a model client and the optional
// messaging and registry layers into one unit. Agents register through
// RegisterAgent; runs start, resume and cancel through the Client.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ratchet-dev/ratchet/runtime/agent/engine"
	"github.com/ratchet-dev/ratchet/runtime/agent/guard"
	"github.com/ratchet-dev/ratchet/runtime/agent/messaging"
	"github.com/ratchet-dev/ratchet/runtime/agent/model"
	"github.com/ratchet-dev/ratchet/runtime/agent/policy"
	"github.com/ratchet-dev/ratchet/runtime/agent/registry"
	"github.com/ratchet-dev/ratchet/runtime/agent/state"
	"github.com/ratchet-dev/ratchet/runtime/agent/telemetry"
	"github.com/ratchet-dev/ratchet/runtime/agent/tools"
)

// DefaultMaxIterations is the hard iteration ceiling enforced independently
// of the loop policy. A run never loops past it even when the policy is
// misconfigured.
const DefaultMaxIterations = 100

// Names under which the agent workflow and its activities register on the
// engine. One registration serves every agent; payloads carry the agent ID.
const (
	WorkflowName        = "agent_run"
	StateActivityName   = "agent_state"
	ModelActivityName   = "agent_model"
	ToolActivityName    = "agent_tool"
	PublishActivityName = "agent_publish"
)

// ErrAgentNotRegistered indicates no agent exists under the requested name.
var ErrAgentNotRegistered = errors.New("runtime: agent not registered")

type (
	// Runtime hosts registered agents and their shared infrastructure. Safe
	// for concurrent use after New.
	Runtime struct {
		engine     engine.Engine
		store      state.Store
		model      model.Client
		messenger  messaging.Messenger
		events     messaging.EventSink
		registry   registry.Registry
		predicates policy.PredicateEvaluator

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		taskQueue     string
		maxIterations int
		modelRetry    engine.RetryPolicy
		modelTimeout  time.Duration
		toolTimeout   time.Duration

		mu         sync.RWMutex
		agents     map[string]*agentEntry
		registered bool
	}

	// agentEntry is the process-local registration of one agent.
	agentEntry struct {
		def      AgentDefinition
		registry *tools.Registry
		executor *tools.Executor
	}

	// AgentDefinition describes one agent to RegisterAgent.
	AgentDefinition struct {
		// Name is the unique agent identifier. Required.
		Name string
		// Instructions is the agent's base system prompt.
		Instructions string
		// Model is the default provider model identifier. PrepareStep rules
		// may override it per step.
		Model string
		// Policy is the loop policy governing the agent's runs. Required; it
		// is validated eagerly at registration.
		Policy *policy.LoopPolicy
		// Tools are the agent's callable and declaration-only tools.
		Tools []tools.Tool
		// Guards screen the triggering input before the first model call.
		Guards []guard.Guard
		// Client overrides the runtime's model client for this agent.
		Client model.Client
		// Topic and Channel are the messaging topology recorded in the agent
		// registry for direct messages and broadcasts.
		Topic   string
		Channel string
		// Role and Goal are surfaced to orchestration prompts.
		Role string
		Goal string
	}

	// Option configures New.
	Option func(*Runtime)
)

// WithEngine sets the durable workflow engine. Required.
func WithEngine(e engine.Engine) Option {
	return func(rt *Runtime) { rt.engine = e }
}

// WithStore sets the run state store. Required.
func WithStore(s state.Store) Option {
	return func(rt *Runtime) { rt.store = s }
}

// WithModelClient sets the default model client. Required unless every agent
// carries its own.
func WithModelClient(c model.Client) Option {
	return func(rt *Runtime) { rt.model = c }
}

// WithMessenger sets the agent-to-agent messenger.
func WithMessenger(m messaging.Messenger) Option {
	return func(rt *Runtime) { rt.messenger = m }
}

// WithEventSink sets the run-event sink the publish activity feeds. Nil means
// events are discarded.
func WithEventSink(s messaging.EventSink) Option {
	return func(rt *Runtime) { rt.events = s }
}

// WithRegistry sets the agent registry.
func WithRegistry(r registry.Registry) Option {
	return func(rt *Runtime) { rt.registry = r }
}

// WithPredicateEvaluator sets the expression evaluator used by Expression
// stop conditions and rule predicates.
func WithPredicateEvaluator(pe policy.PredicateEvaluator) Option {
	return func(rt *Runtime) { rt.predicates = pe }
}

// WithLogger sets the logger. Nil means no-op.
func WithLogger(l telemetry.Logger) Option {
	return func(rt *Runtime) { rt.logger = l }
}

// WithMetrics sets the metrics recorder. Nil means no-op.
func WithMetrics(m telemetry.Metrics) Option {
	return func(rt *Runtime) { rt.metrics = m }
}

// WithTracer sets the tracer. Nil means no-op.
func WithTracer(t telemetry.Tracer) Option {
	return func(rt *Runtime) { rt.tracer = t }
}

// WithTaskQueue sets the engine task queue runs are scheduled on.
func WithTaskQueue(queue string) Option {
	return func(rt *Runtime) { rt.taskQueue = queue }
}

// WithMaxIterations sets the hard iteration ceiling. Zero or negative keeps
// DefaultMaxIterations.
func WithMaxIterations(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.maxIterations = n
		}
	}
}

// WithModelRetryPolicy sets the retry policy applied to model activities.
func WithModelRetryPolicy(rp engine.RetryPolicy) Option {
	return func(rt *Runtime) { rt.modelRetry = rp }
}

// WithModelTimeout bounds one model activity attempt including retries.
func WithModelTimeout(d time.Duration) Option {
	return func(rt *Runtime) { rt.modelTimeout = d }
}

// WithToolTimeout bounds one tool activity.
func WithToolTimeout(d time.Duration) Option {
	return func(rt *Runtime) { rt.toolTimeout = d }
}

// New wires a Runtime. Engine, store and model client are required (the model
// client may instead come per-agent through AgentDefinition.Client).
func New(opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		maxIterations: DefaultMaxIterations,
		modelRetry: engine.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    time.Second,
			MaxInterval:        30 * time.Second,
			BackoffCoefficient: 2,
		},
		modelTimeout: 5 * time.Minute,
		toolTimeout:  2 * time.Minute,
		agents:       make(map[string]*agentEntry),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.engine == nil {
		return nil, errors.New("runtime: WithEngine is required")
	}
	if rt.store == nil {
		return nil, errors.New("runtime: WithStore is required")
	}
	if rt.logger == nil {
		rt.logger = telemetry.NewNoopLogger()
	}
	if rt.metrics == nil {
		rt.metrics = telemetry.NewNoopMetrics()
	}
	if rt.tracer == nil {
		rt.tracer = telemetry.NewNoopTracer()
	}
	if rt.events == nil {
		rt.events = messaging.NoopSink{}
	}
	return rt, nil
}

// RegisterAgent validates def, records the agent and registers the shared
// workflow and activities on the engine (first call only). The agent is also
// announced in the agent registry when one is configured.
func (rt *Runtime) RegisterAgent(ctx context.Context, def AgentDefinition) error {
	if def.Name == "" {
		return errors.New("runtime: AgentDefinition.Name is required")
	}
	if def.Policy == nil {
		return fmt.Errorf("runtime: agent %q: AgentDefinition.Policy is required", def.Name)
	}
	if err := def.Policy.Validate(); err != nil {
		return fmt.Errorf("runtime: agent %q: invalid policy: %w", def.Name, err)
	}
	if def.Client == nil && rt.model == nil {
		return fmt.Errorf("runtime: agent %q: no model client configured", def.Name)
	}

	toolReg := tools.NewRegistry()
	for _, t := range def.Tools {
		if err := toolReg.Register(t); err != nil {
			return fmt.Errorf("runtime: agent %q: %w", def.Name, err)
		}
	}
	exec, err := tools.NewExecutor(tools.ExecutorOptions{
		Registry:       toolReg,
		DefaultTimeout: rt.toolTimeout,
		Logger:         rt.logger,
		Metrics:        rt.metrics,
	})
	if err != nil {
		return fmt.Errorf("runtime: agent %q: %w", def.Name, err)
	}

	rt.mu.Lock()
	if _, exists := rt.agents[def.Name]; exists {
		rt.mu.Unlock()
		return fmt.Errorf("runtime: agent %q already registered", def.Name)
	}
	rt.agents[def.Name] = &agentEntry{def: def, registry: toolReg, executor: exec}
	needEngine := !rt.registered
	rt.registered = true
	rt.mu.Unlock()

	if needEngine {
		if err := rt.registerOnEngine(ctx); err != nil {
			rt.mu.Lock()
			delete(rt.agents, def.Name)
			rt.registered = false
			rt.mu.Unlock()
			return err
		}
	}

	if rt.registry != nil {
		entry := registry.Entry{
			Name:    def.Name,
			Topic:   def.Topic,
			Channel: def.Channel,
			Role:    def.Role,
			Goal:    def.Goal,
		}
		if err := rt.registry.Register(ctx, entry); err != nil {
			return fmt.Errorf("runtime: agent %q: registry: %w", def.Name, err)
		}
	}

	rt.logger.Info(ctx, "agent registered", "agent", def.Name, "tools", len(def.Tools))
	return nil
}

// registerOnEngine installs the shared workflow and the four typed activities.
func (rt *Runtime) registerOnEngine(ctx context.Context) error {
	wf := engine.WorkflowDefinition{
		Name:      WorkflowName,
		TaskQueue: rt.taskQueue,
		Handler:   rt.runWorkflow,
	}
	if err := rt.engine.RegisterWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("runtime: register workflow: %w", err)
	}

	stateOpts := engine.ActivityOptions{
		Queue:   rt.taskQueue,
		Timeout: 30 * time.Second,
		RetryPolicy: engine.RetryPolicy{
			MaxAttempts:        5,
			InitialInterval:    200 * time.Millisecond,
			MaxInterval:        5 * time.Second,
			BackoffCoefficient: 2,
		},
	}
	if err := rt.engine.RegisterStateActivity(ctx, StateActivityName, stateOpts, rt.stateActivity); err != nil {
		return fmt.Errorf("runtime: register state activity: %w", err)
	}

	modelOpts := engine.ActivityOptions{
		Queue:       rt.taskQueue,
		Timeout:     rt.modelTimeout,
		RetryPolicy: rt.modelRetry,
	}
	if err := rt.engine.RegisterModelActivity(ctx, ModelActivityName, modelOpts, rt.modelActivity); err != nil {
		return fmt.Errorf("runtime: register model activity: %w", err)
	}

	toolOpts := engine.ActivityOptions{
		Queue:   rt.taskQueue,
		Timeout: rt.toolTimeout,
		// Tool failures surface as results, not errors, so no retries: the
		// executor already converts errors, panics and timeouts.
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}
	if err := rt.engine.RegisterToolActivity(ctx, ToolActivityName, toolOpts, rt.toolActivity); err != nil {
		return fmt.Errorf("runtime: register tool activity: %w", err)
	}

	publishOpts := engine.ActivityOptions{
		Queue:       rt.taskQueue,
		Timeout:     10 * time.Second,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}
	if err := rt.engine.RegisterPublishActivity(ctx, PublishActivityName, publishOpts, rt.publishActivity); err != nil {
		return fmt.Errorf("runtime: register publish activity: %w", err)
	}
	return nil
}

// agent returns the registration for name.
func (rt *Runtime) agent(name string) (*agentEntry, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	a, ok := rt.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotRegistered, name)
	}
	return a, nil
}

// modelClientFor returns the agent's model client, falling back to the
// runtime default.
func (rt *Runtime) modelClientFor(a *agentEntry) model.Client {
	if a.def.Client != nil {
		return a.def.Client
	}
	return rt.model
}

// stateKeyFor resolves the store key for a run: explicit input key, then the
// policy override, then the {agentName}:workflow_state convention.
func stateKeyFor(agentName string, pol *policy.LoopPolicy, inputKey string) string {
	if inputKey != "" {
		return inputKey
	}
	if pol != nil && pol.StateKey != "" {
		return pol.StateKey
	}
	return state.DefaultKey(agentName)
}

// Messenger returns the configured messenger, or nil when messaging is not
// wired.
func (rt *Runtime) Messenger() messaging.Messenger { return rt.messenger }

// Registry returns the configured agent registry, or nil.
func (rt *Runtime) Registry() registry.Registry { return rt.registry }

// Store returns the run state store.
func (rt *Runtime) Store() state.Store { return rt.store }
