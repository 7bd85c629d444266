// Package temporal implements engine.Engine on the Temporal Go SDK.
//
// Workflows run as Temporal workflows, the typed activities (state, model,
// tool, publish) run as Temporal activities, and the signal receivers map to
// Temporal signal channels. The adapter manages one worker per task queue and
// wires OTEL tracing and metrics into the client and workers by default.
package temporal

import (
	"context"
	"fmt"
	"sync"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/ratchet-dev/ratchet/runtime/agent/api"
	"github.com/ratchet-dev/ratchet/runtime/agent/engine"
	"github.com/ratchet-dev/ratchet/runtime/agent/telemetry"
)

type (
	// Options configures the Temporal engine adapter. Either a
	// pre-configured Client or ClientOptions must be provided, and
	// WorkerOptions.TaskQueue must name the default queue.
	Options struct {
		// Client is an optional pre-configured Temporal client. When nil the
		// adapter creates a lazy client from ClientOptions and installs the
		// OTEL interceptors itself.
		Client client.Client

		// ClientOptions describe how to construct the Temporal client when
		// Client is nil. Only connection fields need to be set.
		ClientOptions *client.Options

		// WorkerOptions configures the workers the adapter creates, one per
		// unique task queue. TaskQueue is required and is the default queue
		// used when workflow or activity definitions omit one.
		WorkerOptions WorkerOptions

		// Instrumentation toggles OTEL tracing and metrics. Both are enabled
		// by default.
		Instrumentation InstrumentationOptions

		// DisableWorkerAutoStart disables starting workers on the first
		// StartWorkflow call. Set it to control worker lifecycle through
		// Worker().
		DisableWorkerAutoStart bool

		// Logger receives worker and adapter diagnostics. Nil means no-op.
		Logger telemetry.Logger

		// Metrics records adapter-level metrics. Nil means no-op.
		Metrics telemetry.Metrics

		// Tracer creates adapter-level spans. Nil means no-op.
		Tracer telemetry.Tracer
	}

	// WorkerOptions holds the shared worker settings applied to every task
	// queue the adapter manages.
	WorkerOptions struct {
		// TaskQueue is the default queue. Required.
		TaskQueue string

		// Options are forwarded to Temporal's worker.New.
		Options worker.Options
	}

	// InstrumentationOptions controls the OTEL wiring for the Temporal
	// client and workers.
	InstrumentationOptions struct {
		// DisableTracing skips the OTEL tracing interceptor.
		DisableTracing bool

		// DisableMetrics skips the OTEL metrics handler.
		DisableMetrics bool

		// TracerOptions customize the tracing interceptor.
		TracerOptions temporalotel.TracerOptions

		// MetricsOptions customize the metrics handler.
		MetricsOptions temporalotel.MetricsHandlerOptions
	}

	// Engine implements engine.Engine and engine.Signaler on Temporal. All
	// methods are safe for concurrent use.
	Engine struct {
		client      client.Client
		closeClient bool

		defaultQueue      string
		workerOpts        worker.Options
		autoStartDisabled bool

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		mu              sync.Mutex
		workers         map[string]*workerBundle
		workersStarted  bool
		workflows       map[string]engine.WorkflowDefinition
		activityOptions map[string]engine.ActivityOptions

		workflowContexts sync.Map // runID -> engine.WorkflowContext
		baseContexts     sync.Map // runID -> context.Context
	}
)

// New constructs a Temporal engine adapter. Either Client or ClientOptions
// must be provided, and the default task queue must be configured.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow registers a workflow definition with the worker for its
// task queue. The handler is wrapped so it receives an engine.WorkflowContext
// backed by the Temporal workflow context.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow %q has no handler", def.Name)
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	handler := def.Handler
	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *api.RunInput) (*api.RunOutput, error) {
		wfCtx := newTemporalWorkflowContext(e, tctx)
		defer e.releaseWorkflowContext(wfCtx.RunID())
		return handler(wfCtx, input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterStateActivity registers the typed state activity.
func (e *Engine) RegisterStateActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.StateActivityInput) (*api.StateActivityOutput, error)) error {
	return registerTyped(e, name, opts, fn)
}

// RegisterModelActivity registers the typed model activity.
func (e *Engine) RegisterModelActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.ModelActivityInput) (*api.ModelActivityOutput, error)) error {
	return registerTyped(e, name, opts, fn)
}

// RegisterToolActivity registers the typed tool activity.
func (e *Engine) RegisterToolActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.ToolActivityInput) (*api.ToolActivityOutput, error)) error {
	return registerTyped(e, name, opts, fn)
}

// RegisterPublishActivity registers the typed event publish activity.
func (e *Engine) RegisterPublishActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.PublishActivityInput) error) error {
	if name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, func(actx context.Context, input *api.PublishActivityInput) error {
		return fn(e.decorateActivityContext(actx, name), input)
	})
	e.storeActivityOptions(name, opts)
	return nil
}

// registerTyped wraps and registers an activity with (input) -> (output, error)
// shape so Temporal decodes payloads directly into the typed structs.
func registerTyped[I, O any](e *Engine, name string, opts engine.ActivityOptions, fn func(context.Context, I) (O, error)) error {
	if name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, func(actx context.Context, input I) (O, error) {
		return fn(e.decorateActivityContext(actx, name), input)
	})
	e.storeActivityOptions(name, opts)
	return nil
}

// decorateActivityContext attaches the owning workflow context and the
// caller's telemetry context to an activity invocation context.
func (e *Engine) decorateActivityContext(actx context.Context, name string) context.Context {
	runID, wfCtx := e.lookupWorkflowContext(actx)
	if wfCtx != nil {
		actx = engine.WithWorkflowContext(actx, wfCtx)
	} else if runID != "" {
		e.logger.Warn(actx, "workflow context not found for activity", "run_id", runID, "activity", name)
	}
	if base := e.workflowBaseContext(runID); base != nil {
		actx = telemetry.MergeContext(actx, base)
	}
	return engine.WithActivityContext(actx)
}

func (e *Engine) storeActivityOptions(name string, opts engine.ActivityOptions) {
	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
}

// StartWorkflow launches a workflow execution. The task queue resolves in
// order req.TaskQueue, definition queue, engine default. Workers are started
// on first use unless auto-start is disabled.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                 req.ID,
		TaskQueue:          queue,
		WorkflowRunTimeout: req.RunTimeout,
	}
	if len(req.Memo) > 0 {
		opts.Memo = req.Memo
	}
	if len(req.SearchAttributes) > 0 {
		opts.SearchAttributes = req.SearchAttributes
	}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, err
	}
	e.baseContexts.Store(run.GetRunID(), context.WithoutCancel(ctx))

	return &workflowHandle{run: run, client: e.client}, nil
}

// QueryRunStatus maps the Temporal execution status for the workflow
// identified by runID (the workflow ID) onto engine.RunStatus. Suspension is
// a workflow-level concept; Temporal reports suspended runs as running.
func (e *Engine) QueryRunStatus(ctx context.Context, runID string) (engine.RunStatus, error) {
	if runID == "" {
		return "", fmt.Errorf("temporal engine: workflow id is required")
	}
	resp, err := e.client.DescribeWorkflowExecution(ctx, runID, "")
	if err != nil {
		return "", engine.ErrWorkflowNotFound
	}
	info := resp.GetWorkflowExecutionInfo()
	if info == nil {
		return "", engine.ErrWorkflowNotFound
	}
	switch info.GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return engine.RunStatusRunning, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusCompleted, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return engine.RunStatusCanceled, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.RunStatusFailed, nil
	default:
		return engine.RunStatusPending, nil
	}
}

// SignalByID sends a signal to a workflow by workflow ID and optional run ID.
func (e *Engine) SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error {
	if workflowID == "" {
		return fmt.Errorf("temporal engine: workflow id is required")
	}
	return e.client.SignalWorkflow(ctx, workflowID, runID, name, payload)
}

// Worker returns a controller for the lifecycle of all workers managed by
// this engine. Needed only when DisableWorkerAutoStart is set.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the Temporal client when the engine created it. A client
// supplied through Options.Client stays open.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}

	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{
		queue:  queue,
		worker: w,
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) trackWorkflowContext(runID string, wf engine.WorkflowContext) {
	if runID == "" {
		return
	}
	e.workflowContexts.Store(runID, wf)
}

func (e *Engine) releaseWorkflowContext(runID string) {
	if runID == "" {
		return
	}
	e.workflowContexts.Delete(runID)
	e.baseContexts.Delete(runID)
}

func (e *Engine) lookupWorkflowContext(ctx context.Context) (string, engine.WorkflowContext) {
	info := activity.GetInfo(ctx)
	runID := info.WorkflowExecution.RunID
	if runID == "" {
		return "", nil
	}
	if wf, ok := e.workflowContexts.Load(runID); ok {
		if typed, ok := wf.(engine.WorkflowContext); ok {
			return runID, typed
		}
	}
	return runID, nil
}

func (e *Engine) workflowBaseContext(runID string) context.Context {
	if runID == "" {
		return nil
	}
	if base, ok := e.baseContexts.Load(runID); ok {
		if ctx, ok := base.(context.Context); ok {
			return ctx
		}
	}
	return nil
}

// WorkerController starts and stops the workers for every task queue the
// engine manages. Controllers obtained from the same engine share state.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Workers registered afterwards start
// as they are created.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers managed by the engine.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()

	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context) (*api.RunOutput, error) {
	var out api.RunOutput
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
