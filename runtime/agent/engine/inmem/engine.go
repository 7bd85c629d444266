// Package inmem provides an in-memory implementation of the workflow engine
// for testing and development. Workflows run in their own goroutine,
// activities dispatch immediately in-process, signals travel over buffered
// channels and workflow time is wall time. It is not durable or replay-safe
// and should not be used for production workloads.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ratchet-dev/ratchet/runtime/agent/api"
	"github.com/ratchet-dev/ratchet/runtime/agent/engine"
)

type (
	eng struct {
		mu sync.RWMutex

		workflows map[string]engine.WorkflowDefinition

		stateActivities   map[string]stateActivityDef
		modelActivities   map[string]modelActivityDef
		toolActivities    map[string]toolActivityDef
		publishActivities map[string]publishActivityDef

		statuses map[string]engine.RunStatus
		handles  map[string]*handle
	}

	stateActivityDef struct {
		handler func(context.Context, *api.StateActivityInput) (*api.StateActivityOutput, error)
		opts    engine.ActivityOptions
	}

	modelActivityDef struct {
		handler func(context.Context, *api.ModelActivityInput) (*api.ModelActivityOutput, error)
		opts    engine.ActivityOptions
	}

	toolActivityDef struct {
		handler func(context.Context, *api.ToolActivityInput) (*api.ToolActivityOutput, error)
		opts    engine.ActivityOptions
	}

	publishActivityDef struct {
		handler func(context.Context, *api.PublishActivityInput) error
		opts    engine.ActivityOptions
	}

	childHandle struct {
		h engine.WorkflowHandle
	}

	handle struct {
		mu     sync.Mutex
		done   chan struct{}
		err    error
		result *api.RunOutput
		wfCtx  *wfCtx
	}

	wfCtx struct {
		ctx    context.Context
		cancel context.CancelFunc
		id     string
		runID  string
		eng    *eng

		approvalCh    chan api.ApprovalDecision
		toolResultsCh chan api.ToolResultsSet
		cancelCh      chan api.CancelRequest
		completionCh  chan api.CompletionSignal
	}

	future[T any] struct {
		ready  chan struct{}
		result T
		err    error
	}

	receiver[T any] struct {
		ch chan T
	}
)

// New returns a new in-memory Engine implementation suitable for local
// development, tests, and simple single-process runs.
func New() engine.Engine {
	return &eng{
		statuses: make(map[string]engine.RunStatus),
		handles:  make(map[string]*handle),
	}
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Handler == nil || def.Name == "" {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workflows == nil {
		e.workflows = make(map[string]engine.WorkflowDefinition)
	}
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterStateActivity registers the typed state mutation activity.
func (e *eng) RegisterStateActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.StateActivityInput) (*api.StateActivityOutput, error)) error {
	if name == "" {
		return errors.New("state activity name is required")
	}
	if fn == nil {
		return errors.New("state activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stateActivities == nil {
		e.stateActivities = make(map[string]stateActivityDef)
	}
	if _, dup := e.stateActivities[name]; dup {
		return fmt.Errorf("state activity %q already registered", name)
	}
	e.stateActivities[name] = stateActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterModelActivity registers the typed model completion activity.
func (e *eng) RegisterModelActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.ModelActivityInput) (*api.ModelActivityOutput, error)) error {
	if name == "" {
		return errors.New("model activity name is required")
	}
	if fn == nil {
		return errors.New("model activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.modelActivities == nil {
		e.modelActivities = make(map[string]modelActivityDef)
	}
	if _, dup := e.modelActivities[name]; dup {
		return fmt.Errorf("model activity %q already registered", name)
	}
	e.modelActivities[name] = modelActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterToolActivity registers the typed tool execution activity.
func (e *eng) RegisterToolActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.ToolActivityInput) (*api.ToolActivityOutput, error)) error {
	if name == "" {
		return errors.New("tool activity name is required")
	}
	if fn == nil {
		return errors.New("tool activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.toolActivities == nil {
		e.toolActivities = make(map[string]toolActivityDef)
	}
	if _, dup := e.toolActivities[name]; dup {
		return fmt.Errorf("tool activity %q already registered", name)
	}
	e.toolActivities[name] = toolActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterPublishActivity registers the typed event publishing activity.
func (e *eng) RegisterPublishActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.PublishActivityInput) error) error {
	if name == "" {
		return errors.New("publish activity name is required")
	}
	if fn == nil {
		return errors.New("publish activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.publishActivities == nil {
		e.publishActivities = make(map[string]publishActivityDef)
	}
	if _, dup := e.publishActivities[name]; dup {
		return fmt.Errorf("publish activity %q already registered", name)
	}
	e.publishActivities[name] = publishActivityDef{handler: fn, opts: opts}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}

	wfGoCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wctx := &wfCtx{
		ctx:    wfGoCtx,
		cancel: cancel,
		id:     req.ID,
		// The in-memory engine assigns the workflow ID as the run ID.
		runID: req.ID,
		eng:   e,

		approvalCh:    make(chan api.ApprovalDecision, 1),
		toolResultsCh: make(chan api.ToolResultsSet, 1),
		cancelCh:      make(chan api.CancelRequest, 1),
		completionCh:  make(chan api.CompletionSignal, 8),
	}

	h := &handle{done: make(chan struct{}), wfCtx: wctx}

	e.mu.Lock()
	e.statuses[req.ID] = engine.RunStatusRunning
	e.handles[req.ID] = h
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result = res
		h.err = err
		h.mu.Unlock()
		e.mu.Lock()
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			e.statuses[req.ID] = engine.RunStatusCanceled
		case err != nil:
			e.statuses[req.ID] = engine.RunStatusFailed
		default:
			e.statuses[req.ID] = engine.RunStatusCompleted
		}
		e.mu.Unlock()
	}()

	return h, nil
}

// QueryRunStatus returns the current lifecycle status for a workflow
// execution by checking the in-memory status map.
func (e *eng) QueryRunStatus(_ context.Context, runID string) (engine.RunStatus, error) {
	if runID == "" {
		return "", errors.New("run id is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.statuses[runID]
	if !ok {
		return "", engine.ErrWorkflowNotFound
	}
	return status, nil
}

// SignalByID implements engine.Signaler so the runtime client can deliver
// signals without holding the original handle.
func (e *eng) SignalByID(ctx context.Context, workflowID, _ string, name string, payload any) error {
	e.mu.RLock()
	h, ok := e.handles[workflowID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", engine.ErrWorkflowNotFound, workflowID)
	}
	return h.Signal(ctx, name, payload)
}

func (h *handle) Wait(ctx context.Context) (*api.RunOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	switch {
	case name == api.SignalToolApprovalDecision:
		req, ok := payload.(api.ApprovalDecision)
		if !ok {
			return fmt.Errorf("signal %q expects api.ApprovalDecision, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.approvalCh, req)

	case name == api.SignalExternalToolResults:
		req, ok := payload.(api.ToolResultsSet)
		if !ok {
			return fmt.Errorf("signal %q expects api.ToolResultsSet, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.toolResultsCh, req)

	case name == api.SignalCancelRun:
		req, ok := payload.(api.CancelRequest)
		if !ok {
			return fmt.Errorf("signal %q expects api.CancelRequest, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.cancelCh, req)

	case strings.HasPrefix(name, "agent_completed_"):
		req, ok := payload.(api.CompletionSignal)
		if !ok {
			return fmt.Errorf("signal %q expects api.CompletionSignal, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.completionCh, req)

	default:
		return fmt.Errorf("unknown signal %q", name)
	}
}

func (h *handle) Cancel(ctx context.Context) error {
	// Cooperative: deliver a cancel request; the workflow checks between
	// activities. The workflow goroutine context is also canceled so blocked
	// receives wake up.
	_ = sendSignal(ctx, h.done, h.wfCtx.cancelCh, api.CancelRequest{Reason: "canceled by caller"})
	h.wfCtx.cancel()
	return nil
}

func (w *wfCtx) Context() context.Context {
	return engine.WithWorkflowContext(w.ctx, w)
}

func (w *wfCtx) WorkflowID() string { return w.id }

func (w *wfCtx) RunID() string { return w.runID }

func (w *wfCtx) Now() time.Time { return time.Now() }

// SetQueryHandler is a no-op for the in-memory engine.
func (w *wfCtx) SetQueryHandler(string, any) error { return nil }

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *wfCtx) NewTimer(_ context.Context, d time.Duration) (engine.Future[time.Time], error) {
	fut := &future[time.Time]{ready: make(chan struct{})}
	if d <= 0 {
		fut.result = time.Now()
		close(fut.ready)
		return fut, nil
	}
	go func() {
		defer close(fut.ready)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case t := <-timer.C:
			fut.result = t
		case <-w.ctx.Done():
			fut.err = w.ctx.Err()
		}
	}()
	return fut, nil
}

func (w *wfCtx) ExecuteStateActivity(ctx context.Context, call engine.StateActivityCall) (*api.StateActivityOutput, error) {
	if call.Name == "" {
		return nil, errors.New("state activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("state activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.stateActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("state activity %q not registered", call.Name)
	}
	actCtx, cancel := withOptionalTimeout(ctx, pickTimeout(call.Options, def.opts))
	defer cancel()
	return def.handler(engine.WithActivityContext(actCtx), call.Input)
}

func (w *wfCtx) ExecuteModelActivity(ctx context.Context, call engine.ModelActivityCall) (*api.ModelActivityOutput, error) {
	if call.Name == "" {
		return nil, errors.New("model activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("model activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.modelActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model activity %q not registered", call.Name)
	}
	actCtx, cancel := withOptionalTimeout(ctx, pickTimeout(call.Options, def.opts))
	defer cancel()
	return def.handler(engine.WithActivityContext(actCtx), call.Input)
}

func (w *wfCtx) ExecuteToolActivity(ctx context.Context, call engine.ToolActivityCall) (*api.ToolActivityOutput, error) {
	fut, err := w.ExecuteToolActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *wfCtx) ExecuteToolActivityAsync(ctx context.Context, call engine.ToolActivityCall) (engine.Future[*api.ToolActivityOutput], error) {
	if call.Name == "" {
		return nil, errors.New("tool activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("tool activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.toolActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool activity %q not registered", call.Name)
	}

	fut := &future[*api.ToolActivityOutput]{ready: make(chan struct{})}
	go func() {
		defer close(fut.ready)
		actCtx, cancel := withOptionalTimeout(ctx, pickTimeout(call.Options, def.opts))
		defer cancel()
		fut.result, fut.err = def.handler(engine.WithActivityContext(actCtx), call.Input)
	}()
	return fut, nil
}

func (w *wfCtx) PublishEvent(ctx context.Context, call engine.PublishActivityCall) error {
	if call.Name == "" {
		return errors.New("publish activity name is required")
	}
	if call.Input == nil {
		return errors.New("publish activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.publishActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return fmt.Errorf("publish activity %q not registered", call.Name)
	}
	actCtx, cancel := withOptionalTimeout(ctx, pickTimeout(call.Options, def.opts))
	defer cancel()
	return def.handler(engine.WithActivityContext(actCtx), call.Input)
}

func (w *wfCtx) ApprovalDecisions() engine.Receiver[api.ApprovalDecision] {
	return receiver[api.ApprovalDecision]{ch: w.approvalCh}
}

func (w *wfCtx) ExternalToolResults() engine.Receiver[api.ToolResultsSet] {
	return receiver[api.ToolResultsSet]{ch: w.toolResultsCh}
}

func (w *wfCtx) CancelRequests() engine.Receiver[api.CancelRequest] {
	return receiver[api.CancelRequest]{ch: w.cancelCh}
}

// StartChildWorkflow starts a new in-memory workflow and returns an adapter
// handle.
func (w *wfCtx) StartChildWorkflow(ctx context.Context, req engine.ChildWorkflowRequest) (engine.ChildWorkflowHandle, error) {
	h, err := w.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:          req.ID,
		Workflow:    req.Workflow,
		TaskQueue:   req.TaskQueue,
		Input:       req.Input,
		RunTimeout:  req.RunTimeout,
		RetryPolicy: req.RetryPolicy,
	})
	if err != nil {
		return nil, err
	}
	return &childHandle{h: h}, nil
}

// SignalExternal delivers a signal to another in-memory workflow by ID.
func (w *wfCtx) SignalExternal(ctx context.Context, workflowID, runID, name string, payload any) error {
	return w.eng.SignalByID(ctx, workflowID, runID, name, payload)
}

// WithCancel returns a derived context whose cancellation is independent of
// the parent workflow scope.
func (w *wfCtx) WithCancel() (engine.WorkflowContext, func()) {
	ctx, cancel := context.WithCancel(w.ctx)
	derived := *w
	derived.ctx = ctx
	derived.cancel = cancel
	return &derived, cancel
}

func (c *childHandle) Get(ctx context.Context) (*api.RunOutput, error) {
	return c.h.Wait(ctx)
}

func (c *childHandle) IsReady() bool {
	if h, ok := c.h.(*handle); ok {
		select {
		case <-h.done:
			return true
		default:
			return false
		}
	}
	return false
}

func (c *childHandle) Cancel(ctx context.Context) error {
	return c.h.Cancel(ctx)
}

func (c *childHandle) RunID() string {
	if h, ok := c.h.(*handle); ok {
		return h.wfCtx.runID
	}
	return ""
}

func (r receiver[T]) Receive(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case val := <-r.ch:
		return val, nil
	}
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	select {
	case val := <-r.ch:
		return val, true
	default:
		var zero T
		return zero, false
	}
}

func (f *future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

func (f *future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func sendSignal[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, payload T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return errors.New("workflow completed")
	case ch <- payload:
		return nil
	}
}

func pickTimeout(call, registered engine.ActivityOptions) time.Duration {
	if call.Timeout > 0 {
		return call.Timeout
	}
	return registered.Timeout
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
