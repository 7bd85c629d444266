// Package engine defines the durable workflow abstractions the agent runtime
// executes on. It provides pluggable interfaces so the run state machine can
// target Temporal, in-memory, or custom backends without modification.
//
// # Core Abstractions
//
//   - Engine: registers the agent workflow and its typed activities and
//     starts workflow executions. The runtime calls Engine methods during
//     agent registration and run submission.
//
//   - WorkflowContext: deterministic operations inside workflow handlers.
//     The run state machine uses it to schedule activities, receive signals
//     and start child workflows. Implementations must be replay-safe.
//
//   - WorkflowHandle: a running workflow. Callers wait for completion, send
//     signals, or cancel through it.
//
//   - Future[T]: a pending activity result. Enables concurrent tool
//     execution: launch several tool activities, collect results later.
//
//   - Receiver[T]: typed signal delivery (approval decisions, external tool
//     results, cancellation) in a deterministic way.
//
// # Determinism Requirements
//
// Workflow handlers run in a deterministic environment where the same inputs
// and history must produce the same outputs. WorkflowContext enforces this by
// providing Now() instead of time.Now(), requiring activities for all I/O,
// and using replay-safe signal channels. Activities (model calls, tool
// execution, state writes, event publishes) are NOT deterministic and can
// perform arbitrary I/O; the engine records their outputs and replays them
// during recovery.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/ratchet-dev/ratchet/runtime/agent/api"
)

// RunStatus represents the lifecycle state of a workflow execution.
type RunStatus string

const (
	// RunStatusPending indicates the workflow has been accepted but not started yet.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates the workflow is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the workflow finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the workflow failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the workflow was canceled externally.
	RunStatusCanceled RunStatus = "canceled"
	// RunStatusPaused indicates execution is suspended awaiting external
	// intervention (tool approval or external tool results).
	RunStatusPaused RunStatus = "paused"
)

// ErrWorkflowNotFound indicates that no workflow execution exists for the
// given identifier.
var ErrWorkflowNotFound = errors.New("workflow not found")

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory, or custom) can be swapped without touching the
	// runtime. Implementations translate these generic types into
	// backend-specific primitives.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterStateActivity registers the typed activity that applies a
		// state mutation through the optimistic-concurrency update loop.
		RegisterStateActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.StateActivityInput) (*api.StateActivityOutput, error)) error

		// RegisterModelActivity registers the typed activity that performs
		// one model completion.
		RegisterModelActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.ModelActivityInput) (*api.ModelActivityOutput, error)) error

		// RegisterToolActivity registers the typed activity that executes
		// one tool call.
		RegisterToolActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.ToolActivityInput) (*api.ToolActivityOutput, error)) error

		// RegisterPublishActivity registers the typed activity that emits
		// run progress events outside the deterministic workflow thread.
		RegisterPublishActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.PublishActivityInput) error) error

		// StartWorkflow initiates a new workflow execution and returns a
		// handle for interacting with it. The workflow ID in req must be
		// unique for the engine instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// QueryRunStatus returns the current lifecycle status for a workflow
		// execution identified by runID. The engine is the source of truth
		// for workflow status.
		QueryRunStatus(ctx context.Context, runID string) (RunStatus, error)
	}

	// Signaler provides direct signaling by workflow ID without relying on
	// in-process workflow handles. Engines that support out-of-process
	// signaling (e.g. Temporal) implement this so the runtime can deliver
	// approval/results/cancel signals across process restarts.
	Signaler interface {
		// SignalByID sends a signal to the workflow identified by workflowID
		// and optional runID. The payload must be serializable by the engine
		// client.
		SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the default queue used when starting new workflows.
		TaskQueue string
		// Handler is the workflow function invoked when the workflow executes.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the workflow entry point. It receives a
	// WorkflowContext and a typed RunInput, returning a typed RunOutput.
	// Implementations must be deterministic with respect to activity results.
	WorkflowFunc func(ctx WorkflowContext, input *api.RunInput) (*api.RunOutput, error)

	// WorkflowContext exposes engine operations to workflow handlers within
	// the deterministic execution environment of a workflow.
	//
	// Thread-safety: bound to a single workflow execution; must not be
	// shared across goroutines. Lifecycle: valid from workflow start until
	// completion; do not cache outside the workflow function scope.
	WorkflowContext interface {
		// Context returns the Go context for the workflow. In deterministic
		// engines this is a replay-aware context.
		Context() context.Context

		// SetQueryHandler registers a read-only query handler external
		// clients can invoke to retrieve workflow state. Handlers must be
		// deterministic and side-effect free.
		SetQueryHandler(name string, handler any) error

		// WorkflowID returns the unique identifier for this execution.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteStateActivity schedules the state activity and blocks until
		// the mutation is durably applied.
		ExecuteStateActivity(ctx context.Context, call StateActivityCall) (*api.StateActivityOutput, error)

		// ExecuteModelActivity schedules the model activity and blocks until
		// the completion returns.
		ExecuteModelActivity(ctx context.Context, call ModelActivityCall) (*api.ModelActivityOutput, error)

		// ExecuteToolActivity schedules a tool activity and blocks until it
		// completes. Used for sequential execution.
		ExecuteToolActivity(ctx context.Context, call ToolActivityCall) (*api.ToolActivityOutput, error)

		// ExecuteToolActivityAsync schedules a tool activity and returns a
		// Future so workflows can run independent tools concurrently.
		ExecuteToolActivityAsync(ctx context.Context, call ToolActivityCall) (Future[*api.ToolActivityOutput], error)

		// PublishEvent schedules the publish activity for a run progress
		// event. Best-effort: implementations surface errors but callers
		// treat them as non-fatal.
		PublishEvent(ctx context.Context, call PublishActivityCall) error

		// ApprovalDecisions returns a typed receiver for tool approval
		// decision signals.
		ApprovalDecisions() Receiver[api.ApprovalDecision]

		// ExternalToolResults returns a typed receiver for external tool
		// result signals.
		ExternalToolResults() Receiver[api.ToolResultsSet]

		// CancelRequests returns a typed receiver for cancellation signals.
		CancelRequests() Receiver[api.CancelRequest]

		// Now returns the current workflow time in a deterministic manner.
		Now() time.Time

		// NewTimer returns a Future that becomes ready after d elapses in
		// workflow time. A non-positive duration produces an already-ready
		// Future.
		NewTimer(ctx context.Context, d time.Duration) (Future[time.Time], error)

		// Await blocks until condition returns true, or ctx is done.
		// Condition must be deterministic and side-effect free.
		Await(ctx context.Context, condition func() bool) error

		// StartChildWorkflow starts a child workflow execution and returns a
		// handle to await its completion or cancel it. Used by agent-decided
		// orchestration for nested decision runs.
		StartChildWorkflow(ctx context.Context, req ChildWorkflowRequest) (ChildWorkflowHandle, error)

		// SignalExternal raises a signal on another workflow execution,
		// identified by workflow ID and optional run ID. Used to deliver the
		// completion signal to a parent run.
		SignalExternal(ctx context.Context, workflowID, runID, name string, payload any) error

		// WithCancel returns a derived WorkflowContext whose cancellation
		// can be triggered independently of the parent workflow scope.
		WithCancel() (WorkflowContext, func())
	}

	// Future represents a pending activity result. Get may be called
	// multiple times and returns the same result/error each call. IsReady
	// enables waiting on several futures without draining them in a fixed
	// order.
	Future[T any] interface {
		// Get blocks until the activity completes and returns the typed result.
		Get(ctx context.Context) (T, error)

		// IsReady returns true once the activity has completed (success or
		// failure) and Get will not block.
		IsReady() bool
	}

	// Receiver exposes typed workflow signal delivery in an engine-agnostic
	// way. Implementations wrap engine-specific channels and provide
	// blocking and non-blocking receive helpers.
	Receiver[T any] interface {
		// Receive blocks until a signal value is delivered and returns it.
		Receive(ctx context.Context) (T, error)

		// ReceiveAsync attempts to receive a signal without blocking.
		ReceiveAsync() (T, bool)
	}

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue. If empty, the activity
		// inherits the workflow's task queue.
		Queue string
		// RetryPolicy controls retry behavior. Zero-valued means engine
		// defaults.
		RetryPolicy RetryPolicy
		// Timeout bounds the total activity execution time including
		// retries. Zero means no timeout (not recommended for production).
		Timeout time.Duration
	}

	// StateActivityCall describes one invocation of the state activity.
	StateActivityCall struct {
		// Name identifies the registered state activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.StateActivityInput
		// Options overrides the registered activity defaults for this call.
		Options ActivityOptions
	}

	// ModelActivityCall describes one invocation of the model activity.
	ModelActivityCall struct {
		Name    string
		Input   *api.ModelActivityInput
		Options ActivityOptions
	}

	// ToolActivityCall describes one invocation of a tool activity.
	ToolActivityCall struct {
		Name    string
		Input   *api.ToolActivityInput
		Options ActivityOptions
	}

	// PublishActivityCall describes one invocation of the publish activity.
	PublishActivityCall struct {
		Name    string
		Input   *api.PublishActivityInput
		Options ActivityOptions
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier, unique within the engine scope.
		// Typically derived from the agent ID and a UUID.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule the workflow on.
		TaskQueue string
		// Input is the typed payload passed to the workflow handler.
		Input *api.RunInput
		// RunTimeout bounds the total workflow execution time at the engine
		// level. Zero means the engine default.
		RunTimeout time.Duration
		// Memo stores small diagnostic payloads alongside the execution.
		Memo map[string]any
		// SearchAttributes captures indexed metadata for visibility queries.
		SearchAttributes map[string]any
		// RetryPolicy controls automatic restarts of the workflow start
		// attempt if scheduling fails. Not activity retries.
		RetryPolicy RetryPolicy
	}

	// WorkflowHandle allows callers to interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes and returns the typed
		// result. Returns an error if the workflow fails or is canceled.
		Wait(ctx context.Context) (*api.RunOutput, error)

		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean engine defaults.
	RetryPolicy struct {
		// MaxAttempts caps the total number of attempts. Zero means
		// unlimited retries.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// MaxInterval caps the delay between retries.
		MaxInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry. Values
		// < 1 are treated as 1 (constant backoff).
		BackoffCoefficient float64
	}

	// ChildWorkflowRequest describes a child workflow to start from within
	// an existing workflow execution.
	ChildWorkflowRequest struct {
		// ID is the child workflow identifier, unique within the engine scope.
		ID string
		// Workflow is the workflow name to execute.
		Workflow string
		// TaskQueue is the queue to schedule the child on.
		TaskQueue string
		// Input is the payload passed to the child workflow handler.
		Input *api.RunInput
		// RunTimeout bounds the total child workflow execution time.
		RunTimeout time.Duration
		// RetryPolicy controls start retries for the child workflow.
		RetryPolicy RetryPolicy
	}

	// ChildWorkflowHandle allows a parent workflow to await or cancel a
	// child workflow.
	ChildWorkflowHandle interface {
		// Get waits for child completion and returns the typed result.
		Get(ctx context.Context) (*api.RunOutput, error)
		// IsReady returns true once the child has completed and Get will
		// not block.
		IsReady() bool
		// Cancel requests cancellation of the child workflow execution.
		Cancel(ctx context.Context) error
		// RunID returns the engine-assigned run identifier of the child.
		RunID() string
	}
)
