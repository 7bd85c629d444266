// Package model defines the single call-a-model capability the runtime
// depends on. Provider SDKs (OpenAI, Anthropic, Bedrock) are adapted to the
// Client interface under features/model; the runtime never imports a provider
// SDK directly.
//
// A Client receives the full conversation transcript plus the tool
// declarations resolved for the current step and returns one assistant turn:
// text, tool calls, or both. Streaming is optional; clients that do not
// stream return ErrStreamingUnsupported.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrRateLimited indicates the provider rejected the call due to
	// throttling. The adaptive rate limiter middleware backs off when it
	// observes this error.
	ErrRateLimited = errors.New("model: rate limited by provider")

	// ErrStreamingUnsupported is returned by Stream when the underlying
	// client only supports unary completion.
	ErrStreamingUnsupported = errors.New("model: streaming not supported")
)

type (
	// Client is the minimal provider contract: one completion per call.
	// Implementations translate Request into the provider wire format and
	// map the provider response back into a Response.
	Client interface {
		// Complete sends the transcript to the provider and returns the next
		// assistant turn. Implementations must honor ctx cancellation.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Streamer is an optional extension for providers that support
	// incremental output.
	Streamer interface {
		// Stream returns a channel of response chunks. The channel is closed
		// when the turn completes or the context is canceled.
		Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
	}

	// Request carries everything a provider needs for one completion.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the conversation transcript in order.
		Messages []Message
		// Tools declares the tools the model may call this step.
		Tools []ToolDefinition
		// ToolChoice constrains tool selection: "auto", "none", "required"
		// or a specific tool name. Empty means provider default.
		ToolChoice string
		// MaxTokens caps the response length. Zero means provider default.
		MaxTokens int
		// Temperature adjusts sampling. Nil means provider default.
		Temperature *float64
		// Instructions is the system prompt, if any.
		Instructions string
	}

	// Response is one assistant turn plus usage accounting.
	Response struct {
		// Message is the assistant turn: text, tool calls, or both.
		Message Message
		// Usage reports token consumption for this call.
		Usage TokenUsage
		// StopReason is the provider's stated reason for ending the turn
		// (e.g. "stop", "tool_use", "max_tokens").
		StopReason string
	}

	// Chunk is one increment of a streamed response.
	Chunk struct {
		// TextDelta is the text appended by this chunk, if any.
		TextDelta string
		// Done marks the final chunk; Response carries the assembled turn.
		Done bool
		// Response is set on the final chunk only.
		Response *Response
	}

	// Message is one turn of the transcript in the provider-neutral shape.
	Message struct {
		// Role is one of "system", "user", "assistant" or "tool".
		Role string
		// Content is the text content. Empty for tool-call-only turns.
		Content string
		// Name identifies the speaker for multi-agent transcripts, or the
		// tool for tool-result turns.
		Name string
		// ToolCalls are the calls requested by an assistant turn.
		ToolCalls []ToolCall
		// ToolCallID links a tool-result turn to the originating call.
		ToolCallID string
	}

	// ToolCall is a model-requested tool invocation.
	ToolCall struct {
		// ID is the provider-assigned call identifier.
		ID string
		// Name is the tool name.
		Name string
		// Arguments is the JSON-encoded argument object.
		Arguments json.RawMessage
	}

	// ToolDefinition declares a callable tool to the provider.
	ToolDefinition struct {
		// Name is the tool name the model uses to call it.
		Name string
		// Description tells the model when to use the tool.
		Description string
		// InputSchema is the JSON schema of the argument object. Nil means
		// the tool accepts any object.
		InputSchema json.RawMessage
	}

	// TokenUsage counts tokens for one call or accumulated over a run.
	// Absent counts are zero.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
)

// Add accumulates other into u and returns the sum.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}
