// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates requests into ChatCompletion calls
// using github.com/openai/openai-go and maps responses back into the generic
// runtime structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ratchet-dev/ratchet/runtime/agent/model"
)

type (
	// CompletionsClient captures the subset of the OpenAI SDK used by the
	// adapter. It is satisfied by &client.Chat.Completions so callers can
	// pass either a real client or a mock in tests.
	CompletionsClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Client is the Chat Completions client. Required.
		Client CompletionsClient
		// DefaultModel is used when model.Request.Model is empty. Required.
		DefaultModel string
	}

	// Client implements model.Client on top of OpenAI Chat Completions.
	Client struct {
		chat  CompletionsClient
		model string
	}
)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &oc.Chat.Completions, DefaultModel: defaultModel})
}

// Complete issues a chat completion request and translates the response into
// one assistant turn.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(resp)
}

func (c *Client) buildParams(req *model.Request) (*sdk.ChatCompletionNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}
	params := &sdk.ChatCompletionNewParams{
		Model:    modelID,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	params.Tools = tools
	tc, err := encodeToolChoice(req.ToolChoice, req.Tools)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		params.ToolChoice = *tc
	}
	return params, nil
}

func encodeMessages(req *model.Request) ([]sdk.ChatCompletionMessageParamUnion, error) {
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		messages = append(messages, sdk.SystemMessage(req.Instructions))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, sdk.SystemMessage(m.Content))
		case "user":
			messages = append(messages, sdk.UserMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				messages = append(messages, sdk.AssistantMessage(m.Content))
				continue
			}
			assistant := sdk.ChatCompletionAssistantMessageParam{
				ToolCalls: encodeToolCalls(m.ToolCalls),
			}
			if m.Content != "" {
				assistant.Content.OfString = sdk.String(m.Content)
			}
			messages = append(messages, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case "tool":
			if m.ToolCallID == "" {
				return nil, errors.New("openai: tool message missing tool call id")
			}
			messages = append(messages, sdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return messages, nil
}

func encodeToolCalls(calls []model.ToolCall) []sdk.ChatCompletionMessageToolCallParam {
	out := make([]sdk.ChatCompletionMessageToolCallParam, len(calls))
	for i, call := range calls {
		out[i] = sdk.ChatCompletionMessageToolCallParam{
			ID: call.ID,
			Function: sdk.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: string(call.Arguments),
			},
		}
	}
	return out
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ChatCompletionToolParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		fn := sdk.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if len(def.InputSchema) > 0 {
			var params sdk.FunctionParameters
			if err := json.Unmarshal(def.InputSchema, &params); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
			fn.Parameters = params
		}
		tools = append(tools, sdk.ChatCompletionToolParam{Function: fn})
	}
	return tools, nil
}

func encodeToolChoice(choice string, defs []model.ToolDefinition) (*sdk.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch choice {
	case "", "auto":
		return nil, nil
	case "none", "required":
		return &sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String(choice)}, nil
	default:
		if !hasToolDefinition(defs, choice) {
			return nil, fmt.Errorf("openai: tool choice %q does not match any tool", choice)
		}
		return &sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: choice},
			},
		}, nil
	}
}

func hasToolDefinition(defs []model.ToolDefinition, name string) bool {
	for _, def := range defs {
		if def.Name == name {
			return true
		}
	}
	return false
}

// isRateLimited reports whether err is an HTTP 429 from the provider.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}

func translateResponse(resp *sdk.ChatCompletion) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	msg := model.Message{Role: "assistant", Content: choice.Message.Content}
	for _, call := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	return &model.Response{
		Message: msg,
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		StopReason: string(choice.FinishReason),
	}, nil
}
