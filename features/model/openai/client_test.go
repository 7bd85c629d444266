package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-dev/ratchet/runtime/agent/model"
)

type fakeCompletions struct {
	captured *sdk.ChatCompletionNewParams
	resp     *sdk.ChatCompletion
	err      error
}

func (f *fakeCompletions) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.captured = &body
	return f.resp, f.err
}

func textCompletion(content string) *sdk.ChatCompletion {
	return &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{
			Message:      sdk.ChatCompletionMessage{Content: content},
			FinishReason: "stop",
		}},
		Usage: sdk.CompletionUsage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
	_, err = New(Options{Client: &fakeCompletions{}})
	require.Error(t, err)
	_, err = NewFromAPIKey("", "gpt-4o")
	require.Error(t, err)
}

func TestCompleteTranslatesTextResponse(t *testing.T) {
	t.Parallel()

	fake := &fakeCompletions{resp: textCompletion("hello there")}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Instructions: "be helpful",
		Messages:     []model.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "assistant", resp.Message.Role)
	assert.Equal(t, "hello there", resp.Message.Content)
	assert.Empty(t, resp.Message.ToolCalls)
	assert.Equal(t, model.TokenUsage{InputTokens: 12, OutputTokens: 4, TotalTokens: 16}, resp.Usage)
	assert.Equal(t, "stop", resp.StopReason)

	require.NotNil(t, fake.captured)
	assert.Equal(t, "gpt-4o", fake.captured.Model, "default model fills an empty request model")
	require.Len(t, fake.captured.Messages, 2, "instructions become a leading system message")
	assert.NotNil(t, fake.captured.Messages[0].OfSystem)
	assert.NotNil(t, fake.captured.Messages[1].OfUser)
}

func TestCompleteTranslatesToolCalls(t *testing.T) {
	t.Parallel()

	fake := &fakeCompletions{resp: &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{
			Message: sdk.ChatCompletionMessage{
				ToolCalls: []sdk.ChatCompletionMessageToolCall{{
					ID: "call-1",
					Function: sdk.ChatCompletionMessageToolCallFunction{
						Name:      "search",
						Arguments: `{"query":"gophers"}`,
					},
				}},
			},
			FinishReason: "tool_calls",
		}},
	}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: "user", Content: "find gophers"}},
		Tools: []model.ToolDefinition{{
			Name:        "search",
			Description: "web search",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
		}},
	})
	require.NoError(t, err)

	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "call-1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, "search", resp.Message.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"gophers"}`, string(resp.Message.ToolCalls[0].Arguments))
	assert.Equal(t, "tool_calls", resp.StopReason)

	require.Len(t, fake.captured.Tools, 1)
	assert.Equal(t, "search", fake.captured.Tools[0].Function.Name)
}

func TestCompleteEncodesTranscriptRoles(t *testing.T) {
	t.Parallel()

	fake := &fakeCompletions{resp: textCompletion("done")}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{
			{Role: "user", Content: "look this up"},
			{Role: "assistant", ToolCalls: []model.ToolCall{{ID: "call-1", Name: "search", Arguments: json.RawMessage(`{}`)}}},
			{Role: "tool", Content: "nothing found", ToolCallID: "call-1"},
		},
	})
	require.NoError(t, err)

	require.Len(t, fake.captured.Messages, 3)
	assistant := fake.captured.Messages[1].OfAssistant
	require.NotNil(t, assistant)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call-1", assistant.ToolCalls[0].ID)
	assert.NotNil(t, fake.captured.Messages[2].OfTool)
}

func TestCompleteRejectsBadTranscripts(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Client: &fakeCompletions{resp: textCompletion("x")}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Complete(ctx, &model.Request{})
	require.Error(t, err, "empty transcripts are rejected")

	_, err = c.Complete(ctx, &model.Request{Messages: []model.Message{{Role: "tool", Content: "orphan"}}})
	require.Error(t, err, "tool messages need a tool call id")

	_, err = c.Complete(ctx, &model.Request{Messages: []model.Message{{Role: "robot", Content: "?"}}})
	require.Error(t, err, "unknown roles are rejected")
}

func TestCompleteToolChoice(t *testing.T) {
	t.Parallel()

	fake := &fakeCompletions{resp: textCompletion("x")}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	ctx := context.Background()
	tools := []model.ToolDefinition{{Name: "search"}}

	_, err = c.Complete(ctx, &model.Request{
		Messages:   []model.Message{{Role: "user", Content: "go"}},
		Tools:      tools,
		ToolChoice: "search",
	})
	require.NoError(t, err)
	named := fake.captured.ToolChoice.OfChatCompletionNamedToolChoice
	require.NotNil(t, named)
	assert.Equal(t, "search", named.Function.Name)

	_, err = c.Complete(ctx, &model.Request{
		Messages:   []model.Message{{Role: "user", Content: "go"}},
		Tools:      tools,
		ToolChoice: "nonexistent",
	})
	require.Error(t, err, "a named tool choice must match a declared tool")
}

func TestCompleteMapsRateLimits(t *testing.T) {
	t.Parallel()

	fake := &fakeCompletions{err: &sdk.Error{StatusCode: http.StatusTooManyRequests}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{Messages: []model.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrRateLimited))
}

func TestCompleteOtherProviderErrorsPassThrough(t *testing.T) {
	t.Parallel()

	fake := &fakeCompletions{err: errors.New("connection reset")}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{Messages: []model.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrRateLimited))
}

func TestCompleteEmptyChoices(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Client: &fakeCompletions{resp: &sdk.ChatCompletion{}}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{Messages: []model.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
}
