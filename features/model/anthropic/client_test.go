package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-dev/ratchet/runtime/agent/model"
)

type fakeMessages struct {
	captured *sdk.MessageNewParams
	resp     *sdk.Message
	err      error
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.captured = &body
	return f.resp, f.err
}

func textMessage(content string) *sdk.Message {
	return &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: content}},
		StopReason: "end_turn",
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Options{DefaultModel: "claude-sonnet-4-5"})
	require.Error(t, err)
	_, err = New(Options{Client: &fakeMessages{}})
	require.Error(t, err)
	_, err = NewFromAPIKey("", "claude-sonnet-4-5")
	require.Error(t, err)
}

func TestCompleteTranslatesTextResponse(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: textMessage("hello there")}
	c, err := New(Options{Client: fake, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Instructions: "be helpful",
		Messages:     []model.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "assistant", resp.Message.Role)
	assert.Equal(t, "hello there", resp.Message.Content)
	assert.Equal(t, model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, resp.Usage)
	assert.Equal(t, "end_turn", resp.StopReason)

	require.NotNil(t, fake.captured)
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), fake.captured.Model)
	assert.Equal(t, int64(defaultMaxTokens), fake.captured.MaxTokens, "the Messages API needs an explicit cap")
	require.Len(t, fake.captured.System, 1, "instructions become the system prompt")
	assert.Equal(t, "be helpful", fake.captured.System[0].Text)
	require.Len(t, fake.captured.Messages, 1)
}

func TestCompleteTranslatesToolUse(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "let me check"},
			{Type: "tool_use", ID: "toolu_1", Name: "search", Input: json.RawMessage(`{"query":"gophers"}`)},
		},
		StopReason: "tool_use",
	}}
	c, err := New(Options{Client: fake, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: "user", Content: "find gophers"}},
		Tools: []model.ToolDefinition{{
			Name:        "search",
			Description: "web search",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "let me check", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, "search", resp.Message.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"gophers"}`, string(resp.Message.ToolCalls[0].Arguments))
	assert.Equal(t, "tool_use", resp.StopReason)

	require.Len(t, fake.captured.Tools, 1)
	require.NotNil(t, fake.captured.Tools[0].OfTool)
	assert.Equal(t, "search", fake.captured.Tools[0].OfTool.Name)
}

func TestCompleteEncodesTranscriptRoles(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: textMessage("done")}
	c, err := New(Options{Client: fake, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{
			{Role: "system", Content: "stay terse"},
			{Role: "user", Content: "look this up"},
			{Role: "assistant", ToolCalls: []model.ToolCall{{ID: "toolu_1", Name: "search", Arguments: json.RawMessage(`{"query":"x"}`)}}},
			{Role: "tool", Content: "nothing found", ToolCallID: "toolu_1"},
		},
	})
	require.NoError(t, err)

	// The system turn joins the system prompt rather than the conversation;
	// the tool result rides in a user message.
	require.Len(t, fake.captured.System, 1)
	assert.Equal(t, "stay terse", fake.captured.System[0].Text)
	require.Len(t, fake.captured.Messages, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, fake.captured.Messages[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, fake.captured.Messages[1].Role)
	assert.Equal(t, sdk.MessageParamRoleUser, fake.captured.Messages[2].Role)
}

func TestCompleteRejectsBadTranscripts(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Client: &fakeMessages{resp: textMessage("x")}, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Complete(ctx, &model.Request{})
	require.Error(t, err, "empty transcripts are rejected")

	_, err = c.Complete(ctx, &model.Request{Messages: []model.Message{{Role: "tool", Content: "orphan"}}})
	require.Error(t, err, "tool messages need a tool call id")

	_, err = c.Complete(ctx, &model.Request{Messages: []model.Message{{Role: "robot", Content: "?"}}})
	require.Error(t, err, "unknown roles are rejected")

	_, err = c.Complete(ctx, &model.Request{Messages: []model.Message{{Role: "system", Content: "only system"}}})
	require.Error(t, err, "a transcript of system turns leaves no conversation")
}

func TestCompleteRequestMaxTokensWins(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: textMessage("x")}
	c, err := New(Options{Client: fake, DefaultModel: "claude-sonnet-4-5", MaxTokens: 1024})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages:  []model.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 256,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(256), fake.captured.MaxTokens)
}

func TestCompleteToolChoice(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: textMessage("x")}
	c, err := New(Options{Client: fake, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)
	ctx := context.Background()
	tools := []model.ToolDefinition{{Name: "search"}}

	_, err = c.Complete(ctx, &model.Request{
		Messages:   []model.Message{{Role: "user", Content: "go"}},
		Tools:      tools,
		ToolChoice: "search",
	})
	require.NoError(t, err)
	require.NotNil(t, fake.captured.ToolChoice.OfTool)
	assert.Equal(t, "search", fake.captured.ToolChoice.OfTool.Name)

	_, err = c.Complete(ctx, &model.Request{
		Messages:   []model.Message{{Role: "user", Content: "go"}},
		Tools:      tools,
		ToolChoice: "required",
	})
	require.NoError(t, err)
	assert.NotNil(t, fake.captured.ToolChoice.OfAny)

	_, err = c.Complete(ctx, &model.Request{
		Messages:   []model.Message{{Role: "user", Content: "go"}},
		Tools:      tools,
		ToolChoice: "nonexistent",
	})
	require.Error(t, err, "a named tool choice must match a declared tool")
}

func TestCompleteMapsRateLimits(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{err: &sdk.Error{StatusCode: http.StatusTooManyRequests}}
	c, err := New(Options{Client: fake, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{Messages: []model.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrRateLimited))
}

func TestCompleteOtherProviderErrorsPassThrough(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{err: errors.New("connection reset")}
	c, err := New(Options{Client: fake, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{Messages: []model.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrRateLimited))
}
