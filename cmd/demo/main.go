// Command demo runs one agent loop end to end on the in-process engine: a
// scripted model client calls a calculator tool, observes the result and
// answers. No external services are required.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ratchet-dev/ratchet/runtime/agent/api"
	"github.com/ratchet-dev/ratchet/runtime/agent/engine/inmem"
	"github.com/ratchet-dev/ratchet/runtime/agent/model"
	"github.com/ratchet-dev/ratchet/runtime/agent/policy"
	"github.com/ratchet-dev/ratchet/runtime/agent/registry/memory"
	"github.com/ratchet-dev/ratchet/runtime/agent/runtime"
	statememory "github.com/ratchet-dev/ratchet/runtime/agent/state/memory"
	"github.com/ratchet-dev/ratchet/runtime/agent/tools"
)

// scriptedModel drives the loop deterministically: first turn requests the
// add tool, second turn answers with the observed result.
type scriptedModel struct {
	turn atomic.Int32
}

func (m *scriptedModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	if m.turn.Add(1) == 1 {
		return &model.Response{
			Message: model.Message{
				Role: "assistant",
				ToolCalls: []model.ToolCall{{
					ID:        "call-1",
					Name:      "add",
					Arguments: json.RawMessage(`{"a": 19, "b": 23}`),
				}},
			},
			Usage:      model.TokenUsage{InputTokens: 40, OutputTokens: 10, TotalTokens: 50},
			StopReason: "tool_use",
		}, nil
	}
	answer := "I do not know."
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "tool" {
			answer = "The sum is " + req.Messages[i].Content + "."
			break
		}
	}
	return &model.Response{
		Message:    model.Message{Role: "assistant", Content: answer},
		Usage:      model.TokenUsage{InputTokens: 60, OutputTokens: 12, TotalTokens: 72},
		StopReason: "stop",
	}, nil
}

func main() {
	ctx := context.Background()

	rt, err := runtime.New(
		runtime.WithEngine(inmem.New()),
		runtime.WithStore(statememory.New()),
		runtime.WithRegistry(memory.New()),
	)
	if err != nil {
		fail(err)
	}

	adder := tools.Tool{
		Name:        "add",
		Description: "Add two integers.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"a": {"type": "number"}, "b": {"type": "number"}},
			"required": ["a", "b"]
		}`),
		Execute: func(_ context.Context, args json.RawMessage) (any, error) {
			var in struct{ A, B float64 }
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return in.A + in.B, nil
		},
	}

	if err := rt.RegisterAgent(ctx, runtime.AgentDefinition{
		Name:         "demo.calculator",
		Instructions: "Use the add tool to compute sums, then state the result.",
		Model:        "scripted",
		Client:       &scriptedModel{},
		Tools:        []tools.Tool{adder},
		Policy: &policy.LoopPolicy{
			StopConditions: []policy.Condition{policy.StepCountIs(5)},
		},
	}); err != nil {
		fail(err)
	}

	out, err := rt.Client().Run(ctx, &api.RunInput{
		AgentID: "demo.calculator",
		Task:    "What is 19 + 23?",
	})
	if err != nil {
		fail(err)
	}
	fmt.Println("Status:    ", out.Status)
	fmt.Println("Assistant: ", out.FinalText)
	fmt.Println("Iterations:", out.Iterations)
	fmt.Println("Tokens:    ", out.Usage.TotalTokens)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "demo:", err)
	os.Exit(1)
}
