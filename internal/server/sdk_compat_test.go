package server

import (
	"context"
	"strings"
	"testing"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// The gateway advertises OpenAI compatibility, so the official Go SDK has
// to work against it unmodified.

func newSDKClient(baseURL string) openai.Client {
	return openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey("test-key"),
	)
}

func TestOpenAIGoSDKAggregate(t *testing.T) {
	reasoner := newUpstreamStub(t, "chain of thought", "", nil)
	generator := newUpstreamStub(t, "", "SDK aggregate works", nil)
	ts := newTestGateway(t, testConfig(reasoner.URL, generator.URL))

	client := newSDKClient(ts.URL + "/v1")
	out, err := client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model: shared.ChatModel("deepclaude"),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("hello from sdk"),
		},
	})
	if err != nil {
		t.Fatalf("sdk chat completion failed: %v", err)
	}
	if len(out.Choices) == 0 {
		t.Fatalf("expected non-empty choices, got: %+v", out)
	}
	if got := out.Choices[0].Message.Content; !strings.Contains(got, "SDK aggregate works") {
		t.Fatalf("unexpected content: %q", got)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish_reason: %q", out.Choices[0].FinishReason)
	}
}

func TestOpenAIGoSDKStreaming(t *testing.T) {
	reasoner := newUpstreamStub(t, "chain of thought", "", nil)
	generator := newUpstreamStub(t, "", "SDK streaming works", nil)
	ts := newTestGateway(t, testConfig(reasoner.URL, generator.URL))

	client := newSDKClient(ts.URL + "/v1")
	stream := client.Chat.Completions.NewStreaming(context.Background(), openai.ChatCompletionNewParams{
		Model: shared.ChatModel("deepclaude"),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("hello from sdk"),
		},
	})

	var content strings.Builder
	var sawStop bool
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			content.WriteString(choice.Delta.Content)
			if choice.FinishReason == "stop" {
				sawStop = true
			}
		}
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("sdk stream failed: %v", err)
	}
	if content.String() != "SDK streaming works" {
		t.Fatalf("content: %q", content.String())
	}
	if !sawStop {
		t.Fatal("no stop finish_reason in sdk stream")
	}
}
