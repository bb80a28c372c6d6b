package codec

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/yuanhang110/DeepClaude-Pro/internal/apierror"
	"github.com/yuanhang110/DeepClaude-Pro/internal/types"
)

// openaiCodec speaks the OpenAI-compatible delta chunk protocol. DeepSeek's
// reasoner uses this shape with the extra reasoning_content delta field, so
// the same codec serves both the "native" reasoning slot and any provider
// configured as openai-compatible.
type openaiCodec struct{}

type openaiRequest struct {
	Model    string          `json:"model"`
	Messages []types.Message `json:"messages"`
	Stream   bool            `json:"stream"`
}

func (openaiCodec) EncodeRequest(p Prompt, defaults, override map[string]json.RawMessage) ([]byte, error) {
	messages := make([]types.Message, 0, len(p.Messages)+1)
	if p.System != "" {
		messages = append(messages, types.Message{Role: types.RoleSystem, Content: p.System})
	}
	messages = append(messages, p.Messages...)

	body, err := json.Marshal(openaiRequest{
		Model:    p.Model,
		Messages: messages,
		Stream:   p.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return applyBody(body, defaults, override)
}

func (openaiCodec) DecodeStreamLine(data []byte) ([]types.Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, nil
	}
	root := gjson.ParseBytes(data)

	if msg := root.Get("error.message"); msg.Exists() {
		return []types.Event{types.ErrorEvent(apierror.New(apierror.KindUpstream, "upstream error: %s", msg.String()))}, nil
	}

	choice := root.Get("choices.0")
	if !choice.Exists() {
		return nil, nil
	}

	// A single chunk may carry a delta and the finish_reason together,
	// so every field is checked rather than the first match winning.
	var events []types.Event
	if rc := choice.Get("delta.reasoning_content"); rc.Type == gjson.String && rc.Str != "" {
		events = append(events, types.Delta(types.PhaseReasoning, rc.Str))
	}
	if c := choice.Get("delta.content"); c.Type == gjson.String && c.Str != "" {
		events = append(events, types.Delta(types.PhaseContent, c.Str))
	}
	if fr := choice.Get("finish_reason"); fr.Type == gjson.String {
		end := types.StageEnd(types.PhaseContent, mapOpenAIFinish(fr.Str))
		end.Usage = usageFromOpenAI(root.Get("usage"))
		events = append(events, end)
	}
	return events, nil
}

func (openaiCodec) DecodeAggregate(body []byte) ([]types.Event, error) {
	if !gjson.ValidBytes(body) {
		return nil, apierror.New(apierror.KindUpstreamProtocol, "unparseable upstream response")
	}
	root := gjson.ParseBytes(body)

	if msg := root.Get("error.message"); msg.Exists() {
		return nil, apierror.New(apierror.KindUpstream, "upstream error: %s", msg.String())
	}
	choice := root.Get("choices.0")
	if !choice.Exists() {
		return nil, apierror.New(apierror.KindUpstreamProtocol, "upstream response has no choices")
	}

	var events []types.Event
	if rc := choice.Get("message.reasoning_content"); rc.Type == gjson.String && rc.Str != "" {
		events = append(events, types.Delta(types.PhaseReasoning, rc.Str))
	}
	if c := choice.Get("message.content"); c.Type == gjson.String && c.Str != "" {
		events = append(events, types.Delta(types.PhaseContent, c.Str))
	}
	end := types.StageEnd(types.PhaseContent, mapOpenAIFinish(choice.Get("finish_reason").String()))
	end.Usage = usageFromOpenAI(root.Get("usage"))
	events = append(events, end)
	return events, nil
}

func mapOpenAIFinish(reason string) types.FinishReason {
	switch reason {
	case "length":
		return types.FinishLength
	case "error", "content_filter":
		return types.FinishError
	default:
		return types.FinishStop
	}
}

func usageFromOpenAI(usage gjson.Result) *types.Usage {
	if !usage.IsObject() {
		return nil
	}
	return &types.Usage{
		PromptTokens:     int(usage.Get("prompt_tokens").Int()),
		CompletionTokens: int(usage.Get("completion_tokens").Int()),
		TotalTokens:      int(usage.Get("total_tokens").Int()),
	}
}
