package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/yuanhang110/DeepClaude-Pro/internal/apierror"
	"github.com/yuanhang110/DeepClaude-Pro/internal/types"
)

// anthropicCodec speaks the native Anthropic messages protocol: typed SSE
// events on the stream path and a content-block array on the aggregate path.
// thinking_delta maps to the reasoning phase, text_delta to content.
type anthropicCodec struct{}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (anthropicCodec) EncodeRequest(p Prompt, defaults, override map[string]json.RawMessage) ([]byte, error) {
	messages := make([]anthropicMessage, 0, len(p.Messages))
	for _, m := range p.Messages {
		if m.Role == types.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := types.RoleUser
		if m.Role == types.RoleAssistant {
			role = types.RoleAssistant
		}
		messages = append(messages, anthropicMessage{Role: role, Content: m.Content})
	}

	payload := map[string]any{
		"model":       p.Model,
		"messages":    messages,
		"stream":      p.Stream,
		"max_tokens":  defaultMaxTokens(p.Model, override),
		"temperature": 0.7,
		"top_p":       0.95,
	}
	if p.System != "" {
		payload["system"] = p.System
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return applyBody(body, defaults, override)
}

// defaultMaxTokens picks the ceiling for the target model. Opus models cap
// out lower than the rest of the family.
func defaultMaxTokens(model string, override map[string]json.RawMessage) int {
	if raw, ok := override["model"]; ok {
		var overridden string
		if json.Unmarshal(raw, &overridden) == nil && overridden != "" {
			model = overridden
		}
	}
	if strings.Contains(model, "opus") {
		return 4096
	}
	return 8192
}

func (anthropicCodec) DecodeStreamLine(data []byte) ([]types.Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, nil
	}
	root := gjson.ParseBytes(data)

	switch root.Get("type").String() {
	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "thinking_delta":
			if text := delta.Get("thinking").String(); text != "" {
				return []types.Event{types.Delta(types.PhaseReasoning, text)}, nil
			}
		default:
			if text := delta.Get("text").String(); text != "" {
				return []types.Event{types.Delta(types.PhaseContent, text)}, nil
			}
		}
		return nil, nil
	case "message_delta":
		// Carries the stop reason and output token count ahead of
		// message_stop. Only surfaced when the model was truncated, so
		// the pipeline learns the reason; the normal path ends at
		// message_stop.
		if root.Get("delta.stop_reason").String() == "max_tokens" {
			ev := types.StageEnd(types.PhaseContent, types.FinishLength)
			ev.Usage = usageFromAnthropic(root.Get("usage"))
			return []types.Event{ev}, nil
		}
		return nil, nil
	case "message_stop":
		return []types.Event{types.StageEnd(types.PhaseContent, types.FinishStop)}, nil
	case "error":
		ev := types.ErrorEvent(apierror.New(apierror.KindUpstream,
			"upstream error: %s", root.Get("error.message").String()))
		return []types.Event{ev}, nil
	default:
		// ping and other event types carry no canonical payload.
		return nil, nil
	}
}

func (anthropicCodec) DecodeAggregate(body []byte) ([]types.Event, error) {
	if !gjson.ValidBytes(body) {
		return nil, apierror.New(apierror.KindUpstreamProtocol, "unparseable upstream response")
	}
	root := gjson.ParseBytes(body)

	if root.Get("type").String() == "error" {
		return nil, apierror.New(apierror.KindUpstream,
			"upstream error: %s", root.Get("error.message").String())
	}
	content := root.Get("content")
	if !content.IsArray() {
		return nil, apierror.New(apierror.KindUpstreamProtocol, "upstream response has no content blocks")
	}

	var events []types.Event
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "thinking":
			if text := block.Get("thinking").String(); text != "" {
				events = append(events, types.Delta(types.PhaseReasoning, text))
			}
		default:
			if text := block.Get("text").String(); text != "" {
				events = append(events, types.Delta(types.PhaseContent, text))
			}
		}
		return true
	})

	end := types.StageEnd(types.PhaseContent, mapAnthropicFinish(root.Get("stop_reason").String()))
	end.Usage = usageFromAnthropic(root.Get("usage"))
	events = append(events, end)
	return events, nil
}

func mapAnthropicFinish(reason string) types.FinishReason {
	switch reason {
	case "max_tokens":
		return types.FinishLength
	default:
		return types.FinishStop
	}
}

func usageFromAnthropic(usage gjson.Result) *types.Usage {
	if !usage.IsObject() {
		return nil
	}
	in := int(usage.Get("input_tokens").Int())
	out := int(usage.Get("output_tokens").Int())
	return &types.Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
	}
}
