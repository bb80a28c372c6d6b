// Package codec translates between provider wire formats and the canonical
// event representation, and encodes the outward-facing OpenAI stream shape.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/yuanhang110/DeepClaude-Pro/internal/types"
)

// Wire format selectors. "native" resolves per role: the reasoning slot's
// native shape is the OpenAI chunk shape plus reasoning_content, the
// generation slot's native shape is the Anthropic messages protocol.
const (
	FormatNative    = "native"
	FormatOpenAI    = "openai-compatible"
	FormatAnthropic = "anthropic"
)

// Provider slot names used throughout the gateway.
const (
	RoleReasoning  = "reasoning"
	RoleGeneration = "generation"
)

// Prompt is the provider-agnostic input of one upstream call.
type Prompt struct {
	Messages []types.Message
	System   string
	Model    string
	Stream   bool
}

// Codec converts one provider's wire format to and from canonical events.
type Codec interface {
	// EncodeRequest builds the upstream request body, applying the
	// provider's default body and then the request-scoped override,
	// key by key. Overrides win; unspecified keys keep defaults.
	EncodeRequest(p Prompt, defaults, override map[string]json.RawMessage) ([]byte, error)

	// DecodeStreamLine maps one SSE payload to zero or more canonical
	// events. Some backends fold a delta and the finish_reason into a
	// single chunk, so one payload may yield both a Delta and a
	// StageEnd. Unrecognized or non-JSON payloads yield (nil, nil).
	DecodeStreamLine(data []byte) ([]types.Event, error)

	// DecodeAggregate maps a complete non-streaming upstream reply to an
	// ordered event sequence.
	DecodeAggregate(body []byte) ([]types.Event, error)
}

// ForProvider selects the codec for a provider slot.
func ForProvider(role, format string) (Codec, error) {
	switch format {
	case FormatOpenAI:
		return openaiCodec{}, nil
	case FormatAnthropic:
		return anthropicCodec{}, nil
	case FormatNative, "":
		if role == RoleGeneration {
			return anthropicCodec{}, nil
		}
		return openaiCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown wire format %q for provider %q", format, role)
	}
}

// Body keys the merge never lets a default or override replace: they carry
// the pipeline's own state.
var protectedBodyKeys = map[string]bool{
	"messages": true,
	"stream":   true,
	"system":   true,
}

// applyBody layers defaults then override onto the encoded request body.
// This is a shallow per-key merge: each top-level key is replaced whole.
func applyBody(body []byte, defaults, override map[string]json.RawMessage) ([]byte, error) {
	var err error
	for _, layer := range []map[string]json.RawMessage{defaults, override} {
		for key, raw := range layer {
			if protectedBodyKeys[key] || len(raw) == 0 {
				continue
			}
			body, err = sjson.SetRawBytes(body, escapePathKey(key), raw)
			if err != nil {
				return nil, fmt.Errorf("merging body key %q: %w", key, err)
			}
		}
	}
	return body, nil
}

// escapePathKey quotes sjson path syntax so a literal key like
// "anthropic.beta" sets one top-level field instead of a nested path.
func escapePathKey(key string) string {
	replacer := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return replacer.Replace(key)
}
