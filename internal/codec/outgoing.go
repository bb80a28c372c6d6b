package codec

import (
	"encoding/json"
	"fmt"

	"github.com/yuanhang110/DeepClaude-Pro/internal/types"
)

// EncodeFrame serializes one client-visible chunk as an SSE line.
func EncodeFrame(chunk types.ChatCompletionChunk) ([]byte, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data)), nil
}

// EncodeTerminal returns the stream termination sentinel.
func EncodeTerminal() []byte {
	return []byte("data: [DONE]\n\n")
}
