package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yuanhang110/DeepClaude-Pro/internal/apierror"
	"github.com/yuanhang110/DeepClaude-Pro/internal/codec"
	"github.com/yuanhang110/DeepClaude-Pro/internal/types"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, apierror.New(apierror.KindValidation, "reading request body: %v", err))
		return
	}

	var req types.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apierror.New(apierror.KindValidation, "malformed request body: %v", err))
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, err)
		return
	}
	normalizeSystem(&req)

	if req.Stream {
		s.streamCompletion(w, r, &req)
		return
	}
	s.aggregateCompletion(w, r, &req)
}

func validateRequest(req *types.ChatRequest) error {
	if len(req.Messages) == 0 {
		return apierror.New(apierror.KindValidation, "messages must not be empty")
	}
	for i, msg := range req.Messages {
		switch msg.Role {
		case types.RoleSystem, types.RoleUser, types.RoleAssistant:
		default:
			return apierror.New(apierror.KindValidation, "messages[%d]: unknown role %q", i, msg.Role)
		}
	}
	return nil
}

// normalizeSystem folds system-role messages into the request's system
// field, so every stage sees one consistent system prompt regardless of
// how the client spelled it.
func normalizeSystem(req *types.ChatRequest) {
	var systems []string
	if req.System != "" {
		systems = append(systems, req.System)
	}
	rest := req.Messages[:0]
	for _, msg := range req.Messages {
		if msg.Role == types.RoleSystem {
			if text := strings.TrimSpace(msg.Content); text != "" {
				systems = append(systems, text)
			}
			continue
		}
		rest = append(rest, msg)
	}
	req.Messages = rest
	req.System = strings.Join(systems, "\n\n")
}

func (s *Server) aggregateCompletion(w http.ResponseWriter, r *http.Request, req *types.ChatRequest) {
	res, err := s.orch.Collect(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	usage := types.Usage{}
	for _, u := range res.Usage {
		usage.PromptTokens += u.PromptTokens
		usage.CompletionTokens += u.CompletionTokens
		usage.TotalTokens += u.TotalTokens
	}

	resp := types.ChatCompletionResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []types.Choice{{
			Message: types.ResponseMessage{
				Role:             types.RoleAssistant,
				Content:          res.Content,
				ReasoningContent: res.Reasoning,
			},
			FinishReason: string(res.Finish),
		}},
		Usage: &usage,
	}
	if req.Verbose {
		resp.CombinedUsage = &types.CombinedUsage{
			DeepSeekUsage:  providerUsage(res.Usage[codec.RoleReasoning]),
			AnthropicUsage: providerUsage(res.Usage[codec.RoleGeneration]),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func providerUsage(u types.Usage) types.ProviderUsage {
	return types.ProviderUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}
