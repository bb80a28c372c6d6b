package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/yuanhang110/DeepClaude-Pro/internal/apierror"
	"github.com/yuanhang110/DeepClaude-Pro/internal/codec"
	"github.com/yuanhang110/DeepClaude-Pro/internal/types"
)

// streamCompletion drives the incremental SSE session. The first
// orchestrator event is awaited before any byte is committed, so failures
// that precede all output still map to a proper HTTP status; after that,
// failures surface in-band as a finish_reason "error" frame followed by
// the termination sentinel.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req *types.ChatRequest) {
	ctx := r.Context()
	events := s.orch.Run(ctx, req)

	first, open := <-events
	if open && first.Kind == types.EventError {
		writeError(w, first.Err)
		drain(events)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierror.New(apierror.KindConfig, "connection does not support streaming"))
		drain(events)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	mux := &streamMux{
		w:       w,
		flush:   flusher,
		id:      newCompletionID(),
		created: time.Now().Unix(),
		model:   s.model,
	}
	mux.writeRole()

	if !open {
		// Orchestrator gave up before producing anything; close the
		// session cleanly rather than leaving it dangling.
		mux.writeFinish(types.FinishError)
		return
	}
	if !mux.relay(first) {
		drain(events)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case evt, open := <-events:
			if !open {
				if !mux.finished {
					mux.writeFinish(types.FinishError)
				}
				return
			}
			heartbeat.Reset(heartbeatInterval)
			if !mux.relay(evt) {
				drain(events)
				return
			}
		case <-heartbeat.C:
			mux.writeHeartbeat()
		case <-ctx.Done():
			// Client gone; nothing left worth writing.
			return
		}
	}
}

func drain(events <-chan types.Event) {
	for range events {
	}
}

// streamMux owns the client-facing half of one streaming session. Its
// id, created and model are fixed at construction and identical on every
// frame, no matter how many upstream calls feed the session.
type streamMux struct {
	w        http.ResponseWriter
	flush    http.Flusher
	id       string
	created  int64
	model    string
	finished bool
}

// relay writes the frame for one canonical event. It returns false once
// the session is terminated.
func (m *streamMux) relay(evt types.Event) bool {
	switch evt.Kind {
	case types.EventDelta:
		delta := types.ChunkDelta{}
		if evt.Phase == types.PhaseReasoning {
			delta.ReasoningContent = types.StringPtr(evt.Text)
		} else {
			delta.Content = types.StringPtr(evt.Text)
		}
		m.writeFrame(delta, nil)
		return true
	case types.EventStageEnd:
		m.writeFinish(evt.Reason)
		return false
	case types.EventError:
		slog.Error("stream failed mid-session", slog.String("error", evt.Err.Error()))
		m.writeFinish(types.FinishError)
		return false
	}
	return true
}

func (m *streamMux) writeRole() {
	m.writeFrame(types.ChunkDelta{Role: types.RoleAssistant}, nil)
}

func (m *streamMux) writeFinish(reason types.FinishReason) {
	finish := string(reason)
	m.writeFrame(types.ChunkDelta{}, &finish)
	m.write(codec.EncodeTerminal())
	m.finished = true
}

func (m *streamMux) writeHeartbeat() {
	frame, err := codec.EncodeFrame(types.ChatCompletionChunk{
		ID:        m.id,
		Object:    "chat.completion.chunk",
		Created:   m.created,
		Model:     m.model,
		Choices:   []types.ChunkChoice{},
		Heartbeat: true,
	})
	if err != nil {
		return
	}
	m.write(frame)
}

func (m *streamMux) writeFrame(delta types.ChunkDelta, finish *string) {
	frame, err := codec.EncodeFrame(types.ChatCompletionChunk{
		ID:      m.id,
		Object:  "chat.completion.chunk",
		Created: m.created,
		Model:   m.model,
		Choices: []types.ChunkChoice{{Delta: delta, FinishReason: finish}},
	})
	if err != nil {
		slog.Error("encoding frame", slog.String("error", err.Error()))
		return
	}
	m.write(frame)
}

func (m *streamMux) write(frame []byte) {
	if _, err := m.w.Write(frame); err != nil {
		return
	}
	m.flush.Flush()
}
