package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yuanhang110/DeepClaude-Pro/internal/apierror"
	"github.com/yuanhang110/DeepClaude-Pro/internal/codec"
	"github.com/yuanhang110/DeepClaude-Pro/internal/config"
	"github.com/yuanhang110/DeepClaude-Pro/internal/types"
)

func testProvider(endpoint, format string) config.Provider {
	return config.Provider{
		Endpoint:         endpoint,
		WireFormat:       format,
		APIKey:           "test-key",
		Model:            "test-model",
		FirstByteTimeout: 5 * time.Second,
		CallTimeout:      30 * time.Second,
	}
}

func writeSSE(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, line := range lines {
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
}

func collect(ch <-chan types.Event) []types.Event {
	var events []types.Event
	for evt := range ch {
		events = append(events, evt)
	}
	return events
}

func TestStreamDeliversOrderedEvents(t *testing.T) {
	var gotAuth atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		writeSSE(w,
			`{"choices":[{"delta":{"reasoning_content":"a"}}]}`,
			`{"choices":[{"delta":{"reasoning_content":"b"}}]}`,
			`{"choices":[{"delta":{"content":"c"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		)
	}))
	defer ts.Close()

	c, err := New(codec.RoleReasoning, testProvider(ts.URL, codec.FormatOpenAI))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := c.Stream(context.Background(), codec.Prompt{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}, types.ProviderOverride{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	events := collect(ch)
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(events), events)
	}
	wantText := []string{"a", "b", "c"}
	for i, want := range wantText {
		if events[i].Kind != types.EventDelta || events[i].Text != want {
			t.Fatalf("event %d: got %+v, want delta %q", i, events[i], want)
		}
	}
	if events[0].Phase != types.PhaseReasoning || events[2].Phase != types.PhaseContent {
		t.Fatalf("phases wrong: %+v", events)
	}
	if events[3].Kind != types.EventStageEnd || events[3].Reason != types.FinishStop {
		t.Fatalf("last event: got %+v, want stage end", events[3])
	}
	if got := gotAuth.Load(); got != "Bearer test-key" {
		t.Fatalf("auth header: got %v", got)
	}
}

func TestStreamAnthropicAuthHeaders(t *testing.T) {
	var apiKey, version atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey.Store(r.Header.Get("x-api-key"))
		version.Store(r.Header.Get("anthropic-version"))
		writeSSE(w,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`,
			`{"type":"message_stop"}`,
		)
	}))
	defer ts.Close()

	c, err := New(codec.RoleGeneration, testProvider(ts.URL, codec.FormatNative))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := c.Stream(context.Background(), codec.Prompt{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}, types.ProviderOverride{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collect(ch)

	if apiKey.Load() != "test-key" || version.Load() != anthropicVersion {
		t.Fatalf("headers: got (%v, %v)", apiKey.Load(), version.Load())
	}
}

func TestStreamTruncationIsProtocolError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No finish_reason and no sentinel before the connection closes.
		writeSSE(w, `{"choices":[{"delta":{"content":"partial"}}]}`)
	}))
	defer ts.Close()

	c, _ := New(codec.RoleReasoning, testProvider(ts.URL, codec.FormatOpenAI))
	ch, err := c.Stream(context.Background(), codec.Prompt{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}, types.ProviderOverride{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	events := collect(ch)
	last := events[len(events)-1]
	if last.Kind != types.EventError {
		t.Fatalf("last event: got %+v, want error", last)
	}
	if apierror.KindOf(last.Err) != apierror.KindUpstreamProtocol {
		t.Fatalf("kind: got %v, want protocol error", apierror.KindOf(last.Err))
	}
}

func TestStreamCombinedDeltaAndFinishChunk(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The last delta and the finish_reason share one chunk.
		writeSSE(w,
			`{"choices":[{"delta":{"content":"answer"},"finish_reason":"stop"}]}`,
			`[DONE]`,
		)
	}))
	defer ts.Close()

	c, _ := New(codec.RoleReasoning, testProvider(ts.URL, codec.FormatOpenAI))
	ch, err := c.Stream(context.Background(), codec.Prompt{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}, types.ProviderOverride{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	events := collect(ch)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Kind != types.EventDelta || events[0].Text != "answer" {
		t.Fatalf("event 0: got %+v, want content delta", events[0])
	}
	if events[1].Kind != types.EventStageEnd || events[1].Reason != types.FinishStop {
		t.Fatalf("event 1: got %+v, want clean stage end", events[1])
	}
}

func TestStreamSentinelWithoutFinishIsStop(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No finish_reason chunk at all; the sentinel alone closes the
		// stream.
		writeSSE(w,
			`{"choices":[{"delta":{"content":"answer"}}]}`,
			`[DONE]`,
		)
	}))
	defer ts.Close()

	c, _ := New(codec.RoleReasoning, testProvider(ts.URL, codec.FormatOpenAI))
	ch, err := c.Stream(context.Background(), codec.Prompt{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}, types.ProviderOverride{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	events := collect(ch)
	last := events[len(events)-1]
	if last.Kind != types.EventStageEnd || last.Reason != types.FinishStop {
		t.Fatalf("last event: got %+v, want stage end with stop", last)
	}
}

func TestNewKeepsDefaultTransportSettings(t *testing.T) {
	cfg := testProvider("http://x", codec.FormatOpenAI)
	c, err := New(codec.RoleReasoning, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	transport, ok := c.httpc.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport: got %T, want *http.Transport", c.httpc.Transport)
	}
	if transport.Proxy == nil {
		t.Fatal("proxy resolution lost from default transport")
	}
	if transport.DialContext == nil {
		t.Fatal("dial tuning lost from default transport")
	}
	if transport.ResponseHeaderTimeout != cfg.FirstByteTimeout {
		t.Fatalf("first-byte timeout: got %v, want %v",
			transport.ResponseHeaderTimeout, cfg.FirstByteTimeout)
	}
}

func TestRetryOnRateLimitThenSuccess(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
			return
		}
		writeSSE(w,
			`{"choices":[{"delta":{"content":"ok"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		)
	}))
	defer ts.Close()

	c, _ := New(codec.RoleReasoning, testProvider(ts.URL, codec.FormatOpenAI))
	ch, err := c.Stream(context.Background(), codec.Prompt{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}, types.ProviderOverride{})
	if err != nil {
		t.Fatalf("Stream after retry: %v", err)
	}
	collect(ch)

	if got := calls.Load(); got != 2 {
		t.Fatalf("upstream calls: got %d, want 2", got)
	}
}

func TestNoRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"broken"}}`)
	}))
	defer ts.Close()

	c, _ := New(codec.RoleReasoning, testProvider(ts.URL, codec.FormatOpenAI))
	_, err := c.Stream(context.Background(), codec.Prompt{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}, types.ProviderOverride{})
	if err == nil {
		t.Fatal("500 accepted")
	}
	if apierror.KindOf(err) != apierror.KindUpstream {
		t.Fatalf("kind: got %v, want upstream", apierror.KindOf(err))
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream calls: got %d, want 1 (no retry)", got)
	}
}

func TestCancellationClosesUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(upstreamDone)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, _ := New(codec.RoleReasoning, testProvider(ts.URL, codec.FormatOpenAI))
	ch, err := c.Stream(ctx, codec.Prompt{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}, types.ProviderOverride{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	<-ch // first delta arrived, the stream is live
	cancel()

	select {
	case <-upstreamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection not closed after cancellation")
	}
	select {
	case _, open := <-ch:
		if open {
			// A trailing event may race the cancellation; the channel
			// must still close right after.
			if _, open := <-ch; open {
				t.Fatal("event channel left open after cancellation")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after cancellation")
	}
}

func TestCompleteDecodesAggregate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"reasoning_content":"why","content":"answer"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`)
	}))
	defer ts.Close()

	c, _ := New(codec.RoleReasoning, testProvider(ts.URL, codec.FormatOpenAI))
	events, err := c.Complete(context.Background(), codec.Prompt{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}, types.ProviderOverride{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(events) != 3 || events[2].Kind != types.EventStageEnd {
		t.Fatalf("events: %+v", events)
	}
}

func TestNewRejectsUnknownWireFormat(t *testing.T) {
	if _, err := New(codec.RoleReasoning, testProvider("http://x", "smoke-signals")); err == nil {
		t.Fatal("unknown wire format accepted")
	}
}
