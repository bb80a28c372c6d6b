// Package upstream owns the outbound HTTP connection of one provider slot
// and turns its raw byte stream into an ordered sequence of canonical
// events.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/yuanhang110/DeepClaude-Pro/internal/apierror"
	"github.com/yuanhang110/DeepClaude-Pro/internal/codec"
	"github.com/yuanhang110/DeepClaude-Pro/internal/config"
	"github.com/yuanhang110/DeepClaude-Pro/internal/sse"
	"github.com/yuanhang110/DeepClaude-Pro/internal/types"
)

// streamBuffer bounds the pending-event window between the network read
// loop and the consumer. A slow client therefore stalls the upstream read
// instead of growing a queue.
const streamBuffer = 4

// anthropicVersion is the API version header required by native Anthropic
// endpoints.
const anthropicVersion = "2023-06-01"

// Client is the provider adapter for one slot. It holds the slot's
// read-only defaults; per-request overrides are applied to copies only.
type Client struct {
	role      string
	cfg       config.Provider
	codec     codec.Codec
	anthropic bool
	body      map[string]json.RawMessage
	httpc     *http.Client
}

// New builds the adapter for a provider slot.
func New(role string, cfg config.Provider) (*Client, error) {
	cdc, err := codec.ForProvider(role, cfg.WireFormat)
	if err != nil {
		return nil, err
	}
	body, err := cfg.BodyRaw()
	if err != nil {
		return nil, err
	}
	return &Client{
		role:      role,
		cfg:       cfg,
		codec:     cdc,
		anthropic: cfg.WireFormat == codec.FormatAnthropic || (cfg.WireFormat == codec.FormatNative && role == codec.RoleGeneration),
		body:      body,
		httpc: &http.Client{
			Timeout:   cfg.CallTimeout,
			Transport: newTransport(cfg.FirstByteTimeout),
		},
	}, nil
}

// newTransport clones the default transport so proxy resolution, dial
// timeouts, and keep-alive tuning are preserved, and bounds the wait for
// upstream response headers.
func newTransport(firstByteTimeout time.Duration) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = firstByteTimeout
	return transport
}

// Role returns the slot name this adapter serves.
func (c *Client) Role() string { return c.role }

// Stream opens one streaming call and returns a lazy, single-pass event
// sequence. Pre-first-byte failures are returned directly; once the header
// is accepted, mid-stream failures surface as a terminal Error event on
// the channel instead.
func (c *Client) Stream(ctx context.Context, p codec.Prompt, override types.ProviderOverride) (<-chan types.Event, error) {
	p.Model = c.cfg.Model
	p.Stream = true

	body, err := c.codec.EncodeRequest(p, c.body, override.Body)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindUpstreamProtocol, err, "encoding %s request", c.role)
	}
	resp, aerr := c.doWithRetry(ctx, body, override.Headers)
	if aerr != nil {
		return nil, aerr
	}

	ch := make(chan types.Event, streamBuffer)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

// Complete performs one non-streaming call and decodes the aggregate reply.
func (c *Client) Complete(ctx context.Context, p codec.Prompt, override types.ProviderOverride) ([]types.Event, error) {
	p.Model = c.cfg.Model
	p.Stream = false

	body, err := c.codec.EncodeRequest(p, c.body, override.Body)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindUpstreamProtocol, err, "encoding %s request", c.role)
	}
	resp, aerr := c.doWithRetry(ctx, body, override.Headers)
	if aerr != nil {
		return nil, aerr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierror.Wrap(apierror.KindClientDisconnected, ctx.Err(), "request cancelled")
		}
		return nil, apierror.Wrap(apierror.KindUpstream, err, "reading %s response", c.role)
	}
	return c.codec.DecodeAggregate(data)
}

// readStream drives the SSE read loop and relays canonical events until
// the stage ends, the stream fails, or the request is cancelled. Request
// cancellation closes the underlying socket via the request context, which
// unblocks the read.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, ch chan<- types.Event) {
	defer close(ch)
	defer body.Close()

	reader := sse.NewReader(body)
	for {
		payload, err := reader.Next()
		if err != nil {
			switch {
			case errors.Is(err, sse.ErrDone):
				// The [DONE] sentinel without an explicit finish still
				// signals that the upstream considers the reply
				// complete.
				c.emit(ctx, ch, types.StageEnd(types.PhaseContent, types.FinishStop))
			case errors.Is(err, io.EOF):
				// Connection closed without the sentinel or a stage
				// end: the reply was truncated, and silently passing
				// that on would look like a complete answer.
				c.emit(ctx, ch, types.ErrorEvent(apierror.New(apierror.KindUpstreamProtocol,
					"%s stream ended without completion", c.role)))
			default:
				if ctx.Err() != nil {
					return
				}
				c.emit(ctx, ch, types.ErrorEvent(apierror.Wrap(apierror.KindUpstream, err,
					"reading %s stream", c.role)))
			}
			return
		}

		events, derr := c.codec.DecodeStreamLine(payload)
		if derr != nil {
			c.emit(ctx, ch, types.ErrorEvent(derr))
			return
		}
		for _, evt := range events {
			if !c.emit(ctx, ch, evt) {
				return
			}
			if evt.Kind == types.EventStageEnd || evt.Kind == types.EventError {
				return
			}
		}
	}
}

func (c *Client) emit(ctx context.Context, ch chan<- types.Event, evt types.Event) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) do(ctx context.Context, body []byte, overrideHeaders map[string]string) (*http.Response, *apierror.Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindConfig, err, "building %s request", c.role)
	}
	c.setHeaders(req, overrideHeaders)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, c.classifyTransportError(ctx, err)
	}
	if resp.StatusCode >= 400 {
		return nil, c.classifyStatus(resp)
	}
	return resp, nil
}

// setHeaders layers base protocol headers, configured defaults, and the
// request override, in that order. The configured maps are only read.
func (c *Client) setHeaders(req *http.Request, override map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.anthropic {
		req.Header.Set("x-api-key", c.cfg.APIKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for key, value := range c.cfg.Headers {
		req.Header.Set(key, value)
	}
	for key, value := range override {
		req.Header.Set(key, value)
	}
}

func (c *Client) classifyTransportError(ctx context.Context, err error) *apierror.Error {
	if ctx.Err() != nil {
		return apierror.Wrap(apierror.KindClientDisconnected, ctx.Err(), "request cancelled")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierror.Wrap(apierror.KindUpstreamTimeout, err, "%s call timed out before first byte", c.role)
	}
	return apierror.Wrap(apierror.KindUpstream, err, "%s call failed", c.role)
}

func (c *Client) classifyStatus(resp *http.Response) *apierror.Error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	msg := extractErrorMessage(data)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return apierror.New(apierror.KindUpstreamRateLimited, "%s rate limited: %s", c.role, msg)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return apierror.New(apierror.KindUpstreamTimeout, "%s timed out: %s", c.role, msg)
	default:
		return apierror.New(apierror.KindUpstream, "%s returned HTTP %d: %s", c.role, resp.StatusCode, msg)
	}
}

// extractErrorMessage digs the human-readable message out of an upstream
// error body, whatever shape the provider chose.
func extractErrorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return compactPreview(body)
	}
	root := gjson.ParseBytes(body)
	for _, path := range []string{"error.message", "error", "message", "detail"} {
		if v := root.Get(path); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return strings.TrimSpace(v.Str)
		}
	}
	return compactPreview(body)
}

func compactPreview(body []byte) string {
	clean := strings.Join(strings.Fields(string(body)), " ")
	if len(clean) > 280 {
		clean = clean[:280] + "..."
	}
	return clean
}
