package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/yuanhang110/DeepClaude-Pro/internal/apierror"
)

// Retries apply only before the first accepted byte: once a response
// header has been returned the call is past this layer, and any later
// failure is reported mid-stream instead of replayed.
const (
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
)

func (c *Client) doWithRetry(ctx context.Context, body []byte, overrideHeaders map[string]string) (*http.Response, *apierror.Error) {
	var lastErr *apierror.Error
	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			slog.Warn("retrying upstream call",
				slog.String("role", c.role),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("cause", lastErr.Error()))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, apierror.Wrap(apierror.KindClientDisconnected, ctx.Err(), "request cancelled")
			}
			backoff *= 2
		}

		resp, err := c.do(ctx, body, overrideHeaders)
		if err == nil {
			return resp, nil
		}
		if !err.Kind.Retryable() {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
