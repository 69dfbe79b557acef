// Package relay moves backend event streams onto client connections:
// SSE framing, keep-alive heartbeats, and bounded retry when an upstream
// rate-limits.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/polyrelay/polyrelay/internal/domain"
)

// DefaultHeartbeat is the keep-alive interval when the config does not set
// one.
const DefaultHeartbeat = 15 * time.Second

// Writer frames SSE output on an http.ResponseWriter. Writes are serialized
// so heartbeats and event frames never interleave mid-frame.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter sets the SSE response headers and returns a frame writer. It
// fails when the underlying writer cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

// Data writes an unnamed data frame.
func (w *Writer) Data(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Event writes a named event frame.
func (w *Writer) Event(name string, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Comment writes an SSE comment line. Comments are invisible to SSE parsers,
// which makes them the keep-alive of choice for chat-completions streams.
func (w *Writer) Comment(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, ": %s\n\n", text); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Done writes the chat-completions stream terminator.
func (w *Writer) Done() error {
	return w.Data([]byte("[DONE]"))
}

// Pump drains events onto the client until the stream ends, the context is
// canceled, or a write fails. onEvent encodes and writes one canonical
// event; onHeartbeat fires every interval while the stream is idle or busy.
// The heartbeat stops on every exit path. A terminal backend error is
// returned after the stream has already started, so callers decide how to
// surface it in-band.
func Pump(ctx context.Context, events <-chan domain.StreamEvent, interval time.Duration, onEvent func(domain.StreamEvent) error, onHeartbeat func() error) error {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if onHeartbeat == nil {
				continue
			}
			if err := onHeartbeat(); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Err != nil {
				return ev.Err
			}
			if err := onEvent(ev); err != nil {
				return err
			}
		}
	}
}

// Do runs fn, retrying up to attempts extra times when the failure is an
// upstream rate limit. Other errors return immediately. The wait honors the
// upstream's retry-after hint when present, capped so a hostile hint cannot
// park the request.
func Do[T any](ctx context.Context, attempts int, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !domain.IsRateLimit(err) || attempt >= attempts {
			return zero, err
		}
		lastErr = err

		wait := retryWait(err, attempt)
		logger.Warn("upstream rate limited, retrying",
			"attempt", attempt+1,
			"max_attempts", attempts,
			"wait", wait.String(),
		)

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("canceled while waiting to retry: %w", lastErr)
		case <-time.After(wait):
		}
	}
}

const maxRetryWait = 30 * time.Second

func retryWait(err error, attempt int) time.Duration {
	var rle *domain.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		if rle.RetryAfter > maxRetryWait {
			return maxRetryWait
		}
		return rle.RetryAfter
	}
	// Linear backoff starting at one second.
	return time.Duration(attempt+1) * time.Second
}
