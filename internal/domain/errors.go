package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError covers malformed requests and models outside a route's
// allow-list. Rendered as HTTP 400 in the caller's wire format.
type ValidationError struct {
	Message string
	// Allowed enumerates the route's permitted model and alias names when
	// the failure is an allow-list miss.
	Allowed []string
}

func (e *ValidationError) Error() string {
	if len(e.Allowed) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (allowed: %s)", e.Message, strings.Join(e.Allowed, ", "))
}

// QuotaError is a quota admission rejection. Rendered as HTTP 429.
type QuotaError struct {
	Reason   string // total_exceeded, period_exceeded, expired
	Model    string
	Limit    int64
	Used     int64
	ExpireAt time.Time
}

func (e *QuotaError) Error() string {
	switch e.Reason {
	case "expired":
		return fmt.Sprintf("quota exceeded for model %s: access expired at %s", e.Model, e.ExpireAt.Format(time.RFC3339))
	case "period_exceeded":
		return fmt.Sprintf("quota exceeded for model %s: period limit %d reached (used %d)", e.Model, e.Limit, e.Used)
	default:
		return fmt.Sprintf("quota exceeded for model %s: total limit %d reached (used %d)", e.Model, e.Limit, e.Used)
	}
}

// AuthError means no usable upstream credential exists: every enabled account
// was tried and refresh failed, or the store is empty. The message stays
// generic so raw token material never reaches clients.
type AuthError struct {
	Provider string
	Cause    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("no usable credential for provider %s", e.Provider)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// RateLimitError is an upstream 429. RetryAfter is zero when the upstream
// gave no usable delay hint.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream %s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("upstream %s rate limited", e.Provider)
}

// ErrNoProvider is returned when no backend adapter is registered at all.
var ErrNoProvider = errors.New("no upstream provider available")

// IsRateLimit reports whether err is (or wraps) an upstream rate limit.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
