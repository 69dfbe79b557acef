// Package ratelimit tracks upstream 429 status per account and parses the
// retry-delay hints providers embed in their error payloads.
package ratelimit

import (
	"encoding/json"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// DefaultResetWindow applies when a 429 carries no parseable delay hint.
const DefaultResetWindow = 3 * time.Hour

// Status records one account's rate-limit state. Advisory telemetry only:
// credential selection does not consult it.
type Status struct {
	AccountID string    `json:"accountId"`
	ResetTime time.Time `json:"resetTime"`
	LastError string    `json:"lastError,omitempty"`
}

// Tracker holds per-account rate-limit status. Entries clear lazily once
// ResetTime passes, or immediately after a successful call on the account.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]Status
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]Status),
		now:     time.Now,
	}
}

// MarkLimited records a 429 for the account. errText is the upstream error
// body used for the operator surface; the reset delay is parsed from it (or
// retryAfter when the header was present), falling back to
// DefaultResetWindow.
func (t *Tracker) MarkLimited(accountID, errText string, retryAfter time.Duration) time.Time {
	delay := retryAfter
	if delay <= 0 {
		delay = ParseRetryDelay(errText)
	}
	if delay <= 0 {
		delay = DefaultResetWindow
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		AccountID: accountID,
		ResetTime: t.now().Add(delay),
		LastError: errText,
	}
	t.entries[accountID] = st
	return st.ResetTime
}

// MarkSuccess clears any status for the account.
func (t *Tracker) MarkSuccess(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, accountID)
}

// Get returns the current status for an account. Expired entries are
// dropped on read.
func (t *Tracker) Get(accountID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.entries[accountID]
	if !ok {
		return Status{}, false
	}
	if t.now().After(st.ResetTime) {
		delete(t.entries, accountID)
		return Status{}, false
	}
	return st, true
}

// Snapshot returns all live statuses, dropping expired ones.
func (t *Tracker) Snapshot() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]Status, 0, len(t.entries))
	for id, st := range t.entries {
		if now.After(st.ResetTime) {
			delete(t.entries, id)
			continue
		}
		out = append(out, st)
	}
	return out
}

var (
	// "retryDelay": "27s" (google.rpc.RetryInfo shape)
	retryInfoPattern = regexp.MustCompile(`"retryDelay"\s*:\s*"([0-9hms.]+)"`)
	// "quotaResetDelay": "2m30s"
	quotaResetPattern = regexp.MustCompile(`"quotaResetDelay"\s*:\s*"([0-9hms.]+)"`)
	// natural language: "try again in 2m30s" / "try again in 45 seconds".
	// The Go-duration form is tried first so compound values like "2m30s"
	// keep their seconds; the unit form only sees "45 seconds" style text
	// that ParseDuration rejects.
	tryAgainGoDur   = regexp.MustCompile(`try again in ([0-9hms.]+)`)
	tryAgainPattern = regexp.MustCompile(`try again in ([0-9]+(?:\.[0-9]+)?)\s*(h|hours?|m|min|minutes?|s|sec|seconds?)`)
)

// ParseRetryDelay extracts a retry delay from an upstream 429 error body,
// trying in priority order: a structured retry-info field, a
// quotaResetDelay field, a natural-language duration, then a bare numeric
// retry-after value. Zero means nothing parsed.
func ParseRetryDelay(errText string) time.Duration {
	if errText == "" {
		return 0
	}

	if m := retryInfoPattern.FindStringSubmatch(errText); m != nil {
		if d, err := time.ParseDuration(m[1]); err == nil {
			return d
		}
	}
	if m := quotaResetPattern.FindStringSubmatch(errText); m != nil {
		if d, err := time.ParseDuration(m[1]); err == nil {
			return d
		}
	}
	if m := tryAgainGoDur.FindStringSubmatch(errText); m != nil {
		if d, err := time.ParseDuration(m[1]); err == nil {
			return d
		}
	}
	if m := tryAgainPattern.FindStringSubmatch(errText); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			switch m[2][0] {
			case 'h':
				return time.Duration(n * float64(time.Hour))
			case 'm':
				return time.Duration(n * float64(time.Minute))
			default:
				return time.Duration(n * float64(time.Second))
			}
		}
	}

	// A bare numeric retry-after (seconds), possibly inside a JSON field.
	var payload struct {
		RetryAfter json.Number `json:"retry_after"`
	}
	if err := json.Unmarshal([]byte(errText), &payload); err == nil {
		if secs, err := payload.RetryAfter.Float64(); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if secs, err := strconv.ParseFloat(errText, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}

	return 0
}
