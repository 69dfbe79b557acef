// Package route defines the access-control and quota grouping addressed by a
// caller's API key: allowed models, aliases, hashed keys, per-model limits
// and the usage ledger.
package route

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// MasterID is the reserved route id for the unrestricted super-credential.
const MasterID = "master"

// Route groups allowed models, aliases, hashed API keys and quota state.
type Route struct {
	ID           string                 `json:"id"`
	Models       []string               `json:"models,omitempty"`
	ModelAliases map[string]string      `json:"modelAliases,omitempty"`
	KeyHashes    []string               `json:"keyHashes,omitempty"`
	ModelLimits  map[string]*ModelLimit `json:"modelLimits,omitempty"`
	Usage        map[string]*UsageEntry `json:"usage,omitempty"`
}

// IsMaster reports whether the route is the unrestricted super-credential.
func (r *Route) IsMaster() bool { return r.ID == MasterID }

// Resolve maps a client-visible model name through the alias table. The
// second return is false when the name is neither an alias nor an allowed
// model and the route is restricted.
func (r *Route) Resolve(model string) (string, bool) {
	if target, ok := r.ModelAliases[model]; ok {
		return target, true
	}
	if r.IsMaster() {
		return model, true
	}
	for _, m := range r.Models {
		if m == model {
			return model, true
		}
	}
	return "", false
}

// AllowedNames returns the sorted union of allowed models and alias names,
// used in allow-list rejection messages.
func (r *Route) AllowedNames() []string {
	names := make([]string, 0, len(r.Models)+len(r.ModelAliases))
	names = append(names, r.Models...)
	for alias := range r.ModelAliases {
		names = append(names, alias)
	}
	sort.Strings(names)
	return names
}

// MatchesKey reports whether the SHA-256 hash of key is registered on the
// route.
func (r *Route) MatchesKey(key string) bool {
	h := HashKey(key)
	for _, kh := range r.KeyHashes {
		if kh == h {
			return true
		}
	}
	return false
}

// HashKey returns the hex SHA-256 of an API key, the only form keys are
// stored in.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Period is a recurring quota window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Start returns the beginning of the period containing now: midnight for
// daily, the most recent Monday midnight for weekly, the first of the month
// for monthly.
func (p Period) Start(now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch p {
	case PeriodDaily:
		return midnight
	case PeriodWeekly:
		offset := (int(now.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
		return midnight.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return time.Time{}
	}
}

// Valid reports whether p names a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// ModelLimit holds the four independent optional constraints for a
// (route, model) pair. All-zero means unlimited.
//
// Stored documents may carry a bare number instead of an object; that legacy
// form normalizes to {total: n} at unmarshal time and is never re-interpreted
// downstream.
type ModelLimit struct {
	Total       int64      `json:"total,omitempty"`
	Period      Period     `json:"period,omitempty"`
	PeriodLimit int64      `json:"periodLimit,omitempty"`
	ExpireAt    *time.Time `json:"expireAt,omitempty"`
}

// Unlimited reports whether no constraint is configured.
func (l *ModelLimit) Unlimited() bool {
	return l == nil || (l.Total == 0 && l.Period == "" && l.PeriodLimit == 0 && l.ExpireAt == nil)
}

func (l *ModelLimit) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*l = ModelLimit{Total: n}
		return nil
	}

	type alias ModelLimit
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*l = ModelLimit(obj)
	return nil
}

// UsageEntry tracks per (route, model) consumption. Counters never go
// negative; PeriodUsed resets to zero the first time a request is evaluated
// after the current period start passes LastReset.
//
// The legacy bare-number form normalizes to {totalUsed: n}.
type UsageEntry struct {
	TotalUsed  int64     `json:"totalUsed"`
	PeriodUsed int64     `json:"periodUsed,omitempty"`
	LastReset  time.Time `json:"lastReset,omitempty"`
}

func (u *UsageEntry) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*u = UsageEntry{TotalUsed: n}
		return nil
	}

	type alias UsageEntry
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*u = UsageEntry(obj)
	return nil
}
