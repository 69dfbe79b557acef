// Package credential manages upstream provider accounts: round-robin
// selection, staleness detection, refresh, and file persistence.
package credential

import (
	"time"
)

// Account is one provider credential record. OAuth-style accounts carry a
// token pair and expiry; api-key accounts carry only APIKey and never
// expire.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email,omitempty"`
	Region       string    `json:"region,omitempty"`
	AuthKind     string    `json:"authKind,omitempty"` // oauth, api_key
	APIKey       string    `json:"apiKey,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	Enabled      *bool     `json:"enabled,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (a *Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// IsStale reports whether the access token needs a refresh before use.
// Accounts without a refresh token (static API keys) are never stale.
func (a *Account) IsStale(now time.Time, buffer time.Duration) bool {
	if a.RefreshToken == "" {
		return false
	}
	if a.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(a.ExpiresAt.Add(-buffer))
}

// Token returns the material to authenticate with: the static key when
// present, else the access token.
func (a *Account) Token() string {
	if a.APIKey != "" {
		return a.APIKey
	}
	return a.AccessToken
}

// TokenSuffix returns a short tail of the active token, the only portion
// that ever reaches logs.
func (a *Account) TokenSuffix() string {
	t := a.Token()
	if len(t) <= 6 {
		return t
	}
	return "..." + t[len(t)-6:]
}
