package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	geminiTokenURL = "https://oauth2.googleapis.com/token"
	// OAuth client of the Gemini CLI; public by design.
	geminiClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiClientSecret = "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"

	// DefaultRefreshBuffer is how long before expiry a token is treated as
	// stale.
	DefaultRefreshBuffer = 10 * time.Minute
)

// NewGeminiStore builds the credential store for Gemini CLI OAuth accounts.
func NewGeminiStore(path string, buffer time.Duration, httpClient *http.Client, logger *slog.Logger) Store {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return newFileStore(path, "gemini", buffer, geminiRefresher(httpClient), logger)
}

func geminiRefresher(client *http.Client) refreshFunc {
	return func(ctx context.Context, a *Account) error {
		values := url.Values{}
		values.Set("grant_type", "refresh_token")
		values.Set("refresh_token", a.RefreshToken)
		values.Set("client_id", geminiClientID)
		values.Set("client_secret", geminiClientSecret)

		tokens, err := postTokenForm(ctx, client, geminiTokenURL, values)
		if err != nil {
			return fmt.Errorf("gemini token refresh: %w", err)
		}

		a.AccessToken = tokens.AccessToken
		if tokens.RefreshToken != "" {
			a.RefreshToken = tokens.RefreshToken
		}
		a.ExpiresAt = time.Now().UTC().Add(time.Duration(tokens.ExpiresIn) * time.Second)
		return nil
	}
}

// tokenResponse is the OAuth token endpoint reply shared by both OAuth
// providers.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func postTokenForm(ctx context.Context, client *http.Client, tokenURL string, values url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned empty access_token")
	}
	if parsed.ExpiresIn <= 0 {
		parsed.ExpiresIn = 3600
	}
	return &parsed, nil
}
