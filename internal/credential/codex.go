package credential

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	codexTokenURL = "https://auth.openai.com/oauth/token"
	// OAuth client of the Codex CLI; public by design.
	codexClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
)

// NewCodexStore builds the credential store for ChatGPT OAuth accounts used
// by the Codex backend.
func NewCodexStore(path string, buffer time.Duration, httpClient *http.Client, logger *slog.Logger) Store {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return newFileStore(path, "codex", buffer, codexRefresher(httpClient), logger)
}

func codexRefresher(client *http.Client) refreshFunc {
	return func(ctx context.Context, a *Account) error {
		values := url.Values{}
		values.Set("grant_type", "refresh_token")
		values.Set("refresh_token", a.RefreshToken)
		values.Set("client_id", codexClientID)
		values.Set("scope", "openid profile email")

		tokens, err := postTokenForm(ctx, client, codexTokenURL, values)
		if err != nil {
			return fmt.Errorf("codex token refresh: %w", err)
		}

		a.AccessToken = tokens.AccessToken
		if tokens.RefreshToken != "" {
			a.RefreshToken = tokens.RefreshToken
		}
		a.ExpiresAt = time.Now().UTC().Add(time.Duration(tokens.ExpiresIn) * time.Second)
		return nil
	}
}
