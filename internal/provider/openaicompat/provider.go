// Package openaicompat adapts the gateway's canonical chat shape to any
// upstream speaking the standard chat-completions protocol with API keys.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/polyrelay/polyrelay/internal/credential"
	"github.com/polyrelay/polyrelay/internal/domain"
	"github.com/polyrelay/polyrelay/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

var defaultModels = []string{
	"gpt-4.1",
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-*",
	"o3*",
	"o4*",
}

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL overrides the upstream endpoint.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithModels overrides the supported-model patterns.
func WithModels(models []string) Option {
	return func(p *Provider) {
		p.models = models
	}
}

// WithName overrides the provider name, for configs running several
// chat-completions upstreams side by side.
func WithName(name string) Option {
	return func(p *Provider) {
		p.name = name
	}
}

// Provider implements domain.Provider for chat-completions upstreams.
type Provider struct {
	name       string
	store      credential.Store
	baseURL    string
	httpClient *http.Client
	models     []string
}

// New creates a chat-completions adapter over the given credential store.
func New(store credential.Store, opts ...Option) *Provider {
	p := &Provider{
		name:       "openai",
		store:      store,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 300 * time.Second},
		models:     defaultModels,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsModel(model string) bool {
	return provider.MatchModel(model, p.models)
}

// GetToken exposes credential selection for operators and tests.
func (p *Provider) GetToken(ctx context.Context) (*credential.Account, error) {
	return p.store.GetToken(ctx)
}

func (p *Provider) Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	payload := toAPIRequest(req)
	payload.Stream = false

	resp, err := p.do(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", p.name, err)
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(raw, &completion); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", p.name, err)
	}
	return toCanonicalResponse(&completion), nil
}

func (p *Provider) ChatStream(ctx context.Context, req *domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	payload := toAPIRequest(req)
	payload.Stream = true
	payload.StreamOpts = &streamOpts{IncludeUsage: true}

	resp, err := p.do(ctx, payload)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamEvent)
	go p.streamReader(ctx, resp.Body, req.Model, out)
	return out, nil
}

func (p *Provider) do(ctx context.Context, payload *chatCompletionRequest) (*http.Response, error) {
	account, err := p.store.GetToken(ctx)
	if err != nil {
		return nil, &domain.AuthError{Provider: p.name, Cause: err}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+account.Token())
	if payload.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.name, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, &domain.RateLimitError{Provider: p.name, Message: string(raw)}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 8192))
		return nil, &domain.AuthError{Provider: p.name, Cause: fmt.Errorf("upstream rejected credentials (status %d)", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("%s API error (status %d): %s", p.name, resp.StatusCode, string(raw))
	}

	return resp, nil
}

func (p *Provider) streamReader(ctx context.Context, body io.ReadCloser, model string, out chan<- domain.StreamEvent) {
	defer close(out)
	defer body.Close()

	em := provider.NewEmitter(ctx, out)
	started := false

	var usage *domain.Usage
	finish := ""

	// Tool-call deltas arrive fragmented across chunks keyed by index.
	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	var pending []*pendingCall

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		if em.Abandoned() {
			return
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatCompletionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			em.Error(fmt.Errorf("decode %s chunk: %w", p.name, err))
			return
		}

		if !started {
			em.Start(chunk.ID, model)
			started = true
		}

		if chunk.Usage != nil {
			usage = &domain.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}

		for _, c := range chunk.Choices {
			if c.Delta != nil {
				if c.Delta.ReasoningContent != "" {
					em.Reasoning(c.Delta.ReasoningContent, "")
				}
				if c.Delta.Content != "" {
					em.Text(c.Delta.Content)
				}
				for _, tc := range c.Delta.ToolCalls {
					for tc.Index >= len(pending) {
						pending = append(pending, &pendingCall{})
					}
					pc := pending[tc.Index]
					if tc.ID != "" {
						pc.id = tc.ID
					}
					if tc.Function != nil {
						if tc.Function.Name != "" {
							pc.name = tc.Function.Name
						}
						pc.args.WriteString(tc.Function.Arguments)
					}
				}
			}
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
	}

	if err := scanner.Err(); err != nil {
		em.Error(fmt.Errorf("%s stream read: %w", p.name, err))
		return
	}

	if !started {
		em.Start("", model)
	}
	for _, pc := range pending {
		args := pc.args.String()
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		em.ToolCall(domain.ToolCall{ID: pc.id, Name: pc.name, Arguments: args})
	}
	em.Finish(finish, usage)
}

// ListModels fetches the upstream model listing, falling back to the
// configured patterns when the upstream call fails.
func (p *Provider) ListModels(ctx context.Context) (*domain.ModelList, error) {
	list := &domain.ModelList{Object: "list"}

	account, err := p.store.GetToken(ctx)
	if err == nil {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
		if reqErr == nil {
			httpReq.Header.Set("Authorization", "Bearer "+account.Token())
			resp, doErr := p.httpClient.Do(httpReq)
			if doErr == nil {
				defer resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					var upstream modelList
					if decErr := json.NewDecoder(resp.Body).Decode(&upstream); decErr == nil {
						for _, m := range upstream.Data {
							list.Data = append(list.Data, domain.Model{
								ID:      m.ID,
								Object:  "model",
								OwnedBy: m.OwnedBy,
								Created: m.Created,
							})
						}
						return list, nil
					}
				}
				io.Copy(io.Discard, io.LimitReader(resp.Body, 8192))
			}
		}
	}

	for _, m := range p.models {
		if strings.HasSuffix(m, "*") {
			continue
		}
		list.Data = append(list.Data, domain.Model{ID: m, Object: "model", OwnedBy: "openai"})
	}
	return list, nil
}
