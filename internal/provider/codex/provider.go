// Package codex adapts the gateway's canonical chat shape to the ChatGPT
// backend's Responses SSE protocol.
package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polyrelay/polyrelay/internal/credential"
	"github.com/polyrelay/polyrelay/internal/domain"
	"github.com/polyrelay/polyrelay/internal/provider"
	"github.com/polyrelay/polyrelay/internal/ratelimit"
)

const defaultBaseURL = "https://chatgpt.com/backend-api/codex"

var defaultModels = []string{
	"gpt-5.2",
	"gpt-5.2-codex",
	"gpt-5.1-codex-mini",
	"gpt-5*",
	"codex-*",
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

// Provider implements domain.Provider for the Codex backend. The upstream
// only speaks streaming; Chat drains the event stream into a single
// response.
type Provider struct {
	store      credential.Store
	limits     *ratelimit.Tracker
	baseURL    string
	httpClient *http.Client
	models     []string
}

// New creates a Codex adapter over the given credential store.
func New(store credential.Store, limits *ratelimit.Tracker, opts ...Option) *Provider {
	if limits == nil {
		limits = ratelimit.NewTracker()
	}
	p := &Provider{
		store:      store,
		limits:     limits,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 600 * time.Second},
		models:     defaultModels,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "codex" }

func (p *Provider) SupportsModel(model string) bool {
	return provider.MatchModel(model, p.models)
}

// RateLimits exposes the advisory per-account rate-limit status.
func (p *Provider) RateLimits() *ratelimit.Tracker { return p.limits }

// GetToken exposes credential selection for operators and tests.
func (p *Provider) GetToken(ctx context.Context) (*credential.Account, error) {
	return p.store.GetToken(ctx)
}

// RefreshToken forces a refresh on the given account.
func (p *Provider) RefreshToken(ctx context.Context, a *credential.Account) (*credential.Account, error) {
	return p.store.RefreshToken(ctx, a)
}

func (p *Provider) Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	events, err := p.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &domain.ChatResponse{Model: req.Model}
	var currentTool *domain.ToolCall
	for ev := range events {
		if ev.Err != nil {
			return nil, ev.Err
		}
		switch ev.Kind {
		case domain.EventMessageStart:
			resp.ID = ev.ID
		case domain.EventBlockStart:
			if ev.Block == domain.BlockToolCall && ev.ToolCall != nil {
				tc := *ev.ToolCall
				currentTool = &tc
			}
		case domain.EventBlockDelta:
			switch ev.Block {
			case domain.BlockText:
				resp.Content += ev.Delta
			case domain.BlockReasoning:
				resp.Reasoning += ev.Delta
			}
		case domain.EventBlockStop:
			if ev.Block == domain.BlockToolCall && currentTool != nil {
				resp.ToolCalls = append(resp.ToolCalls, *currentTool)
				currentTool = nil
			}
		case domain.EventMessageDelta:
			resp.FinishReason = ev.FinishReason
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
		}
	}
	return resp, nil
}

func (p *Provider) ChatStream(ctx context.Context, req *domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	account, err := p.store.GetToken(ctx)
	if err != nil {
		return nil, &domain.AuthError{Provider: p.Name(), Cause: err}
	}

	payload := toResponsesRequest(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal codex request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create codex request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+account.Token())
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("OpenAI-Beta", "responses=experimental")
	httpReq.Header.Set("originator", "codex_cli_rs")
	httpReq.Header.Set("session_id", uuid.New().String())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("codex request failed: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
		p.limits.MarkLimited(account.ID, string(raw), retryAfter)
		return nil, &domain.RateLimitError{Provider: p.Name(), RetryAfter: retryAfter, Message: string(raw)}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("codex API error (status %d): %s", resp.StatusCode, string(raw))
	}

	p.limits.MarkSuccess(account.ID)

	out := make(chan domain.StreamEvent)
	go p.streamReader(ctx, resp.Body, req.Model, out)
	return out, nil
}

func (p *Provider) streamReader(ctx context.Context, body io.ReadCloser, model string, out chan<- domain.StreamEvent) {
	defer close(out)
	defer body.Close()

	em := provider.NewEmitter(ctx, out)
	started := false

	var usage *domain.Usage

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var eventType string
	for scanner.Scan() {
		if em.Abandoned() {
			return
		}
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev responsesEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			em.Error(fmt.Errorf("decode codex event: %w", err))
			return
		}
		if ev.Type == "" {
			ev.Type = eventType
		}

		switch ev.Type {
		case "response.created":
			if !started {
				id := ""
				if ev.Response != nil {
					id = ev.Response.ID
				}
				em.Start(id, model)
				started = true
			}
		case "response.output_text.delta", "response.content_part.delta":
			ensureStart(em, &started, model)
			em.Text(ev.Delta)
		case "response.reasoning_text.delta", "response.reasoning_summary_text.delta":
			ensureStart(em, &started, model)
			em.Reasoning(ev.Delta, "")
		case "response.output_item.done":
			if ev.Item != nil && ev.Item.Type == "function_call" {
				ensureStart(em, &started, model)
				em.ToolCall(domain.ToolCall{
					ID:        ev.Item.CallID,
					Name:      ev.Item.Name,
					Arguments: ev.Item.Arguments,
				})
			}
		case "response.completed":
			if ev.Response != nil && ev.Response.Usage != nil {
				usage = &domain.Usage{
					PromptTokens:     ev.Response.Usage.InputTokens,
					CompletionTokens: ev.Response.Usage.OutputTokens,
					TotalTokens:      ev.Response.Usage.InputTokens + ev.Response.Usage.OutputTokens,
				}
			}
		case "response.failed":
			msg := "response failed"
			if ev.Response != nil && ev.Response.Error != nil {
				msg = ev.Response.Error.Message
			}
			em.Error(fmt.Errorf("codex upstream: %s", msg))
			return
		}
	}

	if err := scanner.Err(); err != nil {
		em.Error(fmt.Errorf("codex stream read: %w", err))
		return
	}

	ensureStart(em, &started, model)
	em.Finish("", usage)
}

func ensureStart(em *provider.Emitter, started *bool, model string) {
	if !*started {
		em.Start("", model)
		*started = true
	}
}

func (p *Provider) ListModels(ctx context.Context) (*domain.ModelList, error) {
	list := &domain.ModelList{Object: "list"}
	for _, m := range p.models {
		if strings.HasSuffix(m, "*") {
			continue
		}
		list.Data = append(list.Data, domain.Model{ID: m, Object: "model", OwnedBy: "openai"})
	}
	return list, nil
}

func parseRetryAfterHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
