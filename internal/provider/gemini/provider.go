// Package gemini adapts the gateway's canonical chat shape to the Gemini
// CLI conversation-state JSON protocol.
package gemini

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

const defaultBaseURL = "https://cloudcode-pa.googleapis.com/v1internal"

var defaultModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-3-pro-preview",
	"gemini-*",
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

// Provider implements domain.Provider for the Gemini backend.
type Provider struct {
	store      credential.Store
	baseURL    string
	httpClient *http.Client
	models     []string
}

// New creates a Gemini adapter over the given credential store.
func New(store credential.Store, opts ...Option) *Provider {
	p := &Provider{
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

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) SupportsModel(model string) bool {
	return provider.MatchModel(model, p.models)
}

// GetToken exposes credential selection for operators and tests.
func (p *Provider) GetToken(ctx context.Context) (*credential.Account, error) {
	return p.store.GetToken(ctx)
}

// RefreshToken forces a refresh on the given account.
func (p *Provider) RefreshToken(ctx context.Context, a *credential.Account) (*credential.Account, error) {
	return p.store.RefreshToken(ctx, a)
}

func (p *Provider) Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	account, err := p.store.GetToken(ctx)
	if err != nil {
		return nil, &domain.AuthError{Provider: p.Name(), Cause: err}
	}

	body, err := p.do(ctx, account, ":generateContent", req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read gemini response: %w", err)
	}

	var envelope generateResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}
	if envelope.Response == nil || len(envelope.Response.Candidates) == 0 {
		return nil, fmt.Errorf("gemini response has no candidates")
	}

	resp := &domain.ChatResponse{Model: req.Model}
	cand := envelope.Response.Candidates[0]
	if cand.Content != nil {
		for _, pt := range cand.Content.Parts {
			switch {
			case pt.FunctionCall != nil:
				args, err := json.Marshal(pt.FunctionCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				resp.ToolCalls = append(resp.ToolCalls, domain.ToolCall{
					Name:      pt.FunctionCall.Name,
					Arguments: string(args),
				})
			case pt.Thought:
				resp.Reasoning += pt.Text
			default:
				resp.Content += pt.Text
			}
		}
	}
	resp.FinishReason = mapFinishReason(cand.FinishReason, len(resp.ToolCalls) > 0)
	if um := envelope.Response.UsageMetadata; um != nil {
		resp.Usage = domain.Usage{
			PromptTokens:     um.PromptTokenCount,
			CompletionTokens: um.CandidatesTokenCount,
			TotalTokens:      um.TotalTokenCount,
		}
	}
	return resp, nil
}

func (p *Provider) ChatStream(ctx context.Context, req *domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	account, err := p.store.GetToken(ctx)
	if err != nil {
		return nil, &domain.AuthError{Provider: p.Name(), Cause: err}
	}

	body, err := p.do(ctx, account, ":streamGenerateContent?alt=sse", req)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamEvent)
	go p.streamReader(ctx, body, req.Model, out)
	return out, nil
}

func (p *Provider) streamReader(ctx context.Context, body io.ReadCloser, model string, out chan<- domain.StreamEvent) {
	defer close(out)
	defer body.Close()

	em := provider.NewEmitter(ctx, out)
	em.Start("", model)

	var usage *domain.Usage
	finish := ""

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

		var chunk generateResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			em.Error(fmt.Errorf("decode gemini chunk: %w", err))
			return
		}
		if chunk.Response == nil {
			continue
		}
		for _, cand := range chunk.Response.Candidates {
			if cand.Content != nil {
				for _, pt := range cand.Content.Parts {
					switch {
					case pt.FunctionCall != nil:
						args, err := json.Marshal(pt.FunctionCall.Args)
						if err != nil {
							args = []byte("{}")
						}
						em.ToolCall(domain.ToolCall{
							Name:      pt.FunctionCall.Name,
							Arguments: string(args),
						})
					case pt.Thought:
						em.Reasoning(pt.Text, pt.ThoughtSignature)
					default:
						em.Text(pt.Text)
					}
				}
			}
			if cand.FinishReason != "" {
				finish = cand.FinishReason
			}
		}
		if um := chunk.Response.UsageMetadata; um != nil {
			usage = &domain.Usage{
				PromptTokens:     um.PromptTokenCount,
				CompletionTokens: um.CandidatesTokenCount,
				TotalTokens:      um.TotalTokenCount,
			}
		}
	}

	if err := scanner.Err(); err != nil {
		em.Error(fmt.Errorf("gemini stream read: %w", err))
		return
	}

	em.Finish(mapFinishReason(finish, em.SawToolCall()), usage)
}

func (p *Provider) ListModels(ctx context.Context) (*domain.ModelList, error) {
	list := &domain.ModelList{Object: "list"}
	for _, m := range p.models {
		if strings.HasSuffix(m, "*") {
			continue
		}
		list.Data = append(list.Data, domain.Model{ID: m, Object: "model", OwnedBy: "google"})
	}
	return list, nil
}

func (p *Provider) do(ctx context.Context, account *credential.Account, path string, req *domain.ChatRequest) (io.ReadCloser, error) {
	payload := toGenerateRequest(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+account.Token())
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, &domain.RateLimitError{Provider: p.Name(), Message: string(raw)}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("gemini API error (status %d): %s", resp.StatusCode, string(raw))
	}

	return resp.Body, nil
}

// toGenerateRequest maps the canonical request into the conversation-state
// envelope: distinct user/model content entries, system instruction split
// out, tool results as functionResponse parts.
func toGenerateRequest(req *domain.ChatRequest) *generateRequest {
	chat := &chatRequest{}

	if req.System != "" {
		chat.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if chat.SystemInstruction == nil {
				chat.SystemInstruction = &content{}
			}
			chat.SystemInstruction.Parts = append(chat.SystemInstruction.Parts, part{Text: m.Content})
		case "assistant":
			c := content{Role: "model"}
			if m.Content != "" {
				c.Parts = append(c.Parts, part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				c.Parts = append(c.Parts, part{FunctionCall: &functionCall{Name: tc.Name, Args: args}})
			}
			chat.Contents = append(chat.Contents, c)
		case "tool":
			chat.Contents = append(chat.Contents, content{
				Role: "user",
				Parts: []part{{FunctionResponse: &functionResponse{
					Name:     m.Name,
					Response: map[string]any{"result": m.Content},
				}}},
			})
		default:
			chat.Contents = append(chat.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}

	if len(req.Tools) > 0 {
		decl := toolDeclaration{}
		for _, t := range req.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		chat.Tools = []toolDeclaration{decl}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 {
		chat.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	return &generateRequest{Model: req.Model, Request: chat}
}

func mapFinishReason(reason string, sawTool bool) string {
	if sawTool {
		return "tool_calls"
	}
	switch reason {
	case "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}
