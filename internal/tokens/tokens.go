// Package tokens estimates token usage with tiktoken when an upstream
// response omits its usage block.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/polyrelay/polyrelay/internal/domain"
)

// Every message carries a fixed framing overhead on the wire.
const perMessageOverhead = 4

// Estimator counts tokens for usage reporting. Codecs are cached per
// encoding since construction is expensive.
type Estimator struct {
	mu    sync.RWMutex
	cache map[tokenizer.Encoding]tokenizer.Codec
}

// NewEstimator creates an Estimator.
func NewEstimator() *Estimator {
	return &Estimator{cache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// Estimate fills in usage for a completed exchange. It is approximate: the
// backend's own tokenizer is authoritative, this only keeps quota accounting
// and client display sane when the upstream stays silent.
func (e *Estimator) Estimate(req *domain.ChatRequest, resp *domain.ChatResponse) domain.Usage {
	codec, err := e.codecFor(req.Model)
	if err != nil {
		return domain.Usage{}
	}

	prompt := 0
	if req.System != "" {
		prompt += e.count(codec, req.System) + perMessageOverhead
	}
	for _, m := range req.Messages {
		prompt += e.count(codec, m.Content) + perMessageOverhead
		for _, tc := range m.ToolCalls {
			prompt += e.count(codec, tc.Name) + e.count(codec, tc.Arguments)
		}
	}

	completion := e.count(codec, resp.Content) + e.count(codec, resp.Reasoning)
	for _, tc := range resp.ToolCalls {
		completion += e.count(codec, tc.Name) + e.count(codec, tc.Arguments)
	}

	return domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func (e *Estimator) count(codec tokenizer.Codec, text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		// Rough fallback: a token is about four characters of English.
		return len(text) / 4
	}
	return len(ids)
}

func (e *Estimator) codecFor(model string) (tokenizer.Codec, error) {
	if codec, err := tokenizer.ForModel(tokenizer.Model(model)); err == nil {
		return codec, nil
	}

	encoding := modelEncoding(model)

	e.mu.RLock()
	if cached, ok := e.cache[encoding]; ok {
		e.mu.RUnlock()
		return cached, nil
	}
	e.mu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[encoding] = codec
	e.mu.Unlock()
	return codec, nil
}

// modelEncoding picks a fallback encoding by model family. Gateway-routed
// models are mostly modern, so o200k_base is the default; the cl100k branch
// covers the older gpt-4/gpt-3.5 names that can still arrive via aliases.
func modelEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"),
		strings.HasPrefix(model, "codex"),
		strings.HasPrefix(model, "gemini"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
