// Package openai renders the gateway's canonical chat shapes in the
// chat-completions wire format.
package openai

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polyrelay/polyrelay/internal/domain"
)

// DecodeRequest parses a chat-completions request body into the canonical
// request. The second result reports stream_options.include_usage, which
// only the chunk encoder cares about.
func DecodeRequest(data []byte) (*domain.ChatRequest, bool, error) {
	var apiReq ChatCompletionRequest
	if err := json.Unmarshal(data, &apiReq); err != nil {
		return nil, false, &domain.ValidationError{Message: fmt.Sprintf("invalid request body: %v", err)}
	}
	if apiReq.Model == "" {
		return nil, false, &domain.ValidationError{Message: "model is required"}
	}
	if len(apiReq.Messages) == 0 {
		return nil, false, &domain.ValidationError{Message: "messages is required"}
	}

	req := &domain.ChatRequest{
		Model:       apiReq.Model,
		Stream:      apiReq.Stream,
		MaxTokens:   apiReq.MaxTokens,
		Temperature: apiReq.Temperature,
		TopP:        apiReq.TopP,
	}
	if apiReq.MaxOutput > 0 {
		req.MaxTokens = apiReq.MaxOutput
	}

	for _, m := range apiReq.Messages {
		msg := domain.Message{
			Role:       m.Role,
			Content:    string(m.Content),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args := tc.Function.Arguments
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: args,
			})
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range apiReq.Tools {
		req.Tools = append(req.Tools, domain.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	includeUsage := apiReq.StreamOpts != nil && apiReq.StreamOpts.IncludeUsage
	return req, includeUsage, nil
}

// EncodeResponse renders a canonical response as a chat.completion object.
func EncodeResponse(resp *domain.ChatResponse) ([]byte, error) {
	out := &ChatCompletionResponse{
		ID:      ensureID(resp.ID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
	}

	msg := &ChoiceOutput{
		Role:             "assistant",
		Content:          resp.Content,
		ReasoningContent: resp.Reasoning,
	}
	for i, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			Index:    i,
			ID:       ensureCallID(tc.ID),
			Type:     "function",
			Function: FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}

	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	out.Choices = []Choice{{Index: 0, Message: msg, FinishReason: &finish}}
	if resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0 {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return json.Marshal(out)
}

// EncodeError renders the chat-completions error envelope.
func EncodeError(message, errType string) []byte {
	out, err := json.Marshal(&ErrorResponse{Error: ErrorBody{Message: message, Type: errType}})
	if err != nil {
		return []byte(`{"error":{"message":"internal error","type":"api_error"}}`)
	}
	return out
}

// ChunkPool recycles chunk objects across streaming encodes. Unlike
// sync.Pool it has an inspectable size and an explicit Clear, so tests and
// operators can reason about it.
type ChunkPool struct {
	mu   sync.Mutex
	free []*ChatCompletionResponse
	max  int
}

// DefaultPoolSize bounds how many idle chunks a pool retains.
const DefaultPoolSize = 64

// NewChunkPool creates a pool retaining at most max idle chunks.
func NewChunkPool(max int) *ChunkPool {
	if max <= 0 {
		max = DefaultPoolSize
	}
	return &ChunkPool{max: max}
}

// Get returns a zeroed chunk, reusing an idle one when available.
func (p *ChunkPool) Get() *ChatCompletionResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		return c
	}
	return &ChatCompletionResponse{}
}

// Put resets the chunk and returns it to the pool. Full pools drop it.
func (p *ChunkPool) Put(c *ChatCompletionResponse) {
	if c == nil {
		return
	}
	*c = ChatCompletionResponse{}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < p.max {
		p.free = append(p.free, c)
	}
}

// Size reports how many idle chunks the pool holds.
func (p *ChunkPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Clear drops all idle chunks.
func (p *ChunkPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = nil
}

var defaultPool = NewChunkPool(DefaultPoolSize)

// DefaultPool returns the process-wide chunk pool.
func DefaultPool() *ChunkPool { return defaultPool }

// StreamEncoder renders canonical stream events as chat.completion.chunk
// SSE payloads. One encoder serves one response stream.
type StreamEncoder struct {
	id           string
	model        string
	created      int64
	pool         *ChunkPool
	includeUsage bool

	sentRole  bool
	toolIndex int
	inTool    bool
	usage     *domain.Usage
}

// NewStreamEncoder creates an encoder for one stream. includeUsage mirrors
// the request's stream_options.include_usage.
func NewStreamEncoder(model string, includeUsage bool) *StreamEncoder {
	return &StreamEncoder{
		id:           "chatcmpl-" + uuid.New().String(),
		model:        model,
		created:      time.Now().Unix(),
		pool:         defaultPool,
		includeUsage: includeUsage,
	}
}

// Encode maps one canonical event onto zero or more chunk payloads, each a
// complete JSON document ready to go behind "data: ".
func (e *StreamEncoder) Encode(ev domain.StreamEvent) ([][]byte, error) {
	switch ev.Kind {
	case domain.EventMessageStart:
		if ev.ID != "" {
			e.id = ev.ID
		}
		if e.sentRole {
			return nil, nil
		}
		e.sentRole = true
		return e.render(&ChoiceOutput{Role: "assistant"}, nil)

	case domain.EventBlockStart:
		if ev.Block != domain.BlockToolCall || ev.ToolCall == nil {
			return nil, nil
		}
		e.inTool = true
		return e.render(&ChoiceOutput{
			ToolCalls: []ToolCall{{
				Index:    e.toolIndex,
				ID:       ensureCallID(ev.ToolCall.ID),
				Type:     "function",
				Function: FunctionCall{Name: ev.ToolCall.Name},
			}},
		}, nil)

	case domain.EventBlockDelta:
		switch ev.Block {
		case domain.BlockText:
			if ev.Delta == "" {
				return nil, nil
			}
			return e.render(&ChoiceOutput{Content: ev.Delta}, nil)
		case domain.BlockReasoning:
			if ev.Delta == "" {
				return nil, nil
			}
			return e.render(&ChoiceOutput{ReasoningContent: ev.Delta}, nil)
		case domain.BlockToolCall:
			if ev.Delta == "" {
				return nil, nil
			}
			return e.render(&ChoiceOutput{
				ToolCalls: []ToolCall{{
					Index:    e.toolIndex,
					Function: FunctionCall{Arguments: ev.Delta},
				}},
			}, nil)
		}
		return nil, nil

	case domain.EventBlockStop:
		if ev.Block == domain.BlockToolCall && e.inTool {
			e.inTool = false
			e.toolIndex++
		}
		return nil, nil

	case domain.EventUsage:
		e.usage = ev.Usage
		return nil, nil

	case domain.EventMessageDelta:
		if ev.Usage != nil {
			e.usage = ev.Usage
		}
		finish := ev.FinishReason
		if finish == "" {
			finish = "stop"
		}
		return e.render(&ChoiceOutput{}, &finish)

	case domain.EventMessageStop:
		// The usage-only chunk trails the finish chunk, matching upstream
		// stream_options behavior.
		if !e.includeUsage || e.usage == nil {
			return nil, nil
		}
		c := e.pool.Get()
		defer e.pool.Put(c)
		c.ID = e.id
		c.Object = "chat.completion.chunk"
		c.Created = e.created
		c.Model = e.model
		c.Choices = []Choice{}
		c.Usage = &Usage{
			PromptTokens:     e.usage.PromptTokens,
			CompletionTokens: e.usage.CompletionTokens,
			TotalTokens:      e.usage.TotalTokens,
		}
		data, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		return [][]byte{data}, nil
	}

	return nil, nil
}

func (e *StreamEncoder) render(delta *ChoiceOutput, finish *string) ([][]byte, error) {
	c := e.pool.Get()
	defer e.pool.Put(c)

	c.ID = e.id
	c.Object = "chat.completion.chunk"
	c.Created = e.created
	c.Model = e.model
	c.Choices = []Choice{{Index: 0, Delta: delta, FinishReason: finish}}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func ensureID(id string) string {
	if id != "" {
		return id
	}
	return "chatcmpl-" + uuid.New().String()
}

func ensureCallID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + uuid.New().String()
}
