// Package domain holds the provider-agnostic request, response and stream
// event types that every frontdoor codec and backend adapter converts
// through.
package domain

import "context"

// ChatRequest is the normalized chat request produced by the frontdoor
// codecs and consumed by backend adapters.
type ChatRequest struct {
	Model       string
	Messages    []Message
	System      string
	Tools       []ToolDefinition
	Stream      bool
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	// UserAgent of the inbound client, forwarded upstream when set.
	UserAgent string
}

// Message is a single conversation turn.
type Message struct {
	Role       string // system, user, assistant, tool
	Content    string
	Reasoning  string
	ToolCalls  []ToolCall
	ToolCallID string // set on role=tool messages
	Name       string
}

// ToolDefinition describes a callable tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a tool invocation requested by the model. Arguments holds the
// serialized JSON argument object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Usage carries token accounting for a completed exchange.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the normalized non-streaming completion result.
type ChatResponse struct {
	ID           string
	Model        string
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string // stop, tool_calls, length
	Usage        Usage
}

// EventKind discriminates StreamEvent variants.
type EventKind string

const (
	EventMessageStart EventKind = "message_start"
	EventBlockStart   EventKind = "content_block_start"
	EventBlockDelta   EventKind = "content_block_delta"
	EventBlockStop    EventKind = "content_block_stop"
	EventMessageDelta EventKind = "message_delta"
	EventMessageStop  EventKind = "message_stop"
	EventUsage        EventKind = "usage"
)

// BlockKind identifies the content block a streaming delta belongs to.
type BlockKind string

const (
	BlockText      BlockKind = "text"
	BlockReasoning BlockKind = "reasoning"
	BlockToolCall  BlockKind = "tool_call"
)

// StreamEvent is the discriminated union flowing from backend adapters to
// frontdoor codecs. Which fields are meaningful depends on Kind:
//
//	message_start        ID, Model
//	content_block_start  Block; ToolCall carries id+name for tool blocks
//	content_block_delta  Block, Delta; Signature on reasoning blocks
//	content_block_stop   Block
//	message_delta        FinishReason, Usage
//	message_stop         -
//	usage                Usage
//
// A non-nil Err terminates the stream; no further events follow it.
type StreamEvent struct {
	Kind         EventKind
	ID           string
	Model        string
	Block        BlockKind
	Delta        string
	Signature    string
	ToolCall     *ToolCall
	FinishReason string
	Usage        *Usage
	Err          error
}

// Model describes one entry in a model listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// ModelList is the OpenAI-shaped model listing payload.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Provider is the uniform backend adapter contract. ChatStream returns a
// finite event sequence; the caller must drain it to completion or cancel
// ctx to abort it.
type Provider interface {
	Name() string
	SupportsModel(model string) bool
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
	ListModels(ctx context.Context) (*ModelList, error)
}
