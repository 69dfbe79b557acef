// Package anthropic renders the gateway's canonical chat shapes in the
// messages-API wire format, including the block-lifecycle event stream.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/polyrelay/polyrelay/internal/domain"
)

// DecodeRequest parses a messages-API request body into the canonical
// request. tool_result blocks become tool-role turns; tool_use blocks on
// assistant turns become canonical tool calls.
func DecodeRequest(data []byte) (*domain.ChatRequest, error) {
	var apiReq MessagesRequest
	if err := json.Unmarshal(data, &apiReq); err != nil {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("invalid request body: %v", err)}
	}
	if apiReq.Model == "" {
		return nil, &domain.ValidationError{Message: "model is required"}
	}
	if len(apiReq.Messages) == 0 {
		return nil, &domain.ValidationError{Message: "messages is required"}
	}

	req := &domain.ChatRequest{
		Model:       apiReq.Model,
		Stream:      apiReq.Stream,
		MaxTokens:   apiReq.MaxTokens,
		Temperature: apiReq.Temperature,
		TopP:        apiReq.TopP,
	}

	for _, sys := range apiReq.System {
		if req.System != "" {
			req.System += "\n"
		}
		req.System += sys.Text
	}

	for _, m := range apiReq.Messages {
		var msg domain.Message
		msg.Role = m.Role

		for _, part := range m.Content {
			switch part.Type {
			case "", "text":
				msg.Content += part.Text
			case "thinking":
				msg.Reasoning += part.Thinking
			case "tool_use":
				args := string(part.Input)
				if args == "" || !json.Valid(part.Input) {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
					ID:        part.ID,
					Name:      part.Name,
					Arguments: args,
				})
			case "tool_result":
				// Tool results ride inside user turns; each becomes its own
				// tool-role message so backends see them individually.
				req.Messages = append(req.Messages, domain.Message{
					Role:       "tool",
					Content:    part.Content.text(),
					ToolCallID: part.ToolUseID,
				})
			}
		}

		if msg.Content != "" || msg.Reasoning != "" || len(msg.ToolCalls) > 0 {
			req.Messages = append(req.Messages, msg)
		}
	}

	for _, t := range apiReq.Tools {
		req.Tools = append(req.Tools, domain.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	return req, nil
}

func (c ContentBlock) text() string {
	var out string
	for _, part := range c {
		if part.Type == "" || part.Type == "text" {
			out += part.Text
		}
	}
	return out
}

// EncodeResponse renders a canonical response as a message object.
func EncodeResponse(resp *domain.ChatResponse) ([]byte, error) {
	out := &MessagesResponse{
		ID:         ensureID(resp.ID),
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: mapStopReason(resp.FinishReason),
		Usage: MessagesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if resp.Reasoning != "" {
		out.Content = append(out.Content, ResponseContent{Type: "thinking", Thinking: resp.Reasoning})
	}
	if resp.Content != "" || len(resp.ToolCalls) == 0 {
		out.Content = append(out.Content, ResponseContent{Type: "text", Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		out.Content = append(out.Content, ResponseContent{
			Type:  "tool_use",
			ID:    ensureToolID(tc.ID),
			Name:  tc.Name,
			Input: toolInput(tc.Arguments),
		})
	}

	return json.Marshal(out)
}

// EncodeError renders the messages-API error envelope.
func EncodeError(message, errType string) []byte {
	out, err := json.Marshal(&ErrorResponse{Type: "error", Error: ErrorBody{Type: errType, Message: message}})
	if err != nil {
		return []byte(`{"type":"error","error":{"type":"api_error","message":"internal error"}}`)
	}
	return out
}

// Frame is one named SSE event ready for the wire.
type Frame struct {
	Event string
	Data  []byte
}

// Ping returns the keep-alive frame.
func Ping() (Frame, error) {
	data, err := json.Marshal(&PingEvent{Type: "ping"})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: "ping", Data: data}, nil
}

// StreamEncoder renders canonical stream events as messages-API SSE frames.
// Block indices are zero-based and strictly increasing; every opened block is
// closed before the next opens or the message ends. One encoder serves one
// response stream.
type StreamEncoder struct {
	id            string
	model         string
	passSignature bool

	started   bool
	nextIndex int
	openIndex int
	openKind  domain.BlockKind
	open      bool
	usage     *domain.Usage
}

// NewStreamEncoder creates an encoder for one stream. passSignature controls
// whether thinking signature deltas are forwarded to the client.
func NewStreamEncoder(model string, passSignature bool) *StreamEncoder {
	return &StreamEncoder{
		id:            "msg_" + uuid.New().String(),
		model:         model,
		passSignature: passSignature,
		openIndex:     -1,
	}
}

// Encode maps one canonical event onto zero or more SSE frames.
func (e *StreamEncoder) Encode(ev domain.StreamEvent) ([]Frame, error) {
	switch ev.Kind {
	case domain.EventMessageStart:
		if e.started {
			return nil, nil
		}
		e.started = true
		if ev.ID != "" {
			e.id = ev.ID
		}
		return frames(frame("message_start", &messageStartEvent{
			Type: "message_start",
			Message: MessagesResponse{
				ID:      e.id,
				Type:    "message",
				Role:    "assistant",
				Model:   e.model,
				Content: []ResponseContent{},
			},
		}))

	case domain.EventBlockStart:
		var out []Frame
		if e.open {
			// A backend skipped a stop; close the dangling block so indices
			// stay well formed.
			f, err := frame("content_block_stop", &contentBlockStopEvent{Type: "content_block_stop", Index: e.openIndex})
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}

		e.openIndex = e.nextIndex
		e.nextIndex++
		e.open = true
		e.openKind = ev.Block

		block := ResponseContent{}
		switch ev.Block {
		case domain.BlockReasoning:
			block.Type = "thinking"
		case domain.BlockToolCall:
			block.Type = "tool_use"
			if ev.ToolCall != nil {
				block.ID = ensureToolID(ev.ToolCall.ID)
				block.Name = ev.ToolCall.Name
			} else {
				block.ID = ensureToolID("")
			}
			block.Input = json.RawMessage("{}")
		default:
			block.Type = "text"
		}

		f, err := frame("content_block_start", &contentBlockStartEvent{
			Type:         "content_block_start",
			Index:        e.openIndex,
			ContentBlock: block,
		})
		if err != nil {
			return nil, err
		}
		return append(out, f), nil

	case domain.EventBlockDelta:
		if !e.open {
			return nil, nil
		}
		var out []Frame
		switch ev.Block {
		case domain.BlockReasoning:
			if ev.Delta != "" {
				f, err := frame("content_block_delta", &contentBlockDeltaEvent{
					Type:  "content_block_delta",
					Index: e.openIndex,
					Delta: blockDelta{Type: "thinking_delta", Thinking: ev.Delta},
				})
				if err != nil {
					return nil, err
				}
				out = append(out, f)
			}
			if ev.Signature != "" && e.passSignature {
				f, err := frame("content_block_delta", &contentBlockDeltaEvent{
					Type:  "content_block_delta",
					Index: e.openIndex,
					Delta: blockDelta{Type: "signature_delta", Signature: ev.Signature},
				})
				if err != nil {
					return nil, err
				}
				out = append(out, f)
			}
			return out, nil
		case domain.BlockToolCall:
			args := ev.Delta
			if args == "" {
				return nil, nil
			}
			return frames(frame("content_block_delta", &contentBlockDeltaEvent{
				Type:  "content_block_delta",
				Index: e.openIndex,
				Delta: blockDelta{Type: "input_json_delta", PartialJSON: args},
			}))
		default:
			if ev.Delta == "" {
				return nil, nil
			}
			return frames(frame("content_block_delta", &contentBlockDeltaEvent{
				Type:  "content_block_delta",
				Index: e.openIndex,
				Delta: blockDelta{Type: "text_delta", Text: ev.Delta},
			}))
		}

	case domain.EventBlockStop:
		if !e.open {
			return nil, nil
		}
		e.open = false
		return frames(frame("content_block_stop", &contentBlockStopEvent{
			Type:  "content_block_stop",
			Index: e.openIndex,
		}))

	case domain.EventUsage:
		e.usage = ev.Usage
		return nil, nil

	case domain.EventMessageDelta:
		var out []Frame
		if e.open {
			f, err := frame("content_block_stop", &contentBlockStopEvent{Type: "content_block_stop", Index: e.openIndex})
			if err != nil {
				return nil, err
			}
			out = append(out, f)
			e.open = false
		}

		if ev.Usage != nil {
			e.usage = ev.Usage
		}
		delta := &messageDeltaEvent{
			Type:  "message_delta",
			Delta: messageDelta{StopReason: mapStopReason(ev.FinishReason)},
		}
		if e.usage != nil {
			delta.Usage = &deltaUsage{
				InputTokens:  e.usage.PromptTokens,
				OutputTokens: e.usage.CompletionTokens,
			}
		}
		f, err := frame("message_delta", delta)
		if err != nil {
			return nil, err
		}
		return append(out, f), nil

	case domain.EventMessageStop:
		return frames(frame("message_stop", &messageStopEvent{Type: "message_stop"}))
	}

	return nil, nil
}

func frame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

func frames(f Frame, err error) ([]Frame, error) {
	if err != nil {
		return nil, err
	}
	return []Frame{f}, nil
}

func mapStopReason(finish string) string {
	switch finish {
	case "tool_calls", "tool_use":
		return "tool_use"
	case "length", "max_tokens":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

func toolInput(args string) json.RawMessage {
	if args == "" || !json.Valid([]byte(args)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

func ensureID(id string) string {
	if id != "" {
		return id
	}
	return "msg_" + uuid.New().String()
}

func ensureToolID(id string) string {
	if id != "" {
		return id
	}
	return "toolu_" + uuid.New().String()
}
