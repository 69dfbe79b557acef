package anthropic

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/polyrelay/polyrelay/internal/domain"
)

func TestDecodeRequestStringForms(t *testing.T) {
	body := `{
		"model": "claude-sonnet",
		"system": "be brief",
		"messages": [{"role": "user", "content": "hello"}],
		"max_tokens": 200,
		"stream": true
	}`

	req, err := DecodeRequest([]byte(body))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.System != "be brief" {
		t.Errorf("system = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if req.MaxTokens != 200 || !req.Stream {
		t.Errorf("req = %+v", req)
	}
}

func TestDecodeRequestBlockForms(t *testing.T) {
	body := `{
		"model": "claude-sonnet",
		"system": [{"type": "text", "text": "one"}, {"type": "text", "text": "two"}],
		"messages": [
			{"role": "user", "content": [{"type": "text", "text": "a"}, {"type": "text", "text": "b"}]}
		],
		"max_tokens": 100
	}`

	req, err := DecodeRequest([]byte(body))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.System != "one\ntwo" {
		t.Errorf("system = %q", req.System)
	}
	if req.Messages[0].Content != "ab" {
		t.Errorf("content = %q", req.Messages[0].Content)
	}
}

func TestDecodeRequestToolBlocks(t *testing.T) {
	body := `{
		"model": "claude-sonnet",
		"max_tokens": 100,
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "SF"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "sunny"}
			]}
		],
		"tools": [{"name": "get_weather", "input_schema": {"type": "object"}}]
	}`

	req, err := DecodeRequest([]byte(body))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(req.Messages))
	}
	asst := req.Messages[1]
	if asst.Content != "checking" || len(asst.ToolCalls) != 1 {
		t.Errorf("assistant turn = %+v", asst)
	}
	if asst.ToolCalls[0].ID != "toolu_1" || asst.ToolCalls[0].Arguments != `{"city": "SF"}` {
		t.Errorf("tool call = %+v", asst.ToolCalls[0])
	}
	result := req.Messages[2]
	if result.Role != "tool" || result.ToolCallID != "toolu_1" || result.Content != "sunny" {
		t.Errorf("tool result turn = %+v", result)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" {
		t.Errorf("tools = %+v", req.Tools)
	}
}

func TestDecodeRequestValidation(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"max_tokens": 10, "messages": [{"role":"user","content":"x"}]}`))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("missing model: err = %v, want ValidationError", err)
	}
}

func TestEncodeResponse(t *testing.T) {
	data, err := EncodeResponse(&domain.ChatResponse{
		ID:        "msg_1",
		Model:     "claude-sonnet",
		Content:   "hello",
		Reasoning: "thinking about it",
		ToolCalls: []domain.ToolCall{
			{ID: "toolu_1", Name: "get_weather", Arguments: `{"city":"SF"}`},
		},
		FinishReason: "tool_calls",
		Usage:        domain.Usage{PromptTokens: 10, CompletionTokens: 5},
	})
	if err != nil {
		t.Fatal(err)
	}

	var resp MessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "message" || resp.Role != "assistant" {
		t.Errorf("envelope = %+v", resp)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", resp.StopReason)
	}
	if len(resp.Content) != 3 {
		t.Fatalf("content blocks = %d, want 3 (thinking, text, tool_use)", len(resp.Content))
	}
	if resp.Content[0].Type != "thinking" || resp.Content[0].Thinking != "thinking about it" {
		t.Errorf("thinking block = %+v", resp.Content[0])
	}
	if resp.Content[1].Type != "text" || resp.Content[1].Text != "hello" {
		t.Errorf("text block = %+v", resp.Content[1])
	}
	tool := resp.Content[2]
	if tool.Type != "tool_use" || tool.Name != "get_weather" || string(tool.Input) != `{"city":"SF"}` {
		t.Errorf("tool block = %+v", tool)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestEncodeResponseMalformedToolArgs(t *testing.T) {
	data, err := EncodeResponse(&domain.ChatResponse{
		Model:     "claude-sonnet",
		ToolCalls: []domain.ToolCall{{Name: "f", Arguments: `{"broken`}},
	})
	if err != nil {
		t.Fatal(err)
	}
	var resp MessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if string(resp.Content[0].Input) != "{}" {
		t.Errorf("malformed args should degrade to {}, got %s", resp.Content[0].Input)
	}
}

// frameLog collects the encoded frames with decoded indices for lifecycle
// assertions.
type frameLog struct {
	t      *testing.T
	enc    *StreamEncoder
	frames []Frame
}

func (l *frameLog) feed(ev domain.StreamEvent) {
	l.t.Helper()
	frames, err := l.enc.Encode(ev)
	if err != nil {
		l.t.Fatal(err)
	}
	l.frames = append(l.frames, frames...)
}

func (l *frameLog) events() []string {
	out := make([]string, len(l.frames))
	for i, f := range l.frames {
		out[i] = f.Event
	}
	return out
}

func (l *frameLog) index(i int) int {
	var payload struct {
		Index int `json:"index"`
	}
	if err := json.Unmarshal(l.frames[i].Data, &payload); err != nil {
		l.t.Fatal(err)
	}
	return payload.Index
}

func TestStreamEncoderBlockLifecycle(t *testing.T) {
	l := &frameLog{t: t, enc: NewStreamEncoder("claude-sonnet", false)}

	tc := domain.ToolCall{ID: "toolu_1", Name: "get_weather", Arguments: `{"city":"SF"}`}
	l.feed(domain.StreamEvent{Kind: domain.EventMessageStart, ID: "msg_1"})
	l.feed(domain.StreamEvent{Kind: domain.EventBlockStart, Block: domain.BlockReasoning})
	l.feed(domain.StreamEvent{Kind: domain.EventBlockDelta, Block: domain.BlockReasoning, Delta: "hmm"})
	l.feed(domain.StreamEvent{Kind: domain.EventBlockStop, Block: domain.BlockReasoning})
	l.feed(domain.StreamEvent{Kind: domain.EventBlockStart, Block: domain.BlockText})
	l.feed(domain.StreamEvent{Kind: domain.EventBlockDelta, Block: domain.BlockText, Delta: "hi"})
	l.feed(domain.StreamEvent{Kind: domain.EventBlockStop, Block: domain.BlockText})
	l.feed(domain.StreamEvent{Kind: domain.EventBlockStart, Block: domain.BlockToolCall, ToolCall: &tc})
	l.feed(domain.StreamEvent{Kind: domain.EventBlockDelta, Block: domain.BlockToolCall, Delta: tc.Arguments})
	l.feed(domain.StreamEvent{Kind: domain.EventBlockStop, Block: domain.BlockToolCall})
	l.feed(domain.StreamEvent{Kind: domain.EventMessageDelta, FinishReason: "tool_calls", Usage: &domain.Usage{CompletionTokens: 7}})
	l.feed(domain.StreamEvent{Kind: domain.EventMessageStop})

	want := []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta",
		"message_stop",
	}
	got := l.events()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	// Indices are zero-based and strictly increasing per block.
	if l.index(1) != 0 || l.index(3) != 0 {
		t.Errorf("thinking block index = %d/%d, want 0", l.index(1), l.index(3))
	}
	if l.index(4) != 1 || l.index(6) != 1 {
		t.Errorf("text block index = %d/%d, want 1", l.index(4), l.index(6))
	}
	if l.index(7) != 2 || l.index(9) != 2 {
		t.Errorf("tool block index = %d/%d, want 2", l.index(7), l.index(9))
	}

	// The tool_use start carries id and name; the delta carries the args.
	var start contentBlockStartEvent
	if err := json.Unmarshal(l.frames[7].Data, &start); err != nil {
		t.Fatal(err)
	}
	if start.ContentBlock.Type != "tool_use" || start.ContentBlock.Name != "get_weather" {
		t.Errorf("tool start block = %+v", start.ContentBlock)
	}
	var delta contentBlockDeltaEvent
	if err := json.Unmarshal(l.frames[8].Data, &delta); err != nil {
		t.Fatal(err)
	}
	if delta.Delta.Type != "input_json_delta" || delta.Delta.PartialJSON != `{"city":"SF"}` {
		t.Errorf("tool delta = %+v", delta.Delta)
	}

	var md messageDeltaEvent
	if err := json.Unmarshal(l.frames[10].Data, &md); err != nil {
		t.Fatal(err)
	}
	if md.Delta.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", md.Delta.StopReason)
	}
	if md.Usage == nil || md.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", md.Usage)
	}
}

func TestStreamEncoderClosesDanglingBlock(t *testing.T) {
	l := &frameLog{t: t, enc: NewStreamEncoder("claude-sonnet", false)}

	l.feed(domain.StreamEvent{Kind: domain.EventMessageStart})
	l.feed(domain.StreamEvent{Kind: domain.EventBlockStart, Block: domain.BlockText})
	l.feed(domain.StreamEvent{Kind: domain.EventBlockDelta, Block: domain.BlockText, Delta: "hi"})
	// Backend ends the message without closing the block.
	l.feed(domain.StreamEvent{Kind: domain.EventMessageDelta, FinishReason: "stop"})
	l.feed(domain.StreamEvent{Kind: domain.EventMessageStop})

	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	got := l.events()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStreamEncoderSignatureGating(t *testing.T) {
	ev := domain.StreamEvent{Kind: domain.EventBlockDelta, Block: domain.BlockReasoning, Delta: "x", Signature: "sig123"}

	// Gated off: only the thinking delta.
	off := &frameLog{t: t, enc: NewStreamEncoder("m", false)}
	off.feed(domain.StreamEvent{Kind: domain.EventMessageStart})
	off.feed(domain.StreamEvent{Kind: domain.EventBlockStart, Block: domain.BlockReasoning})
	off.feed(ev)
	if n := len(off.frames); n != 3 {
		t.Errorf("gated-off frames = %d, want 3", n)
	}

	// Gated on: thinking delta then signature delta.
	on := &frameLog{t: t, enc: NewStreamEncoder("m", true)}
	on.feed(domain.StreamEvent{Kind: domain.EventMessageStart})
	on.feed(domain.StreamEvent{Kind: domain.EventBlockStart, Block: domain.BlockReasoning})
	on.feed(ev)
	if n := len(on.frames); n != 4 {
		t.Fatalf("gated-on frames = %d, want 4", n)
	}
	var delta contentBlockDeltaEvent
	if err := json.Unmarshal(on.frames[3].Data, &delta); err != nil {
		t.Fatal(err)
	}
	if delta.Delta.Type != "signature_delta" || delta.Delta.Signature != "sig123" {
		t.Errorf("signature delta = %+v", delta.Delta)
	}
}

func TestEncodeError(t *testing.T) {
	data := EncodeError("quota exceeded for model x", "rate_limit_error")
	var resp ErrorResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "error" || resp.Error.Type != "rate_limit_error" {
		t.Errorf("error = %+v", resp)
	}
}
