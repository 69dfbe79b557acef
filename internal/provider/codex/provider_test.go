package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/polyrelay/polyrelay/internal/credential"
	"github.com/polyrelay/polyrelay/internal/domain"
	"github.com/polyrelay/polyrelay/internal/ratelimit"
)

func newTestProvider(t *testing.T, baseURL string) (*Provider, *ratelimit.Tracker) {
	t.Helper()
	store := credential.NewAPIKeyStore(filepath.Join(t.TempDir(), "codex.json"), []string{"test-token"}, nil)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	tracker := ratelimit.NewTracker()
	return New(store, tracker, WithBaseURL(baseURL)), tracker
}

func sseHandler(t *testing.T, events []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("OpenAI-Beta"); got != "responses=experimental" {
			t.Errorf("OpenAI-Beta = %q", got)
		}

		var req responsesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if !req.Stream || req.Store {
			t.Errorf("request = %+v, want stream=true store=false", req)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprint(w, e)
		}
	}
}

func TestChatStream(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		"event: response.created\ndata: {\"type\":\"response.created\",\"response\":{\"id\":\"resp_1\"}}\n\n",
		"event: response.reasoning_text.delta\ndata: {\"type\":\"response.reasoning_text.delta\",\"delta\":\"mull\"}\n\n",
		"event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"Hel\"}\n\n",
		"event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"lo\"}\n\n",
		"event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_1\",\"usage\":{\"input_tokens\":3,\"output_tokens\":2}}}\n\n",
	}))
	defer srv.Close()

	p, _ := newTestProvider(t, srv.URL)
	ch, err := p.ChatStream(context.Background(), &domain.ChatRequest{
		Model:    "gpt-5.2",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var events []domain.StreamEvent
	for ev := range ch {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		events = append(events, ev)
	}

	wantKinds := []domain.EventKind{
		domain.EventMessageStart,
		domain.EventBlockStart, domain.EventBlockDelta, // reasoning
		domain.EventBlockStop, domain.EventBlockStart, // -> text
		domain.EventBlockDelta, domain.EventBlockDelta,
		domain.EventBlockStop,
		domain.EventMessageDelta,
		domain.EventMessageStop,
	}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	for i, want := range wantKinds {
		if events[i].Kind != want {
			t.Fatalf("event %d = %s, want %s", i, events[i].Kind, want)
		}
	}

	if events[0].ID != "resp_1" {
		t.Errorf("message_start id = %q", events[0].ID)
	}
	md := events[8]
	if md.FinishReason != "stop" {
		t.Errorf("finish = %q", md.FinishReason)
	}
	if md.Usage == nil || md.Usage.PromptTokens != 3 || md.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", md.Usage)
	}
}

func TestChatDrainsStream(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		"event: response.created\ndata: {\"type\":\"response.created\",\"response\":{\"id\":\"resp_2\"}}\n\n",
		"event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"checking\"}\n\n",
		"event: response.output_item.done\ndata: {\"type\":\"response.output_item.done\",\"item\":{\"type\":\"function_call\",\"name\":\"get_weather\",\"arguments\":\"{\\\"city\\\":\\\"SF\\\"}\",\"call_id\":\"call_9\"}}\n\n",
		"event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{\"usage\":{\"input_tokens\":8,\"output_tokens\":4}}}\n\n",
	}))
	defer srv.Close()

	p, _ := newTestProvider(t, srv.URL)
	resp, err := p.Chat(context.Background(), &domain.ChatRequest{
		Model:    "gpt-5.2",
		Messages: []domain.Message{{Role: "user", Content: "weather?"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.ID != "resp_2" || resp.Content != "checking" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_9" || tc.Name != "get_weather" || tc.Arguments != `{"city":"SF"}` {
		t.Errorf("tool call = %+v", tc)
	}
	// A tool block forces the tool_calls finish reason.
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %q, want tool_calls", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestToResponsesRequest(t *testing.T) {
	req := &domain.ChatRequest{
		Model:  "gpt-5.2",
		System: "from system field",
		Messages: []domain.Message{
			{Role: "system", Content: "and a system turn"},
			{Role: "user", Content: "weather?"},
			{Role: "assistant", ToolCalls: []domain.ToolCall{
				{ID: "call_1", Name: "get_weather", Arguments: `{"city":"SF"}`},
			}},
			{Role: "tool", ToolCallID: "call_1", Content: "sunny"},
		},
	}

	out := toResponsesRequest(req)
	if out.Instructions != "from system field\nand a system turn" {
		t.Errorf("instructions = %q", out.Instructions)
	}
	if len(out.Input) != 3 {
		t.Fatalf("input = %+v", out.Input)
	}
	if out.Input[0].Type != "message" || out.Input[0].Content[0].Type != "input_text" {
		t.Errorf("user item = %+v", out.Input[0])
	}
	call := out.Input[1]
	if call.Type != "function_call" || call.CallID != "call_1" || call.Name != "get_weather" {
		t.Errorf("function_call item = %+v", call)
	}
	result := out.Input[2]
	if result.Type != "function_call_output" || result.CallID != "call_1" || result.Output != "sunny" {
		t.Errorf("function_call_output item = %+v", result)
	}
}

func TestChatStreamRateLimitMarksTracker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"usage limit reached"}}`)
	}))
	defer srv.Close()

	p, tracker := newTestProvider(t, srv.URL)
	_, err := p.ChatStream(context.Background(), &domain.ChatRequest{
		Model:    "gpt-5.2",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	var rle *domain.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rle.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", rle.RetryAfter)
	}
	if len(tracker.Snapshot()) != 1 {
		t.Error("tracker should record the limited account")
	}
}

func TestChatStreamSuccessClearsTracker(t *testing.T) {
	limited := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limited {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: response.completed\ndata: {\"type\":\"response.completed\"}\n\n")
	}))
	defer srv.Close()

	p, tracker := newTestProvider(t, srv.URL)
	req := &domain.ChatRequest{Model: "gpt-5.2", Messages: []domain.Message{{Role: "user", Content: "hi"}}}

	if _, err := p.ChatStream(context.Background(), req); err == nil {
		t.Fatal("expected rate limit error")
	}
	if len(tracker.Snapshot()) != 1 {
		t.Fatal("tracker should record the limit")
	}

	limited = false
	ch, err := p.ChatStream(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatStream after recovery: %v", err)
	}
	for range ch {
	}
	if len(tracker.Snapshot()) != 0 {
		t.Error("success should clear the tracker entry")
	}
}

func TestChatStreamUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		"event: response.created\ndata: {\"type\":\"response.created\"}\n\n",
		"event: response.failed\ndata: {\"type\":\"response.failed\",\"response\":{\"error\":{\"message\":\"model overloaded\"}}}\n\n",
	}))
	defer srv.Close()

	p, _ := newTestProvider(t, srv.URL)
	ch, err := p.ChatStream(context.Background(), &domain.ChatRequest{
		Model:    "gpt-5.2",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var streamErr error
	for ev := range ch {
		if ev.Err != nil {
			streamErr = ev.Err
		}
	}
	if streamErr == nil {
		t.Fatal("expected terminal stream error")
	}
}

func TestParseRetryAfterHeader(t *testing.T) {
	if got := parseRetryAfterHeader("90"); got != 90*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	if got := parseRetryAfterHeader(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := parseRetryAfterHeader("garbage"); got != 0 {
		t.Errorf("garbage = %v", got)
	}
}

func TestSupportsModel(t *testing.T) {
	p, _ := newTestProvider(t, "http://unused")
	for _, m := range []string{"gpt-5.2", "gpt-5.2-codex", "codex-mini"} {
		if !p.SupportsModel(m) {
			t.Errorf("SupportsModel(%q) = false", m)
		}
	}
	if p.SupportsModel("gemini-2.5-pro") {
		t.Error("gemini models are out of scope")
	}
}
