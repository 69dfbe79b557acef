package openaicompat

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
)

func newTestProvider(t *testing.T, baseURL string, opts ...Option) *Provider {
	t.Helper()
	store := credential.NewAPIKeyStore(filepath.Join(t.TempDir(), "openai.json"), []string{"test-key"}, nil)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithBaseURL(baseURL)}, opts...)
	return New(store, opts...)
}

func collect(t *testing.T, ch <-chan domain.StreamEvent) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Stream {
			t.Error("unary call should not set stream")
		}
		if req.Model != "gpt-4o" || len(req.Messages) != 2 {
			t.Errorf("request = %+v", req)
		}
		if req.Messages[0].Role != "system" || req.Messages[0].Content != "be brief" {
			t.Errorf("system turn = %+v", req.Messages[0])
		}

		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 1, "total_tokens": 8}
		}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	resp, err := p.Chat(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		System:   "be brief",
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi" || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 8 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if !req.Stream || req.StreamOpts == nil || !req.StreamOpts.IncludeUsage {
			t.Errorf("stream request = %+v", req)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"reasoning_content":"thinking"}}]}`,
			`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	ch, err := p.ChatStream(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	events := collect(t, ch)

	wantKinds := []domain.EventKind{
		domain.EventMessageStart,
		domain.EventBlockStart, domain.EventBlockDelta, // reasoning
		domain.EventBlockStop, domain.EventBlockStart, // reasoning -> text
		domain.EventBlockDelta, domain.EventBlockDelta,
		domain.EventBlockStop,
		domain.EventMessageDelta,
		domain.EventMessageStop,
	}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantKinds), events)
	}
	for i, want := range wantKinds {
		if events[i].Kind != want {
			t.Fatalf("event %d = %s, want %s", i, events[i].Kind, want)
		}
	}

	if events[0].ID != "chatcmpl-1" {
		t.Errorf("message_start id = %q", events[0].ID)
	}
	if events[2].Block != domain.BlockReasoning || events[2].Delta != "thinking" {
		t.Errorf("reasoning delta = %+v", events[2])
	}
	if events[5].Delta+events[6].Delta != "Hello" {
		t.Errorf("text deltas = %q %q", events[5].Delta, events[6].Delta)
	}
	md := events[8]
	if md.FinishReason != "stop" || md.Usage == nil || md.Usage.TotalTokens != 5 {
		t.Errorf("message_delta = %+v", md)
	}
}

// A consumer that cancels its context and walks away must not strand the
// stream reader: the event channel has to close even with nobody draining.
func TestChatStreamStopsWhenContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("test server does not flush")
		}
		for i := 0; ; i++ {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			fmt.Fprintf(w, "data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"chunk %d\"}}]}\n\n", i)
			f.Flush()
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newTestProvider(t, srv.URL)
	ch, err := p.ChatStream(ctx, &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	// Take one event, then disconnect without draining the rest.
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no event before cancel")
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream channel never closed after cancel")
		}
	}
}

func TestChatStreamToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
			`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
			`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"SF\"}"}}]}}]}`,
			`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	ch, err := p.ChatStream(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "weather?"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	var tool *domain.ToolCall
	for _, ev := range events {
		if ev.Kind == domain.EventBlockStart && ev.Block == domain.BlockToolCall {
			tool = ev.ToolCall
		}
	}
	if tool == nil {
		t.Fatal("no tool block emitted")
	}
	if tool.ID != "call_1" || tool.Name != "get_weather" || tool.Arguments != `{"city":"SF"}` {
		t.Errorf("tool call = %+v (fragments not reassembled)", tool)
	}

	last := events[len(events)-2]
	if last.Kind != domain.EventMessageDelta || last.FinishReason != "tool_calls" {
		t.Errorf("message_delta = %+v", last)
	}
}

func TestChatRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	_, err := p.Chat(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	var rle *domain.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if !domain.IsRateLimit(err) {
		t.Error("IsRateLimit should report true")
	}
}

func TestChatAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	_, err := p.Chat(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	var ae *domain.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want AuthError", err)
	}
}

func TestSupportsModel(t *testing.T) {
	p := newTestProvider(t, "http://unused", WithModels([]string{"gpt-4o", "o3*"}))

	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"o3-mini", true},
		{"claude-sonnet", false},
	}
	for _, tt := range tests {
		if got := p.SupportsModel(tt.model); got != tt.want {
			t.Errorf("SupportsModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestListModelsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o","owned_by":"openai","created":1700000000}]}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	list, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "gpt-4o" || list.Data[0].Object != "model" {
		t.Errorf("list = %+v", list)
	}
}

func TestListModelsFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, WithModels([]string{"my-model", "wild-*"}))
	list, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// Wildcard patterns are not listable entries.
	if len(list.Data) != 1 || list.Data[0].ID != "my-model" {
		t.Errorf("fallback list = %+v", list.Data)
	}
}
