package openai

import "encoding/json"

// ChatCompletionRequest is the chat-completions request surface the gateway
// accepts on /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string      `json:"model"`
	Messages    []Message   `json:"messages"`
	Tools       []Tool      `json:"tools,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
	StreamOpts  *StreamOpts `json:"stream_options,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	MaxOutput   int         `json:"max_completion_tokens,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	User        string      `json:"user,omitempty"`
}

// StreamOpts controls streaming extras.
type StreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

// Message is a single conversation turn.
type Message struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// MessageContent accepts both the plain-string and content-part array forms.
type MessageContent string

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*m = MessageContent(str)
		return nil
	}

	var parts []contentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	var text string
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			text += p.Text
		}
	}
	*m = MessageContent(text)
	return nil
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef carries the function schema.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChatCompletionResponse is the non-streaming response shape.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completion alternative. The gateway always emits exactly one.
type Choice struct {
	Index        int           `json:"index"`
	Message      *ChoiceOutput `json:"message,omitempty"`
	Delta        *ChoiceOutput `json:"delta,omitempty"`
	FinishReason *string       `json:"finish_reason"`
}

// ChoiceOutput is the message body shared by unary and delta shapes.
type ChoiceOutput struct {
	Role             string     `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// Usage reports token counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the error detail.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
