package codex

import "github.com/polyrelay/polyrelay/internal/domain"

// Wire types for the Responses protocol: a flat input item list with
// role-tagged content going up, typed SSE events coming back.

type responsesRequest struct {
	Model        string      `json:"model"`
	Instructions string      `json:"instructions,omitempty"`
	Input        []inputItem `json:"input"`
	Tools        []toolDef   `json:"tools,omitempty"`
	Stream       bool        `json:"stream"`
	Store        bool        `json:"store"`
	Temperature  *float64    `json:"temperature,omitempty"`
	TopP         *float64    `json:"top_p,omitempty"`
	MaxTokens    int         `json:"max_output_tokens,omitempty"`
}

type inputItem struct {
	Type    string        `json:"type"` // message, function_call, function_call_output
	Role    string        `json:"role,omitempty"`
	Content []contentItem `json:"content,omitempty"`
	// function_call fields
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	// function_call_output field
	Output string `json:"output,omitempty"`
}

type contentItem struct {
	Type string `json:"type"` // input_text, output_text
	Text string `json:"text"`
}

type toolDef struct {
	Type        string         `json:"type"` // function
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type responsesEvent struct {
	Type     string        `json:"type"`
	Delta    string        `json:"delta,omitempty"`
	Item     *outputItem   `json:"item,omitempty"`
	Response *responseInfo `json:"response,omitempty"`
}

type outputItem struct {
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
}

type responseInfo struct {
	ID    string          `json:"id,omitempty"`
	Usage *responsesUsage `json:"usage,omitempty"`
	Error *responseError  `json:"error,omitempty"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type responseError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// toResponsesRequest flattens the canonical conversation into the input
// item list. System text travels in instructions; tool results become
// function_call_output items.
func toResponsesRequest(req *domain.ChatRequest) *responsesRequest {
	out := &responsesRequest{
		Model:        req.Model,
		Instructions: req.System,
		Stream:       true,
		Store:        false,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		MaxTokens:    req.MaxTokens,
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if out.Instructions != "" {
				out.Instructions += "\n"
			}
			out.Instructions += m.Content
		case "assistant":
			if m.Content != "" {
				out.Input = append(out.Input, inputItem{
					Type:    "message",
					Role:    "assistant",
					Content: []contentItem{{Type: "output_text", Text: m.Content}},
				})
			}
			for _, tc := range m.ToolCalls {
				out.Input = append(out.Input, inputItem{
					Type:      "function_call",
					Name:      tc.Name,
					Arguments: tc.Arguments,
					CallID:    tc.ID,
				})
			}
		case "tool":
			out.Input = append(out.Input, inputItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: m.Content,
			})
		default:
			out.Input = append(out.Input, inputItem{
				Type:    "message",
				Role:    "user",
				Content: []contentItem{{Type: "input_text", Text: m.Content}},
			})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, toolDef{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	return out
}
