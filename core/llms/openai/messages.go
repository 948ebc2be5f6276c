package openai

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/relayvoice/relay-core/core/llms"
)

type message struct {
	Role       messageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall  `json:"tool_calls,omitempty"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
	messageRoleTool      messageRole = "tool"
)

type toolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

func toMessages(messages []llms.Message) []message {
	wire := make([]message, 0, len(messages))
	for _, msg := range messages {
		wire = append(wire, message{
			Role:       messageRole(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		})
	}
	return wire
}

// Tool mirrors llms.Tool field-for-field so the definitions can be copied
// over wholesale, and marshals into the nested wire format the completions
// endpoint expects.
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

func (t Tool) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string `json:"type"`
		Function struct {
			Name        string             `json:"name"`
			Description string             `json:"description,omitempty"`
			Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
		} `json:"function"`
	}{
		Type: "function",
		Function: struct {
			Name        string             `json:"name"`
			Description string             `json:"description,omitempty"`
			Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
		}{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		},
	})
}

type responseFormat struct {
	Type string `json:"type"`
}

type requestBody struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Stream         bool            `json:"stream"`
	ToolChoice     *string         `json:"tool_choice,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
}

type streamingResponseBody struct {
	Choices []struct {
		Delta struct {
			Role      string     `json:"role,omitempty"`
			Content   string     `json:"content,omitempty"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *usageBody `json:"usage"`
}

type completionResponseBody struct {
	Choices []struct {
		Message struct {
			Role      string     `json:"role,omitempty"`
			Content   string     `json:"content,omitempty"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *usageBody `json:"usage"`
}

type usageBody struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	QueueTime        float64 `json:"queue_time"`
	PromptTime       float64 `json:"prompt_time"`
	CompletionTime   float64 `json:"completion_time"`
	TotalTime        float64 `json:"total_time"`
}
