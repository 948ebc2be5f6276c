package llms

type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is a single message in a model conversation.
type Message struct {
	Role    MessageRole
	Content string
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// Response is a complete model response assembled from a stream or returned
// by a plain completion.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// ToolCall is a model-requested function invocation. While streaming, Name
// and Arguments accumulate across deltas and may be incomplete until the
// stream ends.
type ToolCall struct {
	// Index identifies the call when a stream interleaves several.
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}
