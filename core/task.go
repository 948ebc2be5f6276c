package orchestration

import (
	"fmt"
	"strings"

	"github.com/relayvoice/relay-core/core/llms"
)

type TaskType string

const (
	// TaskConversation is the interactive voice/text exchange itself.
	TaskConversation TaskType = "conversation"
	// TaskExtraction pulls structured data out of the finished
	// conversation.
	TaskExtraction TaskType = "extraction"
	// TaskSummarization produces a prose summary of the conversation.
	TaskSummarization TaskType = "summarization"
	// TaskWebhook posts the accumulated context to an external endpoint.
	TaskWebhook TaskType = "webhook"
)

// TaskConfig describes one unit of session work. Tasks run in order; the
// conversation comes first and follow-up tasks consume what it produced.
type TaskConfig struct {
	Type TaskType

	// SystemPrompt may contain {placeholder} references resolved against
	// the session's context data before each model call.
	SystemPrompt string

	// WelcomeMessage is spoken once at conversation start, before any
	// caller input.
	WelcomeMessage string

	Tools []llms.Tool

	// TranscriberEnabled and SynthesizerEnabled gate the audio legs of the
	// pipeline; a text-only conversation disables both.
	TranscriberEnabled bool
	SynthesizerEnabled bool

	// WebhookURL receives the context payload for webhook tasks.
	WebhookURL string
}

// substitutePlaceholders resolves {key} references in a prompt against the
// session context. Unknown placeholders are left untouched.
func substitutePlaceholders(prompt string, data map[string]any) string {
	if len(data) == 0 || !strings.Contains(prompt, "{") {
		return prompt
	}

	replacements := make([]string, 0, len(data)*2)
	for key, value := range data {
		replacements = append(replacements, "{"+key+"}", fmt.Sprintf("%v", value))
	}
	return strings.NewReplacer(replacements...).Replace(prompt)
}
