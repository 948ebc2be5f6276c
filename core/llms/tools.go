package llms

import (
	"github.com/invopop/jsonschema"
)

// Tool describes a function the model may call, together with the static
// configuration needed to execute it over HTTP and the optional announcement
// spoken while the call runs.
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema

	// PreCallMessage overrides the localized default announcement. Empty
	// means use the default for the tool's name.
	PreCallMessage string

	Call CallConfig
}

// CallConfig is the static per-function HTTP configuration merged into a
// finalized tool invocation.
type CallConfig struct {
	URL      string
	Method   string
	Param    string
	APIToken string
	Headers  map[string]string
}

// NewTool reflects a JSON schema for the parameters type and builds a tool
// definition. parameters is only used for its type.
func NewTool[T any](name, description string, parameters T, opts ...ToolOption) Tool {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(parameters)
	schema.Version = ""

	tool := Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
	}
	for _, opt := range opts {
		opt(&tool)
	}
	return tool
}

type ToolOption func(*Tool)

func WithPreCallMessage(message string) ToolOption {
	return func(t *Tool) { t.PreCallMessage = message }
}

func WithCallConfig(call CallConfig) ToolOption {
	return func(t *Tool) { t.Call = call }
}

const DefaultLanguage = "en"

var preCallMessages = map[string]map[string]string{
	"en": {
		"weather": "Let me check the weather for you.",
		"news":    "Let me fetch the latest news.",
		"search":  "Let me search for that information.",
	},
	"hi": {
		"weather": "मैं आपके लिए मौसम की जानकारी देखता हूं।",
		"news":    "मैं आपके लिए ताज़ा खबरें लाता हूं।",
		"search":  "मैं इस जानकारी को खोजता हूं।",
	},
}

// PreCallAnnouncement resolves the filler message spoken while a function
// executes. An explicit override wins, then the function-specific message
// for the language. A function with no configured message resolves to the
// empty string; nothing is announced for it. Unknown languages fall back to
// English.
func PreCallAnnouncement(language, function, override string) string {
	if override != "" {
		return override
	}

	messages, ok := preCallMessages[language]
	if !ok {
		messages = preCallMessages[DefaultLanguage]
	}
	return messages[function]
}
