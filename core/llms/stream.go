package llms

import "context"

// Stream is a pull-based sequence of raw model-response fragments. Consumers
// may stop early by returning false from yield; producers must release their
// resources when that happens or when ctx is cancelled.
type Stream interface {
	Chunks(context.Context) func(func(StreamChunk, error) bool)
}

type StreamChunk interface {
	FinishReason() *string
}

type StreamContentChunk interface {
	StreamChunk
	Content() string
}

type StreamToolCallChunk interface {
	StreamChunk
	ToolCall() ToolCall
}

type StreamUsageChunk interface {
	StreamChunk
	Usage() Usage
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int

	// Timing fields are provider approximations.
	QueueTime      float64
	PromptTime     float64
	CompletionTime float64
	TotalTime      float64
}
