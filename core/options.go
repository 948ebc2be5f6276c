package orchestration

import (
	"context"
	"net/http"
	"time"

	"github.com/relayvoice/relay-core/core/audio"
	"github.com/relayvoice/relay-core/core/llms"
	"github.com/relayvoice/relay-core/core/telephony"
)

// StreamingLLM produces a streamed model response for conversation turns.
type StreamingLLM interface {
	GenerateStream(ctx context.Context, messages []llms.Message, opts ...llms.GenerateOption) llms.Stream
}

// CompletionLLM produces a complete model response, used by follow-up tasks.
type CompletionLLM interface {
	Generate(ctx context.Context, messages []llms.Message, opts ...llms.GenerateOption) (llms.Response, error)
}

// Transcriber converts caller audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer converts response text into audio in its declared encoding.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	EncodingInfo() audio.EncodingInfo
}

// OutputSink receives the units a turn produces, in order.
type OutputSink interface {
	Deliver(ctx context.Context, unit telephony.OutputUnit) error
}

// StageTimeouts bounds each leg of the turn pipeline.
type StageTimeouts struct {
	Input      time.Duration
	Generation time.Duration
	Output     time.Duration
}

func defaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		Input:      10 * time.Second,
		Generation: 30 * time.Second,
		Output:     10 * time.Second,
	}
}

type TaskRunnerOption func(*TaskRunner)

func WithStreamingLLM(llm StreamingLLM) TaskRunnerOption {
	return func(r *TaskRunner) { r.llm = llm }
}

func WithCompletionLLM(llm CompletionLLM) TaskRunnerOption {
	return func(r *TaskRunner) { r.completionLLM = llm }
}

func WithTranscriber(transcriber Transcriber) TaskRunnerOption {
	return func(r *TaskRunner) { r.transcriber = transcriber }
}

func WithSynthesizer(synthesizer Synthesizer) TaskRunnerOption {
	return func(r *TaskRunner) { r.synthesizer = synthesizer }
}

func WithOutputSink(sink OutputSink) TaskRunnerOption {
	return func(r *TaskRunner) { r.sink = sink }
}

func WithSessionID(sessionID string) TaskRunnerOption {
	return func(r *TaskRunner) { r.sessionID = sessionID }
}

func WithLanguage(language string) TaskRunnerOption {
	return func(r *TaskRunner) { r.language = language }
}

func WithContextData(data map[string]any) TaskRunnerOption {
	return func(r *TaskRunner) {
		for key, value := range data {
			r.contextData[key] = value
		}
	}
}

func WithStageTimeouts(timeouts StageTimeouts) TaskRunnerOption {
	return func(r *TaskRunner) { r.stageTimeouts = timeouts }
}

// WithRetryBackoff overrides the base delay between attempts. The delay
// doubles after every failed attempt.
func WithRetryBackoff(backoff time.Duration) TaskRunnerOption {
	return func(r *TaskRunner) { r.retryBackoff = backoff }
}

// WithHTTPClient overrides the client used for webhook delivery.
func WithHTTPClient(client *http.Client) TaskRunnerOption {
	return func(r *TaskRunner) { r.httpClient = client }
}

// WithToolInvocationHandler is called when a turn ends in a function call.
func WithToolInvocationHandler(handler func(context.Context, ToolInvocation)) TaskRunnerOption {
	return func(r *TaskRunner) { r.onToolInvocation = handler }
}
