package orchestration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relayvoice/relay-core/core/llms"
	"github.com/relayvoice/relay-core/core/marks"
	"github.com/relayvoice/relay-core/core/telephony"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// degradedResponseText is spoken when a turn's pipeline fails after all
// retries, so the caller is never left with silence.
const degradedResponseText = "Sorry, I'm having trouble processing that right now. Could you try again in a moment?"

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = time.Second
)

// Turn records one completed exchange.
type Turn struct {
	SessionID  string
	TurnID     int
	SequenceID string
	CreatedAt  time.Time

	Transcript string
	Response   string
}

// TaskRunner drives conversation turns through input processing, response
// generation and output delivery. Each stage runs under its own timeout; a
// failed attempt re-runs the whole turn from input processing, with
// exponential backoff, before the turn degrades to a canned apology.
type TaskRunner struct {
	task      TaskConfig
	sessionID string
	language  string

	llm           StreamingLLM
	completionLLM CompletionLLM
	transcriber   Transcriber
	synthesizer   Synthesizer
	sink          OutputSink
	httpClient    *http.Client

	onToolInvocation func(context.Context, ToolInvocation)

	stageTimeouts StageTimeouts
	maxAttempts   int
	retryBackoff  time.Duration

	contextData map[string]any

	initOnce    sync.Once
	initErr     error
	processor   *StreamProcessor
	welcomeOnce sync.Once

	mu      sync.Mutex
	history []llms.Message
	turns   []Turn
	turnID  int

	closeOnce sync.Once
	closed    chan struct{}
}

func NewTaskRunner(task TaskConfig, opts ...TaskRunnerOption) *TaskRunner {
	runner := &TaskRunner{
		task:          task,
		sessionID:     uuid.NewString(),
		language:      llms.DefaultLanguage,
		stageTimeouts: defaultStageTimeouts(),
		maxAttempts:   defaultMaxAttempts,
		retryBackoff:  defaultRetryBackoff,
		httpClient:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		contextData:   map[string]any{},
		closed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(runner)
	}
	return runner
}

func (r *TaskRunner) SessionID() string { return r.sessionID }

// SetContextData merges values into the session context used for prompt
// placeholder substitution.
func (r *TaskRunner) SetContextData(data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, value := range data {
		r.contextData[key] = value
	}
}

// Turns returns the exchanges completed so far.
func (r *TaskRunner) Turns() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Turn(nil), r.turns...)
}

// init is lazy and idempotent; the first Process call pays for it.
func (r *TaskRunner) init() error {
	r.initOnce.Do(func() {
		if r.llm == nil {
			r.initErr = fmt.Errorf("no streaming model configured: %w", ErrNotConfigured)
			return
		}
		r.processor = NewStreamProcessor(
			WithRegisteredTools(r.task.Tools...),
			WithProcessorLanguage(r.language),
		)
	})
	return r.initErr
}

// Close releases the runner. Safe to call multiple times; Process calls made
// after Close fail.
func (r *TaskRunner) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	return nil
}

func (r *TaskRunner) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// DeliverWelcome speaks the task's welcome message, if any. Delivering it
// again is a no-op so a reconnect cannot replay it.
func (r *TaskRunner) DeliverWelcome(ctx context.Context) error {
	if r.task.WelcomeMessage == "" || r.sink == nil {
		return nil
	}

	var err error
	r.welcomeOnce.Do(func() {
		var unit telephony.OutputUnit
		unit, err = r.formUnit(ctx, r.task.WelcomeMessage, false, true)
		if err != nil {
			return
		}
		unit.Category = marks.CategoryWelcome
		err = r.sink.Deliver(ctx, unit)
	})
	return err
}

// Process runs one turn over the given input packet and yields the output
// units it delivered. After retries are exhausted a degraded unit is yielded
// followed by the stage error.
func (r *TaskRunner) Process(ctx context.Context, input StreamPacket) func(func(telephony.OutputUnit, error) bool) {
	return func(yield func(telephony.OutputUnit, error) bool) {
		ctx, span := tracer.Start(ctx, "process turn")
		defer span.End()

		if r.isClosed() {
			yield(telephony.OutputUnit{}, fmt.Errorf("task runner closed"))
			return
		}
		if err := r.init(); err != nil {
			span.RecordError(err)
			yield(telephony.OutputUnit{}, err)
			return
		}

		// The turn's resources are released exactly once, no matter which
		// stage exits first.
		turnCtx, cancel := context.WithCancel(ctx)
		var releaseOnce sync.Once
		release := func() {
			releaseOnce.Do(cancel)
		}
		defer release()
		ctx = turnCtx

		r.mu.Lock()
		r.turnID++
		turn := Turn{
			SessionID:  r.sessionID,
			TurnID:     r.turnID,
			SequenceID: uuid.NewString(),
			CreatedAt:  time.Now(),
		}
		contextData := make(map[string]any, len(r.contextData))
		for key, value := range r.contextData {
			contextData[key] = value
		}
		history := append([]llms.Message(nil), r.history...)
		r.mu.Unlock()

		span.SetAttributes(
			attribute.String("turn.session_id", turn.SessionID),
			attribute.Int("turn.id", turn.TurnID),
		)

		synthesize := r.synthesizer != nil && r.task.SynthesizerEnabled && !input.Meta.BypassSynthesis

		// One attempt budget covers the whole pipeline; a retry starts over
		// at input processing so every stage sees a consistent turn.
		var result turnResult
		err := r.withRetries(ctx, func(ctx context.Context) error {
			var err error
			result, err = r.runTurn(ctx, turn, input, history, contextData, synthesize)
			return err
		})
		if err != nil {
			r.degrade(ctx, span, turn, input, err, yield)
			return
		}
		turn.Transcript = result.transcript
		turn.Response = result.responseText

		r.recordTurn(turn)

		for _, unit := range result.units {
			if !yield(unit, nil) {
				return
			}
		}

		if result.invocation != nil && r.onToolInvocation != nil {
			r.onToolInvocation(ctx, *result.invocation)
		}
	}
}

// turnResult collects what one pipeline pass produced.
type turnResult struct {
	transcript   string
	units        []telephony.OutputUnit
	invocation   *ToolInvocation
	responseText string
}

func (r *TaskRunner) runTurn(ctx context.Context, turn Turn, input StreamPacket, history []llms.Message, contextData map[string]any, synthesize bool) (turnResult, error) {
	transcript, err := r.processInput(ctx, input)
	if err != nil {
		return turnResult{}, err
	}

	fragments, err := r.generate(ctx, transcript, history, contextData, synthesize)
	if err != nil {
		return turnResult{}, err
	}

	units, invocation, responseText, err := r.processOutput(ctx, turn, input, fragments)
	if err != nil {
		return turnResult{}, err
	}

	return turnResult{
		transcript:   transcript,
		units:        units,
		invocation:   invocation,
		responseText: responseText,
	}, nil
}

func (r *TaskRunner) processInput(ctx context.Context, input StreamPacket) (string, error) {
	var transcript string
	err := r.runStage(ctx, StageInput, r.stageTimeouts.Input, func(ctx context.Context) error {
		if len(input.Audio) == 0 {
			transcript = input.Text
			return nil
		}
		if r.transcriber == nil {
			return fmt.Errorf("no transcriber configured: %w", ErrNotConfigured)
		}
		text, err := r.transcriber.Transcribe(ctx, input.Audio)
		if err != nil {
			return err
		}
		transcript = text
		return nil
	})
	return transcript, err
}

func (r *TaskRunner) generate(ctx context.Context, transcript string, history []llms.Message, contextData map[string]any, synthesize bool) ([]ResponseFragment, error) {
	messages := make([]llms.Message, 0, len(history)+2)
	if r.task.SystemPrompt != "" {
		messages = append(messages, llms.Message{
			Role:    llms.RoleSystem,
			Content: substitutePlaceholders(r.task.SystemPrompt, contextData),
		})
	}
	messages = append(messages, history...)
	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: transcript})

	var options []llms.GenerateOption
	if len(r.task.Tools) > 0 {
		options = append(options, llms.WithTools(r.task.Tools...))
	}

	// Word-bounded chunking only pays off when the text feeds a synthesizer;
	// otherwise the response goes downstream in one piece.
	var processOptions []ProcessOption
	if !synthesize {
		processOptions = append(processOptions, WithoutIncrementalFlush())
	}

	var fragments []ResponseFragment
	err := r.runStage(ctx, StageGeneration, r.stageTimeouts.Generation, func(ctx context.Context) error {
		fragments = fragments[:0]
		stream := r.llm.GenerateStream(ctx, messages, options...)
		for fragment, err := range r.processor.Process(ctx, stream, processOptions...) {
			if err != nil {
				return err
			}
			fragments = append(fragments, fragment)
		}
		return nil
	})
	return fragments, err
}

func (r *TaskRunner) processOutput(ctx context.Context, turn Turn, input StreamPacket, fragments []ResponseFragment) ([]telephony.OutputUnit, *ToolInvocation, string, error) {
	var (
		units        []telephony.OutputUnit
		invocation   *ToolInvocation
		responseText string
	)

	lastText := -1
	for i, fragment := range fragments {
		if fragment.Kind == FragmentText {
			lastText = i
		}
	}

	err := r.runStage(ctx, StageOutput, r.stageTimeouts.Output, func(ctx context.Context) error {
		units = units[:0]
		invocation = nil
		responseText = ""
		for i, fragment := range fragments {
			switch fragment.Kind {
			case FragmentText:
				if !fragment.Announcement {
					responseText += fragment.Text
				}
				unit, err := r.formUnit(ctx, fragment.Text, input.Meta.BypassSynthesis, i == lastText)
				if err != nil {
					return err
				}
				unit.SequenceID = turn.SequenceID
				if r.sink != nil {
					if err := r.sink.Deliver(ctx, unit); err != nil {
						return err
					}
				}
				units = append(units, unit)

			case FragmentToolCall:
				invocation = fragment.ToolInvocation
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, "", err
	}
	return units, invocation, responseText, nil
}

// formUnit turns response text into a deliverable unit, synthesizing audio
// unless the input or the task configuration says to keep it textual.
func (r *TaskRunner) formUnit(ctx context.Context, text string, bypassSynthesis, final bool) (telephony.OutputUnit, error) {
	unit := telephony.OutputUnit{
		Kind:            telephony.UnitText,
		Text:            text,
		SynthesizedText: text,
		EndOfGeneration: final,
		EndOfSynthesis:  final,
	}

	if bypassSynthesis || r.synthesizer == nil || !r.task.SynthesizerEnabled {
		return unit, nil
	}

	payload, err := r.synthesizer.Synthesize(ctx, text)
	if err != nil {
		return telephony.OutputUnit{}, err
	}
	unit.Kind = telephony.UnitAudio
	unit.Text = ""
	unit.Audio = payload
	unit.Encoding = r.synthesizer.EncodingInfo()
	return unit, nil
}

// degrade emits a single apology unit so the turn never ends in silence, then
// reports the underlying stage error.
func (r *TaskRunner) degrade(ctx context.Context, span trace.Span, turn Turn, input StreamPacket, cause error, yield func(telephony.OutputUnit, error) bool) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	logger.Error("turn degraded after retries",
		"session_id", turn.SessionID,
		"turn_id", turn.TurnID,
		"error", cause.Error(),
	)

	unit, err := r.formUnit(ctx, degradedResponseText, input.Meta.BypassSynthesis, true)
	if err != nil {
		// Fall back to plain text when even synthesis is down.
		unit = telephony.OutputUnit{
			Kind:            telephony.UnitText,
			Text:            degradedResponseText,
			SynthesizedText: degradedResponseText,
			EndOfGeneration: true,
			EndOfSynthesis:  true,
		}
	}
	unit.SequenceID = turn.SequenceID

	if r.sink != nil {
		if deliverErr := r.sink.Deliver(ctx, unit); deliverErr != nil {
			logger.Error("failed to deliver degraded response", "error", deliverErr.Error())
		}
	}

	if !yield(unit, nil) {
		return
	}
	yield(telephony.OutputUnit{}, cause)
}

func (r *TaskRunner) recordTurn(turn Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
	r.history = append(r.history,
		llms.Message{Role: llms.RoleUser, Content: turn.Transcript},
		llms.Message{Role: llms.RoleAssistant, Content: turn.Response},
	)
}

// runStage executes one pipeline leg under its timeout. A failure wraps the
// stage's sentinel so callers can tell which leg gave out.
func (r *TaskRunner) runStage(ctx context.Context, stage Stage, timeout time.Duration, run func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := panicSafeNamedWorker(string(stage), run)(stageCtx); err != nil {
		return newTaskError(stage, err)
	}
	return nil
}

// withRetries runs fn up to the runner's attempt budget, doubling the backoff
// delay between attempts.
func (r *TaskRunner) withRetries(ctx context.Context, run func(context.Context) error) error {
	var lastErr error
	backoff := r.retryBackoff
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			}
			backoff *= 2
		}

		if lastErr = run(ctx); lastErr == nil {
			return nil
		}

		// Configuration problems will not heal between attempts.
		if errors.Is(lastErr, ErrNotConfigured) {
			break
		}

		if ctx.Err() != nil {
			lastErr = errors.Join(lastErr, ctx.Err())
			break
		}

		logger.Warn("task attempt failed",
			"attempt", attempt+1,
			"error", lastErr.Error(),
		)
	}
	return lastErr
}

// Generate runs one plain-completion exchange through the generation stage,
// under the runner's timeout and retry budget. Follow-up tasks use it to read
// the accumulated session context instead of a live stream.
func (r *TaskRunner) Generate(ctx context.Context, input string, opts ...llms.GenerateOption) (llms.Response, error) {
	if r.isClosed() {
		return llms.Response{}, fmt.Errorf("task runner closed")
	}
	if r.completionLLM == nil {
		return llms.Response{}, fmt.Errorf("no completion model configured: %w", ErrNotConfigured)
	}

	r.mu.Lock()
	contextData := make(map[string]any, len(r.contextData))
	for key, value := range r.contextData {
		contextData[key] = value
	}
	r.mu.Unlock()

	messages := make([]llms.Message, 0, 2)
	if r.task.SystemPrompt != "" {
		messages = append(messages, llms.Message{
			Role:    llms.RoleSystem,
			Content: substitutePlaceholders(r.task.SystemPrompt, contextData),
		})
	}
	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: input})

	var response llms.Response
	err := r.withRetries(ctx, func(ctx context.Context) error {
		return r.runStage(ctx, StageGeneration, r.stageTimeouts.Generation, func(ctx context.Context) error {
			generated, err := r.completionLLM.Generate(ctx, messages, opts...)
			if err != nil {
				return err
			}
			response = generated
			return nil
		})
	})
	return response, err
}

// PostWebhook delivers the payload to the task's webhook URL as the runner's
// output stage, with the same timeout and retry budget as turn delivery.
func (r *TaskRunner) PostWebhook(ctx context.Context, payload []byte) error {
	if r.isClosed() {
		return fmt.Errorf("task runner closed")
	}
	if r.task.WebhookURL == "" {
		return fmt.Errorf("webhook task has no url: %w", ErrNotConfigured)
	}

	return r.withRetries(ctx, func(ctx context.Context) error {
		return r.runStage(ctx, StageOutput, r.stageTimeouts.Output, func(ctx context.Context) error {
			request, err := http.NewRequestWithContext(ctx, http.MethodPost, r.task.WebhookURL, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			request.Header.Set("Content-Type", "application/json")

			response, err := r.httpClient.Do(request)
			if err != nil {
				return err
			}
			defer response.Body.Close()

			if response.StatusCode < 200 || response.StatusCode > 299 {
				return fmt.Errorf("webhook returned status %s", response.Status)
			}
			return nil
		})
	})
}
