package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relayvoice/relay-core/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// defaultTaskTimeout bounds a single task's wall-clock time.
const defaultTaskTimeout = 5 * time.Minute

// TaskResult is the outcome of one executed task.
type TaskResult struct {
	Task   TaskConfig
	Answer string
	// ExtractedData holds the parsed output of extraction tasks.
	ExtractedData map[string]any
	Err           error
}

// ConversationDriver runs the interactive conversation task and returns its
// transcript once the session ends.
type ConversationDriver func(ctx context.Context, runner *TaskRunner) (string, error)

// Sequencer executes a session's tasks in order, each through a fresh task
// runner that is registered for cleanup when the sequence ends. The
// conversation runs first; follow-up tasks see its transcript, and each
// extraction's output, through the shared context data. A failing task aborts
// the remainder.
type Sequencer struct {
	tasks []TaskConfig

	completionLLM CompletionLLM
	driver        ConversationDriver
	runnerFactory func(TaskConfig) *TaskRunner
	runnerOptions []TaskRunnerOption

	taskTimeout time.Duration

	contextData map[string]any
}

func NewSequencer(tasks []TaskConfig, opts ...SequencerOption) *Sequencer {
	sequencer := &Sequencer{
		tasks:       tasks,
		taskTimeout: defaultTaskTimeout,
		contextData: map[string]any{},
	}
	for _, opt := range opts {
		opt(sequencer)
	}
	if sequencer.runnerFactory == nil {
		sequencer.runnerFactory = func(task TaskConfig) *TaskRunner {
			options := append([]TaskRunnerOption(nil), sequencer.runnerOptions...)
			if sequencer.completionLLM != nil {
				options = append(options, WithCompletionLLM(sequencer.completionLLM))
			}
			return NewTaskRunner(task, options...)
		}
	}
	return sequencer
}

type SequencerOption func(*Sequencer)

func WithSequencerCompletionLLM(llm CompletionLLM) SequencerOption {
	return func(s *Sequencer) { s.completionLLM = llm }
}

func WithConversationDriver(driver ConversationDriver) SequencerOption {
	return func(s *Sequencer) { s.driver = driver }
}

// WithRunnerOptions configures the task runners the sequencer builds, one per
// task.
func WithRunnerOptions(opts ...TaskRunnerOption) SequencerOption {
	return func(s *Sequencer) { s.runnerOptions = opts }
}

func WithRunnerFactory(factory func(TaskConfig) *TaskRunner) SequencerOption {
	return func(s *Sequencer) { s.runnerFactory = factory }
}

func WithTaskTimeout(timeout time.Duration) SequencerOption {
	return func(s *Sequencer) { s.taskTimeout = timeout }
}

func WithSequencerContextData(data map[string]any) SequencerOption {
	return func(s *Sequencer) {
		for key, value := range data {
			s.contextData[key] = value
		}
	}
}

// Run executes the tasks in order and returns their results. It stops at the
// first failing task, returning the results gathered so far together with
// that task's error.
func (s *Sequencer) Run(ctx context.Context) ([]TaskResult, error) {
	ctx, span := tracer.Start(ctx, "run task sequence")
	defer span.End()
	span.SetAttributes(attribute.Int("tasks.count", len(s.tasks)))

	var runners []*TaskRunner
	defer func() {
		// Best effort; a close failure must not mask the task outcome.
		for _, runner := range runners {
			if err := runner.Close(); err != nil {
				logger.Warn("failed to close task runner", "error", err.Error())
			}
		}
	}()

	var results []TaskResult
	for i, task := range s.tasks {
		taskCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)

		runner := s.runnerFactory(task)
		runners = append(runners, runner)
		runner.SetContextData(s.contextData)

		var result TaskResult
		switch task.Type {
		case TaskConversation:
			result = s.runConversation(taskCtx, task, runner)
		case TaskExtraction:
			result = s.runExtraction(taskCtx, task, runner)
		case TaskSummarization:
			result = s.runSummarization(taskCtx, task, runner)
		case TaskWebhook:
			result = s.runWebhook(taskCtx, task, runner)
		default:
			result = TaskResult{Task: task, Err: fmt.Errorf("unknown task type %q", task.Type)}
		}
		cancel()

		results = append(results, result)
		if result.Err != nil {
			err := fmt.Errorf("task %d (%s): %w", i+1, task.Type, result.Err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return results, err
		}
	}
	return results, nil
}

func (s *Sequencer) runConversation(ctx context.Context, task TaskConfig, runner *TaskRunner) TaskResult {
	result := TaskResult{Task: task}
	if s.driver == nil {
		result.Err = fmt.Errorf("no conversation driver configured: %w", ErrNotConfigured)
		return result
	}

	transcript, err := s.driver(ctx, runner)
	if err != nil {
		result.Err = err
		return result
	}

	s.contextData["transcript"] = transcript
	result.Answer = transcript
	return result
}

func (s *Sequencer) runExtraction(ctx context.Context, task TaskConfig, runner *TaskRunner) TaskResult {
	result := TaskResult{Task: task}

	response, err := runner.Generate(ctx, fmt.Sprintf("%v", s.contextData["transcript"]), llms.WithJSONResponse())
	if err != nil {
		result.Err = err
		return result
	}

	extracted := map[string]any{}
	if err := json.Unmarshal([]byte(response.Content), &extracted); err != nil {
		result.Err = fmt.Errorf("parsing extraction output: %w", err)
		return result
	}

	// Later tasks can reference the extracted values through placeholders.
	s.contextData["extraction_details"] = extracted
	for key, value := range extracted {
		s.contextData[key] = value
	}

	result.Answer = response.Content
	result.ExtractedData = extracted
	return result
}

func (s *Sequencer) runSummarization(ctx context.Context, task TaskConfig, runner *TaskRunner) TaskResult {
	result := TaskResult{Task: task}

	response, err := runner.Generate(ctx, fmt.Sprintf("%v", s.contextData["transcript"]))
	if err != nil {
		result.Err = err
		return result
	}

	s.contextData["summary"] = response.Content
	result.Answer = response.Content
	return result
}

func (s *Sequencer) runWebhook(ctx context.Context, task TaskConfig, runner *TaskRunner) TaskResult {
	result := TaskResult{Task: task}

	payload, err := json.Marshal(s.contextData)
	if err != nil {
		result.Err = fmt.Errorf("marshalling webhook payload: %w", err)
		return result
	}

	if err := runner.PostWebhook(ctx, payload); err != nil {
		result.Err = err
		return result
	}

	result.Answer = "delivered"
	return result
}

// ContextData returns a copy of the accumulated task context.
func (s *Sequencer) ContextData() map[string]any {
	data := make(map[string]any, len(s.contextData))
	for key, value := range s.contextData {
		data[key] = value
	}
	return data
}
