package orchestration

import (
	"errors"
	"fmt"
)

// Stage names the part of the turn pipeline an error originated in.
type Stage string

const (
	StageInput      Stage = "input_processing"
	StageGeneration Stage = "generation"
	StageOutput     Stage = "output_processing"
)

var (
	ErrInputProcessing  = errors.New("input processing failed")
	ErrGeneration       = errors.New("response generation failed")
	ErrOutputProcessing = errors.New("output processing failed")

	// ErrNotConfigured means the runner is missing a component it cannot
	// run without. It is not retried.
	ErrNotConfigured = errors.New("task runner not configured")
)

// TaskError wraps a stage failure so callers can tell which part of the
// pipeline gave out after retries were exhausted.
type TaskError struct {
	Stage Stage
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func stageSentinel(stage Stage) error {
	switch stage {
	case StageInput:
		return ErrInputProcessing
	case StageGeneration:
		return ErrGeneration
	case StageOutput:
		return ErrOutputProcessing
	}
	return nil
}

func newTaskError(stage Stage, err error) *TaskError {
	if sentinel := stageSentinel(stage); sentinel != nil {
		err = errors.Join(sentinel, err)
	}
	return &TaskError{Stage: stage, Err: err}
}
