package pipeline

import (
	"errors"
	"strings"

	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

var (
	// ErrConflict is returned when a stage is invoked while another
	// invocation already owns it, or a workflow is run twice.
	ErrConflict = repository.ErrConflict
	// ErrNotFound is returned for unknown workflows or stages.
	ErrNotFound = repository.ErrNotFound
	// ErrInvalidTransition is returned by the store for out-of-order status changes.
	ErrInvalidTransition = repository.ErrInvalidTransition
	// ErrDependencyNotSatisfied is returned when an upstream stage has not completed.
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
	// ErrGeneration is returned when the generation collaborator fails or
	// produces a payload the stage cannot use.
	ErrGeneration = errors.New("generation failed")
	// ErrLauncherClosed is returned by Launch after Close.
	ErrLauncherClosed = errors.New("launcher closed")
)

// StageError ties an error to the stage that produced it.
type StageError struct {
	Stage models.Stage
	Err   error
}

func (e *StageError) Error() string {
	return "stage " + string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// StageErrors aggregates the failures of one scheduler run in declared stage
// order.
type StageErrors []*StageError

func (e StageErrors) Error() string {
	msgs := make([]string, len(e))
	for i, se := range e {
		msgs[i] = se.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e StageErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i, se := range e {
		errs[i] = se
	}
	return errs
}

// Stages lists the failed stages in order.
func (e StageErrors) Stages() []models.Stage {
	stages := make([]models.Stage, len(e))
	for i, se := range e {
		stages[i] = se.Stage
	}
	return stages
}
