package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// GenerationRequest is one call to the generation collaborator.
type GenerationRequest struct {
	WorkflowID string
	Stage      models.Stage
	Prompt     Prompt
}

// Generator produces the full text for one stage. Implementations that
// stream must drain the stream before returning.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// Publisher is told about every persisted status change of a workflow.
type Publisher interface {
	Publish(ctx context.Context, workflowID string) error
}

// Executor runs one stage of one workflow through the status protocol:
// running, dependency gate, generation, then completed or failed.
type Executor struct {
	spec      StageSpec
	store     repository.Store
	generator Generator
	prompts   *PromptCatalog
	publisher Publisher
	logger    Logger
	metrics   *instruments
}

// NewExecutor creates an Executor for spec.
func NewExecutor(spec StageSpec, store repository.Store, generator Generator, prompts *PromptCatalog, publisher Publisher, logger Logger) *Executor {
	if spec.BuildInput == nil {
		spec.BuildInput = prettyInputs
	}
	return &Executor{
		spec:      spec,
		store:     store,
		generator: generator,
		prompts:   prompts,
		publisher: publisher,
		logger:    logger,
		metrics:   newInstruments(),
	}
}

// Stage returns the stage this executor runs.
func (e *Executor) Stage() models.Stage { return e.spec.Stage }

// Execute runs the stage to completion or failure and returns the stored
// result. Every error except a rejected start is also recorded as a failed
// stage before it is returned.
func (e *Executor) Execute(ctx context.Context, workflowID string) (result json.RawMessage, err error) {
	stage := e.spec.Stage

	// A second invocation for the same stage fails here and never touches
	// the record owned by the first.
	if _, err := e.store.Transition(ctx, workflowID, stage, models.StatusRunning, nil); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: start %s: %w", ErrConflict, stage, err)
	}
	started := time.Now()
	// From here on the stage is ours; a panic still has to end it as failed.
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = e.fail(ctx, workflowID, started, fmt.Errorf("stage panic: %v", r))
		}
	}()
	e.metrics.transition(ctx, stage, models.StatusRunning)
	e.publish(ctx, workflowID)
	e.logger.Info("stage started", "workflow_id", workflowID, "stage", stage)

	upstream := make(map[models.Stage]json.RawMessage, len(e.spec.DependsOn))
	for _, dep := range e.spec.DependsOn {
		rec, err := e.store.GetStage(ctx, workflowID, dep)
		if err != nil {
			return nil, e.fail(ctx, workflowID, started, fmt.Errorf("%w: read %s: %w", ErrDependencyNotSatisfied, dep, err))
		}
		if rec.Status != models.StatusCompleted {
			return nil, e.fail(ctx, workflowID, started, fmt.Errorf("%w: %s status is %s, not completed", ErrDependencyNotSatisfied, dep, rec.Status))
		}
		upstream[dep] = rec.Result
	}

	inputs, err := e.spec.BuildInput(upstream)
	if err != nil {
		return nil, e.fail(ctx, workflowID, started, fmt.Errorf("assemble input: %w", err))
	}
	prompt, err := e.prompts.Render(stage, inputs)
	if err != nil {
		return nil, e.fail(ctx, workflowID, started, err)
	}

	text, err := e.generate(ctx, GenerationRequest{WorkflowID: workflowID, Stage: stage, Prompt: prompt})
	if err != nil {
		return nil, e.fail(ctx, workflowID, started, fmt.Errorf("%w: %w", ErrGeneration, err))
	}
	result, err = decodeOutput(e.spec.Output, text)
	if err != nil {
		return nil, e.fail(ctx, workflowID, started, err)
	}

	if _, err := e.store.Transition(ctx, workflowID, stage, models.StatusCompleted, result); err != nil {
		return nil, e.fail(ctx, workflowID, started, fmt.Errorf("record result: %w", err))
	}
	e.metrics.transition(ctx, stage, models.StatusCompleted)
	e.metrics.finished(ctx, stage, models.StatusCompleted, started)
	e.publish(ctx, workflowID)
	e.logger.Info("stage completed", "workflow_id", workflowID, "stage", stage, "duration", time.Since(started))
	return result, nil
}

// generate calls the generator, converting a panic into an error.
func (e *Executor) generate(ctx context.Context, req GenerationRequest) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return e.generator.Generate(ctx, req)
}

// fail records cause as the stage's failed result and returns it. The write
// ignores cancellation of ctx so a timed-out generation is still recorded.
func (e *Executor) fail(ctx context.Context, workflowID string, started time.Time, cause error) error {
	stage := e.spec.Stage
	ctx = context.WithoutCancel(ctx)
	e.logger.Error("stage failed", "workflow_id", workflowID, "stage", stage, "error", cause)

	payload, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if _, err := e.store.Transition(ctx, workflowID, stage, models.StatusFailed, payload); err != nil {
		e.logger.Error("failed to record stage failure", "workflow_id", workflowID, "stage", stage, "error", err)
		return errors.Join(cause, err)
	}
	e.metrics.transition(ctx, stage, models.StatusFailed)
	e.metrics.finished(ctx, stage, models.StatusFailed, started)
	e.publish(ctx, workflowID)
	return cause
}

func (e *Executor) publish(ctx context.Context, workflowID string) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, workflowID); err != nil {
		e.logger.Warn("publish failed", "workflow_id", workflowID, "stage", e.spec.Stage, "error", err)
	}
}
