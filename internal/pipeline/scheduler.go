package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"

	"golang.org/x/sync/errgroup"
)

// State is the scheduler's position in a workflow run.
type State string

const (
	StateIdle           State = "idle"
	StateCollectRunning State = "collect_running"
	StateCollectFailed  State = "collect_failed"
	StateCollectDone    State = "collect_done"
	StateFanOutRunning  State = "fan_out_running"
	StateFanOutFailed   State = "fan_out_failed"
	StateFanOutDone     State = "fan_out_done"
	StateReportRunning  State = "report_running"
	StateReportFailed   State = "report_failed"
	StateCompleted      State = "completed"
)

// StageOutcome is the result of one executed stage.
type StageOutcome struct {
	Stage  models.Stage
	Result json.RawMessage
	Err    error
}

// RunResult summarizes one scheduler run. Stages lists only the stages that
// were invoked, in declared order.
type RunResult struct {
	WorkflowID string
	State      State
	Status     models.Status
	Stages     []StageOutcome
}

// Scheduler drives one workflow through collect, the budget/itinerary
// fan-out and report, stopping at the first failed step.
type Scheduler struct {
	store     repository.Store
	executors map[models.Stage]*Executor
	publisher Publisher
	logger    Logger
	metrics   *instruments
}

// NewScheduler builds one executor per stage of Pipeline.
func NewScheduler(store repository.Store, generator Generator, prompts *PromptCatalog, publisher Publisher, logger Logger) *Scheduler {
	executors := make(map[models.Stage]*Executor, len(Pipeline))
	for stage, spec := range Pipeline {
		executors[stage] = NewExecutor(spec, store, generator, prompts, publisher, logger)
	}
	return &Scheduler{
		store:     store,
		executors: executors,
		publisher: publisher,
		logger:    logger,
		metrics:   newInstruments(),
	}
}

// Run executes the workflow. It never retries a stage; the returned error is
// a StageErrors naming every failed stage, or the error that kept the run
// from starting.
func (s *Scheduler) Run(ctx context.Context, workflowID string) (*RunResult, error) {
	res := &RunResult{WorkflowID: workflowID, State: StateIdle, Status: models.StatusPending}

	if err := s.setStatus(ctx, workflowID, models.StatusRunning); err != nil {
		return res, fmt.Errorf("start workflow %s: %w", workflowID, err)
	}
	res.Status = models.StatusRunning

	s.enter(res, StateCollectRunning)
	collect := s.runStage(ctx, workflowID, models.StageCollect)
	res.Stages = append(res.Stages, collect)
	if collect.Err != nil {
		return s.finish(ctx, res, StateCollectFailed, models.StatusFailed)
	}
	s.enter(res, StateCollectDone)

	// Budget and itinerary run to completion even when the other fails;
	// the outcome is inspected only after both return.
	s.enter(res, StateFanOutRunning)
	outcomes := make([]StageOutcome, len(fanOut))
	var g errgroup.Group
	for i, stage := range fanOut {
		g.Go(func() error {
			outcomes[i] = s.runStage(ctx, workflowID, stage)
			return nil
		})
	}
	_ = g.Wait()
	res.Stages = append(res.Stages, outcomes...)
	for _, o := range outcomes {
		if o.Err != nil {
			return s.finish(ctx, res, StateFanOutFailed, models.StatusFailed)
		}
	}
	s.enter(res, StateFanOutDone)

	s.enter(res, StateReportRunning)
	report := s.runStage(ctx, workflowID, models.StageReport)
	res.Stages = append(res.Stages, report)
	if report.Err != nil {
		return s.finish(ctx, res, StateReportFailed, models.StatusFailed)
	}
	return s.finish(ctx, res, StateCompleted, models.StatusCompleted)
}

// runStage executes one stage, converting a panic anywhere in the executor
// into a stage error.
func (s *Scheduler) runStage(ctx context.Context, workflowID string, stage models.Stage) (out StageOutcome) {
	out.Stage = stage
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("executor panic: %v", r)
			s.logger.Error("executor panic", "workflow_id", workflowID, "stage", stage, "panic", r)
		}
	}()
	out.Result, out.Err = s.executors[stage].Execute(ctx, workflowID)
	return out
}

func (s *Scheduler) finish(ctx context.Context, res *RunResult, state State, status models.Status) (*RunResult, error) {
	s.enter(res, state)
	var errs StageErrors
	for _, o := range res.Stages {
		if o.Err != nil {
			errs = append(errs, &StageError{Stage: o.Stage, Err: o.Err})
		}
	}

	if err := s.setStatus(context.WithoutCancel(ctx), res.WorkflowID, status); err != nil {
		s.logger.Error("failed to record workflow status", "workflow_id", res.WorkflowID, "status", status, "error", err)
		if len(errs) == 0 {
			return res, fmt.Errorf("finish workflow %s: %w", res.WorkflowID, err)
		}
	} else {
		res.Status = status
	}

	s.logger.Info("workflow finished", "workflow_id", res.WorkflowID, "state", state, "status", status)
	if len(errs) > 0 {
		return res, errs
	}
	return res, nil
}

func (s *Scheduler) setStatus(ctx context.Context, workflowID string, status models.Status) error {
	if _, err := s.store.SetWorkflowStatus(ctx, workflowID, status); err != nil {
		return err
	}
	s.metrics.workflow(ctx, status)
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, workflowID); err != nil {
			s.logger.Warn("publish failed", "workflow_id", workflowID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) enter(res *RunResult, state State) {
	s.logger.Debug("scheduler state", "workflow_id", res.WorkflowID, "from", res.State, "to", state)
	res.State = state
}
