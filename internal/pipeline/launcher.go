package pipeline

import (
	"context"
	"fmt"
	"sync"

	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"

	"github.com/google/uuid"
)

// Runner runs one workflow to a terminal state.
type Runner interface {
	Run(ctx context.Context, workflowID string) (*RunResult, error)
}

// RunError reports a detached run that ended in error.
type RunError struct {
	WorkflowID string
	Result     *RunResult
	Err        error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("workflow %s: %v", e.WorkflowID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// LauncherOptions configures a Launcher.
type LauncherOptions struct {
	// ErrorBuffer is the capacity of the error channel between runs and the
	// supervisor.
	ErrorBuffer int
	// OnFinish, if set, is called by the run's goroutine after every run.
	OnFinish func(workflowID string, res *RunResult, err error)
}

// Launcher creates workflows and runs them detached from the caller. Each
// run is its own goroutine; runs are tracked so Close can wait for them, and
// their errors flow to a supervisor goroutine that logs them.
type Launcher struct {
	store  repository.Store
	runner Runner
	logger Logger
	opts   LauncherOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex // read-held by Launch, write-held by Close
	closed bool
	runs   sync.WaitGroup
	errs   chan *RunError
	done   chan struct{}
}

// NewLauncher starts the supervisor and returns a Launcher ready to accept
// workflows.
func NewLauncher(store repository.Store, runner Runner, logger Logger, opts LauncherOptions) *Launcher {
	if opts.ErrorBuffer <= 0 {
		opts.ErrorBuffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Launcher{
		store:  store,
		runner: runner,
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		errs:   make(chan *RunError, opts.ErrorBuffer),
		done:   make(chan struct{}),
	}
	go l.supervise()
	return l
}

// Launch creates a workflow owned by ownerID with every stage pending and
// returns its id before any stage runs.
func (l *Launcher) Launch(ctx context.Context, ownerID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return "", ErrLauncherClosed
	}

	wf := &models.Workflow{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Status:    models.StatusPending,
		StartedAt: models.Now(),
	}
	if err := l.store.CreateWorkflow(ctx, wf, models.AllStages); err != nil {
		return "", fmt.Errorf("create workflow: %w", err)
	}
	l.logger.Info("workflow launched", "workflow_id", wf.ID, "owner_id", ownerID)

	l.runs.Add(1)
	go l.run(wf.ID)
	return wf.ID, nil
}

func (l *Launcher) run(workflowID string) {
	defer l.runs.Done()

	var res *RunResult
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("run panic: %v", r)
			}
		}()
		res, err = l.runner.Run(l.ctx, workflowID)
	}()

	if err != nil {
		l.errs <- &RunError{WorkflowID: workflowID, Result: res, Err: err}
	}
	if l.opts.OnFinish != nil {
		l.opts.OnFinish(workflowID, res, err)
	}
}

func (l *Launcher) supervise() {
	defer close(l.done)
	for runErr := range l.errs {
		state := StateIdle
		if runErr.Result != nil {
			state = runErr.Result.State
		}
		l.logger.Error("workflow run failed", "workflow_id", runErr.WorkflowID, "state", state, "error", runErr.Err)
	}
}

// Close stops accepting workflows and waits for in-flight runs. If ctx ends
// first, runs are asked to stop and Close returns ctx's error; runs that do
// not return keep their workflow running.
func (l *Launcher) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		l.runs.Wait()
		close(l.errs)
		close(finished)
	}()

	select {
	case <-finished:
		<-l.done
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		return ctx.Err()
	}
}
