package services

import (
	"context"
	"errors"

	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

// ErrForbidden is returned when a user asks for a workflow they do not own.
var ErrForbidden = errors.New("workflow belongs to another user")

// WorkflowService is the entry point used by the HTTP and MCP surfaces.
type WorkflowService struct {
	launcher Launcher
	store    WorkflowReader
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(launcher Launcher, store WorkflowReader) *WorkflowService {
	return &WorkflowService{
		launcher: launcher,
		store:    store,
	}
}

// Start seeds a workflow for ownerID and returns its id without waiting for
// any stage to run.
func (s *WorkflowService) Start(ctx context.Context, ownerID string) (string, error) {
	return s.launcher.Launch(ctx, ownerID)
}

// Authorize checks that workflowID exists and belongs to userID.
func (s *WorkflowService) Authorize(ctx context.Context, workflowID, userID string) error {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.OwnerID != userID {
		return ErrForbidden
	}
	return nil
}

// Snapshot returns the joined view of a workflow owned by userID.
func (s *WorkflowService) Snapshot(ctx context.Context, workflowID, userID string) (*models.Snapshot, error) {
	if err := s.Authorize(ctx, workflowID, userID); err != nil {
		return nil, err
	}
	return s.store.ReadJoined(ctx, workflowID)
}

// List returns the workflows owned by userID, newest first.
func (s *WorkflowService) List(ctx context.Context, userID string) ([]*models.Workflow, error) {
	wfs, err := s.store.ListWorkflows(ctx, userID)
	if err != nil {
		return nil, err
	}
	if wfs == nil {
		wfs = []*models.Workflow{}
	}
	return wfs, nil
}

// IsNotFound reports whether err means the workflow does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
