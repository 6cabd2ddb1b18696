package services

import (
	"context"

	"agentflow/backend/pkg/models"
)

// Launcher starts detached workflow runs.
type Launcher interface {
	Launch(ctx context.Context, ownerID string) (string, error)
}

// WorkflowReader is the read side of the workflow store used by the service.
type WorkflowReader interface {
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ReadJoined(ctx context.Context, workflowID string) (*models.Snapshot, error)
	ListWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error)
}
