package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agentflow/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a workflow, stage record, user or token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a record that must be unique already exists.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition is returned when a status change would move a
	// record backwards or skip a state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the durable record of workflows and their stages. It is the single
// source of truth shared by every executor; each executor only writes its own
// stage's record.
type Store interface {
	// CreateWorkflow inserts the workflow and seeds one pending record per
	// stage in the same transaction. It fails with ErrConflict if the
	// workflow or any of its stage records already exist.
	CreateWorkflow(ctx context.Context, wf *models.Workflow, stages []models.Stage) error
	// GetWorkflow returns the workflow row.
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	// SetWorkflowStatus moves the workflow's overall status forward. A
	// terminal status sets the end timestamp.
	SetWorkflowStatus(ctx context.Context, id string, to models.Status) (*models.Workflow, error)
	// GetStage returns one stage record.
	GetStage(ctx context.Context, workflowID string, stage models.Stage) (*models.StageRecord, error)
	// Transition moves one stage record forward, recording the result and
	// the start or end timestamp.
	Transition(ctx context.Context, workflowID string, stage models.Stage, to models.Status, result json.RawMessage) (*models.StageRecord, error)
	// ReadJoined returns the workflow and all of its stages from one
	// consistent read.
	ReadJoined(ctx context.Context, workflowID string) (*models.Snapshot, error)
	// ListWorkflows returns the owner's workflows, newest first.
	ListWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error)
}

// UserStore resolves API tokens to the users that own workflows.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByName(ctx context.Context, name string) (*models.User, error)
	CreateToken(ctx context.Context, userID, token string) error
	UserIDForToken(ctx context.Context, token string) (string, error)
}

// Repository is everything the service needs from a storage backend.
type Repository interface {
	Store
	UserStore
	Ping(ctx context.Context) error
	Close() error
}

func checkTransition(from, to models.Status) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// applyTransition stamps the record for a status change already validated
// by checkTransition.
func applyTransition(rec *models.StageRecord, to models.Status, result json.RawMessage) {
	now := models.Now()
	rec.Status = to
	switch {
	case to == models.StatusRunning:
		rec.StartedAt = &now
	case to.Terminal():
		rec.EndedAt = &now
		rec.Result = result
	}
}
