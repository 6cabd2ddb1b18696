package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"agentflow/backend/pkg/models"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Repository. All reads and writes happen under
// one lock, so ReadJoined is trivially a consistent snapshot.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
	stages    map[string]map[models.Stage]*models.StageRecord
	users     map[string]*models.User
	tokens    map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*models.Workflow),
		stages:    make(map[string]map[models.Stage]*models.StageRecord),
		users:     make(map[string]*models.User),
		tokens:    make(map[string]string),
	}
}

func (s *MemoryStore) CreateWorkflow(ctx context.Context, wf *models.Workflow, stages []models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.ID]; ok {
		return fmt.Errorf("%w: workflow %s already exists", ErrConflict, wf.ID)
	}
	if _, ok := s.stages[wf.ID]; ok {
		return fmt.Errorf("%w: stages for workflow %s already seeded", ErrConflict, wf.ID)
	}
	if wf.Status == "" {
		wf.Status = models.StatusPending
	}
	if wf.StartedAt.IsZero() {
		wf.StartedAt = models.Now()
	}

	recs := make(map[models.Stage]*models.StageRecord, len(stages))
	for _, st := range stages {
		if _, dup := recs[st]; dup {
			return fmt.Errorf("%w: stage %s listed twice", ErrConflict, st)
		}
		recs[st] = &models.StageRecord{
			ID:         uuid.New().String(),
			WorkflowID: wf.ID,
			Stage:      st,
			Status:     models.StatusPending,
		}
	}
	cp := *wf
	s.workflows[wf.ID] = &cp
	s.stages[wf.ID] = recs
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	return copyWorkflow(wf), nil
}

func (s *MemoryStore) SetWorkflowStatus(ctx context.Context, id string, to models.Status) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	if err := checkTransition(wf.Status, to); err != nil {
		return nil, err
	}
	wf.Status = to
	if to.Terminal() {
		now := models.Now()
		wf.EndedAt = &now
	}
	return copyWorkflow(wf), nil
}

func (s *MemoryStore) GetStage(ctx context.Context, workflowID string, stage models.Stage) (*models.StageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.stageLocked(workflowID, stage)
	if err != nil {
		return nil, err
	}
	return copyStage(rec), nil
}

func (s *MemoryStore) Transition(ctx context.Context, workflowID string, stage models.Stage, to models.Status, result json.RawMessage) (*models.StageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.stageLocked(workflowID, stage)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(rec.Status, to); err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, err)
	}
	applyTransition(rec, to, append(json.RawMessage(nil), result...))
	return copyStage(rec), nil
}

func (s *MemoryStore) ReadJoined(ctx context.Context, workflowID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	recs := make([]*models.StageRecord, 0, len(s.stages[workflowID]))
	for _, rec := range s.stages[workflowID] {
		recs = append(recs, copyStage(rec))
	}
	return models.NewSnapshot(copyWorkflow(wf), recs), nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Workflow
	for _, wf := range s.workflows {
		if wf.OwnerID == ownerID {
			out = append(out, copyWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Name == user.Name {
			return fmt.Errorf("%w: user %s", ErrConflict, user.Name)
		}
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = models.Now()
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Name == name {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: user %s", ErrNotFound, name)
}

func (s *MemoryStore) CreateToken(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if _, ok := s.tokens[token]; ok {
		return fmt.Errorf("%w: token already issued", ErrConflict)
	}
	s.tokens[token] = userID
	return nil
}

func (s *MemoryStore) UserIDForToken(ctx context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	if !ok {
		return "", fmt.Errorf("%w: token", ErrNotFound)
	}
	return id, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) stageLocked(workflowID string, stage models.Stage) (*models.StageRecord, error) {
	recs, ok := s.stages[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	rec, ok := recs[stage]
	if !ok {
		return nil, fmt.Errorf("%w: stage %s of workflow %s", ErrNotFound, stage, workflowID)
	}
	return rec, nil
}

func copyWorkflow(wf *models.Workflow) *models.Workflow {
	cp := *wf
	if wf.EndedAt != nil {
		t := *wf.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func copyStage(rec *models.StageRecord) *models.StageRecord {
	cp := *rec
	if rec.Result != nil {
		cp.Result = append(json.RawMessage(nil), rec.Result...)
	}
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		cp.StartedAt = &t
	}
	if rec.EndedAt != nil {
		t := *rec.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

var _ Repository = (*MemoryStore)(nil)
