package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

type mockLauncher struct {
	mock.Mock
}

func (m *mockLauncher) Launch(ctx context.Context, ownerID string) (string, error) {
	args := m.Called(ctx, ownerID)
	return args.String(0), args.Error(1)
}

func seed(t *testing.T, store *repository.MemoryStore, id, owner string) {
	t.Helper()
	wf := &models.Workflow{ID: id, OwnerID: owner, Status: models.StatusPending, StartedAt: models.Now()}
	require.NoError(t, store.CreateWorkflow(context.Background(), wf, models.AllStages))
}

func TestWorkflowService_Start(t *testing.T) {
	launcher := new(mockLauncher)
	launcher.On("Launch", mock.Anything, "user-1").Return("wf-9", nil)

	svc := NewWorkflowService(launcher, repository.NewMemoryStore())
	id, err := svc.Start(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-9", id)
	launcher.AssertExpectations(t)
}

func TestWorkflowService_SnapshotOwnership(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, "wf-1", "alice")
	svc := NewWorkflowService(new(mockLauncher), store)
	ctx := context.Background()

	snap, err := svc.Snapshot(ctx, "wf-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", snap.Workflow.ID)
	assert.Len(t, snap.Agents, len(models.AllStages))

	_, err = svc.Snapshot(ctx, "wf-1", "bob")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Snapshot(ctx, "missing", "alice")
	assert.True(t, IsNotFound(err))
}

func TestWorkflowService_ListNeverNil(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, "wf-1", "alice")
	svc := NewWorkflowService(new(mockLauncher), store)

	wfs, err := svc.List(context.Background(), "bob")
	require.NoError(t, err)
	assert.NotNil(t, wfs)
	assert.Empty(t, wfs)

	wfs, err = svc.List(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, wfs, 1)
}
