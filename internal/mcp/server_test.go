package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/backend/internal/auth"
	"agentflow/backend/internal/repository"
	"agentflow/backend/internal/services"
	"agentflow/backend/pkg/models"
)

type storeLauncher struct {
	store *repository.MemoryStore
}

func (l storeLauncher) Launch(ctx context.Context, ownerID string) (string, error) {
	wf := &models.Workflow{ID: "wf-" + ownerID, OwnerID: ownerID, Status: models.StatusPending, StartedAt: models.Now()}
	return wf.ID, l.store.CreateWorkflow(ctx, wf, models.AllStages)
}

func newTestServer() *Server {
	store := repository.NewMemoryStore()
	return NewServer(services.NewWorkflowService(storeLauncher{store: store}, store))
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestTools_StartAndStatus(t *testing.T) {
	s := newTestServer()
	ctx := auth.WithUserID(context.Background(), "alice")

	res, err := s.handleStartWorkflow(ctx, call(nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var started map[string]string
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &started))
	assert.Equal(t, "wf-alice", started["workflow_id"])

	res, err = s.handleGetWorkflowStatus(ctx, call(map[string]any{"workflow_id": "wf-alice"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &snap))
	assert.Equal(t, models.StatusPending, snap.Workflow.Status)
	assert.Len(t, snap.Agents, len(models.AllStages))

	res, err = s.handleListWorkflows(ctx, call(nil))
	require.NoError(t, err)
	var list []models.WorkflowView
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &list))
	assert.Len(t, list, 1)
}

func TestTools_Errors(t *testing.T) {
	s := newTestServer()
	alice := auth.WithUserID(context.Background(), "alice")
	_, err := s.handleStartWorkflow(alice, call(nil))
	require.NoError(t, err)

	res, _ := s.handleStartWorkflow(context.Background(), call(nil))
	assert.True(t, res.IsError)

	bob := auth.WithUserID(context.Background(), "bob")
	res, _ = s.handleGetWorkflowStatus(bob, call(map[string]any{"workflow_id": "wf-alice"}))
	assert.True(t, res.IsError)

	res, _ = s.handleGetWorkflowStatus(alice, call(map[string]any{"workflow_id": "missing"}))
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not found")

	res, _ = s.handleGetWorkflowStatus(alice, call(map[string]any{}))
	assert.True(t, res.IsError)
}
