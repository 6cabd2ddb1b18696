package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

type reply struct {
	text  string
	err   error
	panic bool
	wait  <-chan struct{}
}

// fakeGenerator answers per stage and records every request.
type fakeGenerator struct {
	mu      sync.Mutex
	replies map[models.Stage]reply
	calls   []GenerationRequest
	started chan models.Stage
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		replies: map[models.Stage]reply{
			models.StageCollect:   {text: `{"flights": [], "hotels": []}`},
			models.StageBudget:    {text: `{"total": 3000, "remaining": 120}`},
			models.StageItinerary: {text: "```json\n{\"days\": 5}\n```"},
			models.StageReport:    {text: "# Japan trip\n\nFive days."},
		},
		started: make(chan models.Stage, 64),
	}
}

func (g *fakeGenerator) set(stage models.Stage, r reply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[stage] = r
}

func (g *fakeGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	r := g.replies[req.Stage]
	g.mu.Unlock()

	g.started <- req.Stage
	if r.wait != nil {
		select {
		case <-r.wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.panic {
		panic("generator exploded")
	}
	return r.text, r.err
}

func (g *fakeGenerator) callsFor(stage models.Stage) []GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []GenerationRequest
	for _, c := range g.calls {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

// recordingPublisher captures the joined snapshot at every publish.
type recordingPublisher struct {
	store repository.Store
	mu    sync.Mutex
	snaps []*models.Snapshot
}

func (p *recordingPublisher) Publish(ctx context.Context, workflowID string) error {
	snap, err := p.store.ReadJoined(ctx, workflowID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.snaps = append(p.snaps, snap)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

func testPrompts(t *testing.T) *PromptCatalog {
	t.Helper()
	c, err := DefaultPrompts()
	require.NoError(t, err)
	return c
}

func seedWorkflow(t *testing.T, store repository.Store, id string) {
	t.Helper()
	wf := &models.Workflow{ID: id, OwnerID: "alice", Status: models.StatusPending, StartedAt: models.Now()}
	require.NoError(t, store.CreateWorkflow(context.Background(), wf, models.AllStages))
}

func stageStatus(t *testing.T, store repository.Store, id string, stage models.Stage) models.Status {
	t.Helper()
	rec, err := store.GetStage(context.Background(), id, stage)
	require.NoError(t, err)
	return rec.Status
}

var discard = logging.Discard()
