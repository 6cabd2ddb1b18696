package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

type finished struct {
	id  string
	res *RunResult
	err error
}

func newTestLauncher(t *testing.T, gen *fakeGenerator) (*Launcher, *repository.MemoryStore, chan finished) {
	store := repository.NewMemoryStore()
	sched := NewScheduler(store, gen, testPrompts(t), nil, discard)
	done := make(chan finished, 8)
	l := NewLauncher(store, sched, discard, LauncherOptions{
		OnFinish: func(id string, res *RunResult, err error) {
			done <- finished{id: id, res: res, err: err}
		},
	})
	return l, store, done
}

func waitFinished(t *testing.T, done <-chan finished) finished {
	t.Helper()
	select {
	case f := <-done:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
		return finished{}
	}
}

func TestLauncher_ReturnsBeforeExecution(t *testing.T) {
	gen := newFakeGenerator()
	release := make(chan struct{})
	gen.set(models.StageCollect, reply{text: `{"ok":true}`, wait: release})
	l, store, done := newTestLauncher(t, gen)
	defer l.Close(context.Background())

	id, err := l.Launch(context.Background(), "alice")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	wf, err := store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", wf.OwnerID)
	for _, stage := range []models.Stage{models.StageBudget, models.StageItinerary, models.StageReport} {
		assert.Equal(t, models.StatusPending, stageStatus(t, store, id, stage))
	}

	close(release)
	f := waitFinished(t, done)
	assert.Equal(t, id, f.id)
	require.NoError(t, f.err)
	assert.Equal(t, StateCompleted, f.res.State)
}

func TestLauncher_ConcurrentWorkflowsAreIndependent(t *testing.T) {
	gen := newFakeGenerator()
	l, store, done := newTestLauncher(t, gen)

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := l.Launch(context.Background(), "alice")
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()
	for range ids {
		waitFinished(t, done)
	}
	require.NoError(t, l.Close(context.Background()))

	list, err := store.ListWorkflows(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, list, len(ids))
	for _, wf := range list {
		assert.Equal(t, models.StatusCompleted, wf.Status)
	}
}

func TestLauncher_RunErrorsReported(t *testing.T) {
	gen := newFakeGenerator()
	gen.set(models.StageCollect, reply{err: errors.New("no flights")})
	l, _, done := newTestLauncher(t, gen)
	defer l.Close(context.Background())

	_, err := l.Launch(context.Background(), "alice")
	require.NoError(t, err)

	f := waitFinished(t, done)
	var stageErrs StageErrors
	require.ErrorAs(t, f.err, &stageErrs)
	assert.Equal(t, []models.Stage{models.StageCollect}, stageErrs.Stages())
	assert.Equal(t, StateCollectFailed, f.res.State)
}

func TestLauncher_Close(t *testing.T) {
	gen := newFakeGenerator()
	release := make(chan struct{})
	gen.set(models.StageCollect, reply{text: `{}`, wait: release})
	l, _, done := newTestLauncher(t, gen)

	_, err := l.Launch(context.Background(), "alice")
	require.NoError(t, err)
	<-gen.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Close(ctx), context.DeadlineExceeded)

	// Close cancels in-flight runs once its context is done.
	f := waitFinished(t, done)
	assert.Error(t, f.err)

	_, err = l.Launch(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrLauncherClosed)
}

// blockingStore holds the first CreateWorkflow until release is closed.
type blockingStore struct {
	*repository.MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) CreateWorkflow(ctx context.Context, wf *models.Workflow, stages []models.Stage) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.CreateWorkflow(ctx, wf, stages)
}

func TestLauncher_LaunchesDoNotSerializeOnStore(t *testing.T) {
	store := &blockingStore{
		MemoryStore: repository.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	gen := newFakeGenerator()
	sched := NewScheduler(store, gen, testPrompts(t), nil, discard)
	l := NewLauncher(store, sched, discard, LauncherOptions{})

	slow := make(chan error, 1)
	go func() {
		_, err := l.Launch(context.Background(), "alice")
		slow <- err
	}()
	<-store.entered

	// The first launch is still inside the store; a second one completes.
	fast := make(chan error, 1)
	go func() {
		_, err := l.Launch(context.Background(), "bob")
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second launch waited for the first")
	}

	close(store.release)
	require.NoError(t, <-slow)
	require.NoError(t, l.Close(context.Background()))
}
