package repository

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"agentflow/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behavior every Repository must share.
func runStoreContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	seed := func(t *testing.T, repo Repository) string {
		wf := &models.Workflow{ID: uuid.New().String(), OwnerID: "user-1"}
		require.NoError(t, repo.CreateWorkflow(ctx, wf, models.AllStages))
		return wf.ID
	}

	t.Run("seed creates pending records", func(t *testing.T) {
		repo := newRepo(t)
		id := seed(t, repo)

		snap, err := repo.ReadJoined(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, snap.Workflow.Status)
		assert.NotNil(t, snap.Workflow.StartedAt)
		assert.Nil(t, snap.Workflow.EndedAt)
		require.Len(t, snap.Agents, 4)
		for _, st := range models.AllStages {
			view, ok := snap.Stage(st)
			require.True(t, ok, st)
			assert.Equal(t, models.StatusPending, view.Status)
			assert.Nil(t, view.Result)
			assert.Nil(t, view.StartedAt)
		}
	})

	t.Run("seeding twice conflicts", func(t *testing.T) {
		repo := newRepo(t)
		id := seed(t, repo)
		err := repo.CreateWorkflow(ctx, &models.Workflow{ID: id, OwnerID: "user-1"}, models.AllStages)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("transition follows monotonic order", func(t *testing.T) {
		repo := newRepo(t)
		id := seed(t, repo)

		rec, err := repo.Transition(ctx, id, models.StageCollect, models.StatusRunning, nil)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, rec.Status)
		assert.NotNil(t, rec.StartedAt)

		payload := json.RawMessage(`{"flights":[]}`)
		rec, err = repo.Transition(ctx, id, models.StageCollect, models.StatusCompleted, payload)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, rec.Status)
		assert.NotNil(t, rec.EndedAt)

		got, err := repo.GetStage(ctx, id, models.StageCollect)
		require.NoError(t, err)
		assert.JSONEq(t, string(payload), string(got.Result))
	})

	t.Run("completed stage cannot restart", func(t *testing.T) {
		repo := newRepo(t)
		id := seed(t, repo)
		_, err := repo.Transition(ctx, id, models.StageCollect, models.StatusRunning, nil)
		require.NoError(t, err)
		_, err = repo.Transition(ctx, id, models.StageCollect, models.StatusCompleted, json.RawMessage(`{"a":1}`))
		require.NoError(t, err)
		before, err := repo.GetStage(ctx, id, models.StageCollect)
		require.NoError(t, err)

		_, err = repo.Transition(ctx, id, models.StageCollect, models.StatusRunning, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		after, err := repo.GetStage(ctx, id, models.StageCollect)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("pending cannot skip to completed", func(t *testing.T) {
		repo := newRepo(t)
		id := seed(t, repo)
		_, err := repo.Transition(ctx, id, models.StageBudget, models.StatusCompleted, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("unknown workflow and stage", func(t *testing.T) {
		repo := newRepo(t)
		id := seed(t, repo)
		_, err := repo.Transition(ctx, "missing", models.StageCollect, models.StatusRunning, nil)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.Transition(ctx, id, models.Stage("packing"), models.StatusRunning, nil)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.ReadJoined(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.GetWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent starts admit one", func(t *testing.T) {
		repo := newRepo(t)
		id := seed(t, repo)

		const attempts = 8
		var wg sync.WaitGroup
		errs := make([]error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = repo.Transition(ctx, id, models.StageBudget, models.StatusRunning, nil)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		}
		assert.Equal(t, 1, succeeded)
	})

	t.Run("read joined is repeatable", func(t *testing.T) {
		repo := newRepo(t)
		id := seed(t, repo)
		_, err := repo.Transition(ctx, id, models.StageCollect, models.StatusRunning, nil)
		require.NoError(t, err)

		first, err := repo.ReadJoined(ctx, id)
		require.NoError(t, err)
		second, err := repo.ReadJoined(ctx, id)
		require.NoError(t, err)

		a, err := json.Marshal(first)
		require.NoError(t, err)
		b, err := json.Marshal(second)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("workflow status sets end once", func(t *testing.T) {
		repo := newRepo(t)
		id := seed(t, repo)

		wf, err := repo.SetWorkflowStatus(ctx, id, models.StatusRunning)
		require.NoError(t, err)
		assert.Nil(t, wf.EndedAt)

		wf, err = repo.SetWorkflowStatus(ctx, id, models.StatusCompleted)
		require.NoError(t, err)
		require.NotNil(t, wf.EndedAt)

		_, err = repo.SetWorkflowStatus(ctx, id, models.StatusFailed)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		got, err := repo.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.True(t, wf.EndedAt.Equal(*got.EndedAt))
	})

	t.Run("list workflows by owner", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo)
		seed(t, repo)
		require.NoError(t, repo.CreateWorkflow(ctx, &models.Workflow{ID: uuid.New().String(), OwnerID: "user-2"}, models.AllStages))

		mine, err := repo.ListWorkflows(ctx, "user-1")
		require.NoError(t, err)
		assert.Len(t, mine, 2)
		for _, wf := range mine {
			assert.Equal(t, "user-1", wf.OwnerID)
		}
	})

	t.Run("tokens resolve to users", func(t *testing.T) {
		repo := newRepo(t)
		user := &models.User{Name: "traveller"}
		require.NoError(t, repo.CreateUser(ctx, user))
		require.NotEmpty(t, user.ID)
		assert.ErrorIs(t, repo.CreateUser(ctx, &models.User{Name: "traveller"}), ErrConflict)

		found, err := repo.GetUserByName(ctx, "traveller")
		require.NoError(t, err)
		assert.Equal(t, user.ID, found.ID)

		require.NoError(t, repo.CreateToken(ctx, user.ID, "secret-token"))
		userID, err := repo.UserIDForToken(ctx, "secret-token")
		require.NoError(t, err)
		assert.Equal(t, user.ID, userID)

		_, err = repo.UserIDForToken(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
