package taskstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
)

func newStoredTask(t *testing.T, store *MemoryStore, id string, status models.TaskStatus) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:      id,
		OwnerID: "client-" + id,
		Kind:    models.KindWeeklySummary,
		Status:  status,
	}
	require.NoError(t, store.Create(context.Background(), task))
	return task
}

func TestCreateRejectsSecondActiveTask(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := newStoredTask(t, store, "t1", models.TaskStatusRunning)
	dup := &models.Task{ID: "t2", OwnerID: first.OwnerID, Kind: first.Kind, Status: models.TaskStatusPending}
	assert.ErrorIs(t, store.Create(ctx, dup), ErrDuplicateActive)

	// A different kind for the same owner is a separate slot.
	other := &models.Task{ID: "t3", OwnerID: first.OwnerID, Kind: "other-kind", Status: models.TaskStatusPending}
	assert.NoError(t, store.Create(ctx, other))
}

func TestUpdateStatusIsCompareAndSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := newStoredTask(t, store, "t1", models.TaskStatusRunning)
	err := store.UpdateStatus(ctx, task.ID, models.TaskStatusPaused, models.TaskStatusRunning, TaskPatch{})
	assert.ErrorIs(t, err, ErrStatusConflict)

	require.NoError(t, store.UpdateStatus(ctx, task.ID, models.TaskStatusRunning, models.TaskStatusPaused, TaskPatch{}))
	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPaused, got.Status)
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := newStoredTask(t, store, "t1", models.TaskStatusRunning)
	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	got.Status = models.TaskStatusFailed
	got.CompletedSteps = append(got.CompletedSteps, "auth")

	again, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, again.Status)
	assert.Empty(t, again.CompletedSteps)
}

func TestDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := newStoredTask(t, store, "t1", models.TaskStatusPending)
	require.NoError(t, store.Delete(ctx, task.ID))

	_, err := store.Get(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, task.ID), ErrNotFound)
}

func TestFindStaleRunningIgnoresFreshHeartbeats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	stale := newStoredTask(t, store, "stale", models.TaskStatusRunning)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, store.Update(ctx, stale.ID, TaskPatch{LastHeartbeatAt: &old}))

	fresh := newStoredTask(t, store, "fresh", models.TaskStatusRunning)
	now := time.Now()
	require.NoError(t, store.Update(ctx, fresh.ID, TaskPatch{LastHeartbeatAt: &now}))

	found, err := store.FindStaleRunning(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stale.ID, found[0].ID)
}

func TestPurgeTerminalOlderThan(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	done := newStoredTask(t, store, "done", models.TaskStatusCompleted)
	store.mu.Lock()
	store.tasks[done.ID].UpdatedAt = time.Now().Add(-48 * time.Hour)
	store.mu.Unlock()

	newStoredTask(t, store, "recent", models.TaskStatusFailed)
	running := newStoredTask(t, store, "live", models.TaskStatusRunning)
	store.mu.Lock()
	store.tasks[running.ID].UpdatedAt = time.Now().Add(-48 * time.Hour)
	store.mu.Unlock()

	count, err := store.PurgeTerminalOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = store.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, running.ID)
	assert.NoError(t, err, "non-terminal tasks are never purged")
}
