package tasks_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/lifecycle"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/progress"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/repository/taskstore"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/runner"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/service/tasks"
)

const blockingKind = "blocking-pipeline"

// blockingEngine wires a service around a pipeline whose single step waits
// on release, keeping tasks running until the test decides otherwise.
func blockingEngine(t *testing.T) (*tasks.Service, *lifecycle.Lifecycle, *progress.Hub, chan struct{}) {
	t.Helper()
	release := make(chan struct{})

	store := taskstore.NewMemoryStore()
	lc := lifecycle.New(store, time.Minute)
	hub := progress.NewHub(16)
	r := runner.New(lc, hub, nil, runner.Config{MaxConcurrentRuns: 16})
	r.RegisterPipeline(runner.Pipeline{
		Kind: blockingKind,
		Steps: []runner.Step{
			{Name: "work", BandStart: 0, BandEnd: 90, Run: func(ctx context.Context, sc *runner.StepContext) error {
				<-release
				return sc.ReportSubItem(ctx, 1, 1, "worked", nil)
			}},
		},
	})
	svc := tasks.NewService(lc, r, hub, nil)
	return svc, lc, hub, release
}

func waitForStatus(t *testing.T, svc *tasks.Service, id string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		task, err := svc.Get(context.Background(), id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached %s, stuck at %s", id, want, task.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConcurrentCreateYieldsSingleTask(t *testing.T) {
	svc, _, _, release := blockingEngine(t)
	defer close(release)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	ids := make([]string, callers)
	createdCount := make([]bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, created, err := svc.Create(ctx, "client-1", blockingKind, json.RawMessage(`{}`))
			if !assert.NoError(t, err) {
				return
			}
			ids[i] = task.ID
			createdCount[i] = created
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 1; i < callers; i++ {
		assert.Equal(t, ids[0], ids[i], "every caller must see the same task")
	}
	for _, c := range createdCount {
		if c {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one caller actually created the task")
}

func TestCreateStartsRunAndCompletes(t *testing.T) {
	svc, _, _, release := blockingEngine(t)
	ctx := context.Background()

	task, created, err := svc.Create(ctx, "client-1", blockingKind, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	close(release)
	done := waitForStatus(t, svc, task.ID, models.TaskStatusCompleted)
	assert.Equal(t, 100, done.Progress)
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	svc, _, _, release := blockingEngine(t)
	ctx := context.Background()

	task, _, err := svc.Create(ctx, "client-1", blockingKind, json.RawMessage(`{}`))
	require.NoError(t, err)
	waitForStatus(t, svc, task.ID, models.TaskStatusRunning)

	require.NoError(t, svc.Pause(ctx, task.ID))
	// The blocked step observes the pause once it reaches its next
	// suspension point.
	release <- struct{}{}
	waitForStatus(t, svc, task.ID, models.TaskStatusPaused)

	resumed, err := svc.Resume(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, resumed.Status)

	release <- struct{}{}
	waitForStatus(t, svc, task.ID, models.TaskStatusCompleted)
}

func TestResumeOnTerminalTaskIsRejected(t *testing.T) {
	svc, _, _, release := blockingEngine(t)
	ctx := context.Background()

	task, _, err := svc.Create(ctx, "client-1", blockingKind, json.RawMessage(`{}`))
	require.NoError(t, err)
	waitForStatus(t, svc, task.ID, models.TaskStatusRunning)

	require.NoError(t, svc.Cancel(ctx, task.ID))
	release <- struct{}{}
	waitForStatus(t, svc, task.ID, models.TaskStatusCancelled)

	_, err = svc.Resume(ctx, task.ID)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestSubscribeSeesLiveEvents(t *testing.T) {
	svc, _, _, release := blockingEngine(t)
	ctx := context.Background()

	task, _, err := svc.Create(ctx, "client-1", blockingKind, json.RawMessage(`{}`))
	require.NoError(t, err)
	waitForStatus(t, svc, task.ID, models.TaskStatusRunning)

	snapshot, events, cancel, err := svc.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, models.TaskStatusRunning, snapshot.Status)

	close(release)

	var last models.Event
	for event := range events {
		last = event
		if event.Terminal() {
			break
		}
	}
	assert.Equal(t, models.EventDone, last.Type)
	assert.Equal(t, 100, last.Progress)
}

func TestSubscribeToFinishedTaskClosesStream(t *testing.T) {
	svc, _, _, release := blockingEngine(t)
	ctx := context.Background()

	task, _, err := svc.Create(ctx, "client-1", blockingKind, json.RawMessage(`{}`))
	require.NoError(t, err)
	close(release)
	waitForStatus(t, svc, task.ID, models.TaskStatusCompleted)

	// The terminal event fired before this subscriber attached: the
	// snapshot reports the final state and the channel never blocks.
	snapshot, events, cancel, err := svc.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, models.TaskStatusCompleted, snapshot.Status)

	_, ok := <-events
	assert.False(t, ok, "stream for a finished task must be closed")
}

func TestSubscribeUnknownTask(t *testing.T) {
	svc, _, _, release := blockingEngine(t)
	defer close(release)

	_, _, _, err := svc.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, taskstore.ErrNotFound)
}
