package runner_test

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
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/repository/taskstore"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/runner"
)

const testKind = "test-pipeline"

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]models.Event
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string][]models.Event)}
}

func (p *recordingPublisher) Publish(taskID string, event models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[taskID] = append(p.events[taskID], event)
}

func (p *recordingPublisher) eventsFor(taskID string) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Event(nil), p.events[taskID]...)
}

type processCheckpoint struct {
	Done int `json:"done"`
}

// testPipeline drives a three-step pipeline whose middle step has four
// sub-items. beforeItem runs before each sub-item's work and can trigger
// external pause/cancel requests.
type testPipeline struct {
	mu         sync.Mutex
	prepRuns   int
	itemRuns   int
	finishRuns int
	beforeItem func(done int)
}

func (tp *testPipeline) counts() (prep, items, finish int) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.prepRuns, tp.itemRuns, tp.finishRuns
}

func (tp *testPipeline) pipeline() runner.Pipeline {
	return runner.Pipeline{
		Kind: testKind,
		Steps: []runner.Step{
			{Name: "prep", BandStart: 0, BandEnd: 10, Run: tp.prep},
			{Name: "process", BandStart: 10, BandEnd: 80, Run: tp.process},
			{Name: "finish", BandStart: 80, BandEnd: 95, Run: tp.finish},
		},
	}
}

func (tp *testPipeline) prep(_ context.Context, _ *runner.StepContext) error {
	tp.mu.Lock()
	tp.prepRuns++
	tp.mu.Unlock()
	return nil
}

func (tp *testPipeline) process(ctx context.Context, sc *runner.StepContext) error {
	var cp processCheckpoint
	if raw := sc.Checkpoint(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &cp); err != nil {
			return err
		}
	}

	const total = 4
	for cp.Done < total {
		if tp.beforeItem != nil {
			tp.beforeItem(cp.Done)
		}
		tp.mu.Lock()
		tp.itemRuns++
		tp.mu.Unlock()
		cp.Done++

		raw, _ := json.Marshal(cp)
		if err := sc.ReportSubItem(ctx, cp.Done, total, "processed item", raw); err != nil {
			return err
		}
	}
	return nil
}

func (tp *testPipeline) finish(_ context.Context, sc *runner.StepContext) error {
	tp.mu.Lock()
	tp.finishRuns++
	tp.mu.Unlock()
	sc.SetResult(json.RawMessage(`{"processed":4}`))
	return nil
}

func newEngine(t *testing.T, tp *testPipeline) (*lifecycle.Lifecycle, *runner.Runner, *recordingPublisher) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	lc := lifecycle.New(store, time.Minute)
	pub := newRecordingPublisher()
	r := runner.New(lc, pub, nil, runner.Config{MaxConcurrentRuns: 4})
	r.RegisterPipeline(tp.pipeline())
	return lc, r, pub
}

func createTask(t *testing.T, lc *lifecycle.Lifecycle, kind string) *models.Task {
	t.Helper()
	task, created, err := lc.Create(context.Background(), "client-1", kind, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, created)
	return task
}

func TestRunCompletesPipeline(t *testing.T) {
	tp := &testPipeline{}
	lc, r, pub := newEngine(t, tp)
	ctx := context.Background()

	task := createTask(t, lc, testKind)
	require.NoError(t, r.Run(ctx, task.ID))

	done, err := lc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, []string{"prep", "process", "finish"}, done.CompletedSteps)
	assert.JSONEq(t, `{"processed":4}`, string(done.Result))

	prep, items, finish := tp.counts()
	assert.Equal(t, 1, prep)
	assert.Equal(t, 4, items)
	assert.Equal(t, 1, finish)

	events := pub.eventsFor(task.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventDone, events[len(events)-1].Type)
}

func TestProgressEventsAreMonotonic(t *testing.T) {
	tp := &testPipeline{}
	lc, r, pub := newEngine(t, tp)
	ctx := context.Background()

	task := createTask(t, lc, testKind)
	require.NoError(t, r.Run(ctx, task.ID))

	last := -1
	for _, event := range pub.eventsFor(task.ID) {
		assert.GreaterOrEqual(t, event.Progress, last, "progress went backwards at %+v", event)
		last = event.Progress
	}
	assert.Equal(t, 100, last)
}

func TestPauseHonoredAtNextSubItem(t *testing.T) {
	tp := &testPipeline{}
	lc, r, pub := newEngine(t, tp)
	ctx := context.Background()

	task := createTask(t, lc, testKind)
	tp.beforeItem = func(done int) {
		if done == 2 {
			require.NoError(t, lc.Pause(ctx, task.ID))
		}
	}

	require.NoError(t, r.Run(ctx, task.ID))

	paused, err := lc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPaused, paused.Status)
	assert.Equal(t, []string{"prep"}, paused.CompletedSteps)

	// Two sub-items persisted before the pause request: 10 + 2/4 * 70.
	assert.Equal(t, 45, paused.Progress)

	events := pub.eventsFor(task.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventPaused, events[len(events)-1].Type)

	_, _, finish := tp.counts()
	assert.Zero(t, finish, "steps after the pause must not start")
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	tp := &testPipeline{}
	lc, r, pub := newEngine(t, tp)
	ctx := context.Background()

	task := createTask(t, lc, testKind)
	tp.beforeItem = func(done int) {
		if done == 2 {
			require.NoError(t, lc.Pause(ctx, task.ID))
		}
	}
	require.NoError(t, r.Run(ctx, task.ID))
	tp.beforeItem = nil

	prepBefore, _, _ := tp.counts()
	require.NoError(t, r.Run(ctx, task.ID))

	done, err := lc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)

	// The completed prep step is skipped entirely on resume.
	prepAfter, _, _ := tp.counts()
	assert.Equal(t, prepBefore, prepAfter)

	// Progress never resets across the pause/resume boundary.
	last := -1
	for _, event := range pub.eventsFor(task.ID) {
		assert.GreaterOrEqual(t, event.Progress, last)
		last = event.Progress
	}
}

func TestCancelStopsRunAndBlocksResume(t *testing.T) {
	tp := &testPipeline{}
	lc, r, pub := newEngine(t, tp)
	ctx := context.Background()

	task := createTask(t, lc, testKind)
	tp.beforeItem = func(done int) {
		if done == 1 {
			require.NoError(t, lc.Cancel(ctx, task.ID))
		}
	}

	require.NoError(t, r.Run(ctx, task.ID))

	cancelled, err := lc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, cancelled.Status)

	events := pub.eventsFor(task.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventCancelled, events[len(events)-1].Type)

	_, err = lc.Start(ctx, task.ID)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestRunWithAllStepsCompletedFinishesWithoutWork(t *testing.T) {
	tp := &testPipeline{}
	lc, r, _ := newEngine(t, tp)
	ctx := context.Background()

	task := createTask(t, lc, testKind)
	_, err := lc.Start(ctx, task.ID)
	require.NoError(t, err)
	_, err = lc.MarkStepComplete(ctx, task.ID, "prep", 10, nil)
	require.NoError(t, err)
	_, err = lc.MarkStepComplete(ctx, task.ID, "process", 80, nil)
	require.NoError(t, err)
	_, err = lc.MarkStepComplete(ctx, task.ID, "finish", 95, json.RawMessage(`{"processed":4}`))
	require.NoError(t, err)
	require.NoError(t, lc.Pause(ctx, task.ID))

	require.NoError(t, r.Run(ctx, task.ID))

	done, err := lc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)

	// The result persisted with the final step survives the interrupted
	// completion: the resumed run must not finish with an empty result.
	require.NotEmpty(t, done.Result)
	assert.JSONEq(t, `{"processed":4}`, string(done.Result))

	prep, items, finish := tp.counts()
	assert.Zero(t, prep)
	assert.Zero(t, items)
	assert.Zero(t, finish)
}

func TestStructuralFailureFailsTask(t *testing.T) {
	store := taskstore.NewMemoryStore()
	lc := lifecycle.New(store, time.Minute)
	pub := newRecordingPublisher()
	r := runner.New(lc, pub, nil, runner.Config{})
	r.RegisterPipeline(runner.Pipeline{
		Kind: "broken",
		Steps: []runner.Step{
			{Name: "explode", BandStart: 0, BandEnd: 50, Run: func(context.Context, *runner.StepContext) error {
				return assert.AnError
			}},
		},
	})

	ctx := context.Background()
	task := createTask(t, lc, "broken")
	err := r.Run(ctx, task.ID)
	require.Error(t, err)

	failed, getErr := lc.Get(ctx, task.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "step explode")

	events := pub.eventsFor(task.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventError, events[len(events)-1].Type)
}

func TestCancelDuringFailingStepReportsCancellation(t *testing.T) {
	store := taskstore.NewMemoryStore()
	lc := lifecycle.New(store, time.Minute)
	pub := newRecordingPublisher()
	r := runner.New(lc, pub, nil, runner.Config{})
	r.RegisterPipeline(runner.Pipeline{
		Kind: "racy",
		Steps: []runner.Step{
			{Name: "explode", BandStart: 0, BandEnd: 50, Run: func(ctx context.Context, sc *runner.StepContext) error {
				// The cancel lands before the structural error surfaces.
				require.NoError(t, lc.Cancel(ctx, sc.Task().ID))
				return assert.AnError
			}},
		},
	})

	ctx := context.Background()
	task := createTask(t, lc, "racy")
	require.NoError(t, r.Run(ctx, task.ID))

	cancelled, err := lc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, cancelled.Status)

	events := pub.eventsFor(task.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventCancelled, events[len(events)-1].Type)
	for _, event := range events {
		assert.NotEqual(t, models.EventError, event.Type,
			"a cancelled task must not emit an error event")
	}
}

func TestUnknownKindFailsTask(t *testing.T) {
	tp := &testPipeline{}
	lc, r, _ := newEngine(t, tp)
	ctx := context.Background()

	task := createTask(t, lc, "unregistered-kind")
	require.Error(t, r.Run(ctx, task.ID))

	failed, err := lc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "no pipeline registered")
}

func TestSecondRunForSameTaskIsRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	store := taskstore.NewMemoryStore()
	lc := lifecycle.New(store, time.Minute)
	r := runner.New(lc, newRecordingPublisher(), nil, runner.Config{})
	r.RegisterPipeline(runner.Pipeline{
		Kind: "blocky",
		Steps: []runner.Step{
			{Name: "wait", BandStart: 0, BandEnd: 90, Run: func(context.Context, *runner.StepContext) error {
				close(started)
				<-release
				return nil
			}},
		},
	})

	ctx := context.Background()
	task := createTask(t, lc, "blocky")

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx, task.ID) }()
	<-started

	assert.True(t, r.Active(task.ID))
	assert.ErrorIs(t, r.Run(ctx, task.ID), runner.ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-runDone)
}
