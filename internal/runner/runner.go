package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/lifecycle"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/repository/taskstore"
)

// Control-flow sentinels observed at suspension points. Step funcs must
// propagate them unchanged so the runner can exit cleanly.
var (
	ErrPaused    = errors.New("task paused")
	ErrCancelled = errors.New("task cancelled")
	ErrStopped   = errors.New("task no longer running")

	// ErrAlreadyRunning is returned when a run is requested for a task that
	// already has an active run in this process.
	ErrAlreadyRunning = errors.New("a run is already active for this task")
)

const defaultMaxConcurrentRuns = 8

// Step is one named phase of a pipeline. Progress within the step's
// percentage band is interpolated over its sub-items.
type Step struct {
	Run       func(ctx context.Context, sc *StepContext) error
	Name      string
	BandStart int
	BandEnd   int
}

// Pipeline is the ordered step list for one task kind.
type Pipeline struct {
	Kind  string
	Steps []Step
}

// Publisher receives the runner's progress events.
type Publisher interface {
	Publish(taskID string, event models.Event)
}

// TerminalNotifier is told about tasks reaching a terminal state.
type TerminalNotifier interface {
	TaskFinished(ctx context.Context, task *models.Task)
}

// Config ...
type Config struct {
	MaxConcurrentRuns uint
}

// Runner executes registered pipelines for tasks, one active run per task
// id, persisting progress and checkpoints so an interrupted run resumes
// from where it stopped.
type Runner struct {
	lc        *lifecycle.Lifecycle
	publisher Publisher
	notifier  TerminalNotifier
	sem       *semaphore.Weighted
	pipelines map[string]Pipeline
	active    map[string]struct{}
	mu        sync.RWMutex
}

// New creates a Runner. notifier may be nil.
func New(lc *lifecycle.Lifecycle, publisher Publisher, notifier TerminalNotifier, config Config) *Runner {
	maxRuns := config.MaxConcurrentRuns
	if maxRuns == 0 {
		maxRuns = defaultMaxConcurrentRuns
	}
	return &Runner{
		lc:        lc,
		publisher: publisher,
		notifier:  notifier,
		sem:       semaphore.NewWeighted(int64(maxRuns)),
		pipelines: make(map[string]Pipeline),
		active:    make(map[string]struct{}),
	}
}

// RegisterPipeline ...
func (r *Runner) RegisterPipeline(p Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Kind] = p
}

// RegisterPipelines ...
func (r *Runner) RegisterPipelines(pipelines ...Pipeline) {
	for _, p := range pipelines {
		r.RegisterPipeline(p)
	}
}

// Active reports whether this process currently runs the task.
func (r *Runner) Active(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[taskID]
	return ok
}

// Run executes the task's pipeline from its persisted state. Steps already
// in the completed history are skipped; a step that was in progress resumes
// from its checkpoint. Run is the idempotent entry point for both first
// pickup and resume.
func (r *Runner) Run(ctx context.Context, taskID string) error {
	if !r.claim(taskID) {
		return ErrAlreadyRunning
	}
	defer r.release(taskID)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	task, err := r.lc.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusRunning {
		if task, err = r.lc.Start(ctx, taskID); err != nil {
			return err
		}
	}

	r.mu.RLock()
	pipeline, ok := r.pipelines[task.Kind]
	r.mu.RUnlock()
	if !ok {
		reason := fmt.Sprintf("no pipeline registered for kind %q", task.Kind)
		return r.fail(ctx, task, reason)
	}

	startTime := time.Now()
	log.WithFields(log.Fields{
		"task_id":         task.ID,
		"kind":            task.Kind,
		"completed_steps": task.CompletedSteps,
	}).Info("Starting task run")

	run := &run{runner: r, task: task}
	for _, step := range pipeline.Steps {
		if run.task.HasCompletedStep(step.Name) {
			log.WithFields(log.Fields{
				"task_id": run.task.ID,
				"step":    step.Name,
			}).Debug("Skipping completed step")
			continue
		}

		if stop, stopErr := r.observeInterrupt(ctx, run); stop || stopErr != nil {
			return stopErr
		}

		if err = run.executeStep(ctx, step); err != nil {
			switch {
			case errors.Is(err, ErrPaused):
				r.publisher.Publish(run.task.ID, models.Event{
					Type:     models.EventPaused,
					Step:     step.Name,
					Progress: run.task.Progress,
					Message:  "task paused",
				})
				log.WithField("task_id", run.task.ID).Info("Run paused")
				return nil
			case errors.Is(err, ErrCancelled):
				r.finishCancelled(ctx, run.task, step.Name)
				return nil
			case errors.Is(err, ErrStopped):
				log.WithField("task_id", run.task.ID).Warn("Task left running state externally, stopping run")
				return nil
			default:
				reason := fmt.Sprintf("step %s: %v", step.Name, err)
				return r.fail(ctx, run.task, reason)
			}
		}
	}

	// On a resume that skipped every step the result was already persisted
	// with the final step's completion; recover it from the task record.
	result := run.result
	if result == nil {
		result = run.task.Result
	}
	if err = r.lc.Complete(ctx, run.task.ID, result); err != nil {
		// A pause or cancel between the last suspension point and here
		// loses the race against completion; honor it instead of erroring.
		if errors.Is(err, taskstore.ErrStatusConflict) || errors.Is(err, lifecycle.ErrInvalidTransition) {
			if stop, stopErr := r.observeInterrupt(ctx, run); stop || stopErr != nil {
				return stopErr
			}
		}
		return fmt.Errorf("failed to finalize task: %w", err)
	}
	r.publisher.Publish(run.task.ID, models.Event{
		Type:     models.EventDone,
		Progress: 100,
		Message:  "task completed",
		Data:     result,
	})
	runnerMetrics.tasksFinished.WithLabelValues(run.task.Kind, string(models.TaskStatusCompleted)).Inc()

	log.WithFields(log.Fields{
		"task_id":  run.task.ID,
		"duration": time.Since(startTime),
	}).Info("Task run completed")

	r.notifyFinished(ctx, run.task.ID)
	return nil
}

func (r *Runner) claim(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[taskID]; ok {
		return false
	}
	r.active[taskID] = struct{}{}
	return true
}

func (r *Runner) release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, taskID)
}

// observeInterrupt re-reads status between steps and reports whether the
// run must stop. Pause and cancel are honored here, never mid sub-item.
func (r *Runner) observeInterrupt(ctx context.Context, run *run) (bool, error) {
	task, err := r.lc.Get(ctx, run.task.ID)
	if err != nil {
		return true, err
	}
	run.task = task

	switch task.Status {
	case models.TaskStatusRunning:
		return false, nil
	case models.TaskStatusPaused:
		r.publisher.Publish(task.ID, models.Event{
			Type:     models.EventPaused,
			Step:     task.CurrentStep,
			Progress: task.Progress,
			Message:  "task paused",
		})
		log.WithField("task_id", task.ID).Info("Run paused")
		return true, nil
	case models.TaskStatusCancelled:
		r.finishCancelled(ctx, task, task.CurrentStep)
		return true, nil
	default:
		log.WithFields(log.Fields{
			"task_id": task.ID,
			"status":  task.Status,
		}).Warn("Task left running state externally, stopping run")
		return true, nil
	}
}

func (r *Runner) finishCancelled(ctx context.Context, task *models.Task, step string) {
	r.publisher.Publish(task.ID, models.Event{
		Type:     models.EventCancelled,
		Step:     step,
		Progress: task.Progress,
		Message:  "task cancelled",
	})
	runnerMetrics.tasksFinished.WithLabelValues(task.Kind, string(models.TaskStatusCancelled)).Inc()
	log.WithField("task_id", task.ID).Info("Run cancelled")
	r.notifyFinished(ctx, task.ID)
}

func (r *Runner) fail(ctx context.Context, task *models.Task, reason string) error {
	if err := r.lc.Fail(ctx, task.ID, reason); err != nil {
		// A concurrent cancel may have won the race; report what actually
		// happened instead of a failure that never landed.
		if current, getErr := r.lc.Get(ctx, task.ID); getErr == nil && current.Status == models.TaskStatusCancelled {
			r.finishCancelled(ctx, current, task.CurrentStep)
			return nil
		}
		log.WithError(err).WithField("task_id", task.ID).Error("Failed to mark task failed")
	}
	r.publisher.Publish(task.ID, models.Event{
		Type:     models.EventError,
		Step:     task.CurrentStep,
		Progress: task.Progress,
		Message:  reason,
		Error:    reason,
	})
	runnerMetrics.tasksFinished.WithLabelValues(task.Kind, string(models.TaskStatusFailed)).Inc()
	log.WithFields(log.Fields{
		"task_id": task.ID,
		"reason":  reason,
	}).Error("Task run failed")

	r.notifyFinished(ctx, task.ID)
	return errors.New(reason)
}

func (r *Runner) notifyFinished(ctx context.Context, taskID string) {
	if r.notifier == nil {
		return
	}
	task, err := r.lc.Get(ctx, taskID)
	if err != nil {
		log.WithError(err).WithField("task_id", taskID).Error("Failed to load task for terminal notification")
		return
	}
	r.notifier.TaskFinished(ctx, task)
}

// run holds the mutable state of one pipeline execution.
type run struct {
	runner *Runner
	task   *models.Task
	result json.RawMessage
}

func (rn *run) executeStep(ctx context.Context, step Step) error {
	r := rn.runner

	progress, err := r.lc.RecordProgress(ctx, rn.task.ID, step.Name, step.BandStart, nil)
	if err != nil {
		return err
	}
	rn.task.Progress = progress
	rn.task.CurrentStep = step.Name

	r.publisher.Publish(rn.task.ID, models.Event{
		Type:     models.EventProgress,
		Step:     step.Name,
		Progress: progress,
		Message:  fmt.Sprintf("starting %s", step.Name),
	})

	stepStart := time.Now()
	err = step.Run(ctx, &StepContext{run: rn, step: step})
	outcome := "success"
	if err != nil {
		outcome = "error"
		if errors.Is(err, ErrPaused) || errors.Is(err, ErrCancelled) || errors.Is(err, ErrStopped) {
			outcome = "interrupted"
		}
	}
	runnerMetrics.stepDuration.WithLabelValues(rn.task.Kind, step.Name, outcome).Observe(time.Since(stepStart).Seconds())
	if err != nil {
		return err
	}

	completed, err := r.lc.MarkStepComplete(ctx, rn.task.ID, step.Name, step.BandEnd, rn.result)
	if err != nil {
		return err
	}
	rn.task.CompletedSteps = completed
	if step.BandEnd > rn.task.Progress {
		rn.task.Progress = step.BandEnd
	}

	r.publisher.Publish(rn.task.ID, models.Event{
		Type:           models.EventStepComplete,
		Step:           step.Name,
		Progress:       rn.task.Progress,
		Message:        fmt.Sprintf("%s finished", step.Name),
		CompletedSteps: completed,
	})
	return nil
}

// StepContext is handed to step funcs; it exposes task state, checkpoint
// persistence and the between-sub-items suspension point.
type StepContext struct {
	run  *run
	step Step
}

// Task returns the latest task snapshot the runner holds.
func (sc *StepContext) Task() *models.Task {
	return sc.run.task
}

// Parameters returns the immutable creation parameters.
func (sc *StepContext) Parameters() json.RawMessage {
	return sc.run.task.Parameters
}

// Checkpoint returns the persisted checkpoint payload, nil when none.
func (sc *StepContext) Checkpoint() json.RawMessage {
	return sc.run.task.Checkpoint
}

// SaveCheckpoint persists the checkpoint without touching progress.
func (sc *StepContext) SaveCheckpoint(ctx context.Context, checkpoint []byte) error {
	progress, err := sc.run.runner.lc.RecordProgress(ctx, sc.run.task.ID, sc.step.Name, sc.run.task.Progress, checkpoint)
	if err != nil {
		return err
	}
	sc.run.task.Progress = progress
	sc.run.task.Checkpoint = checkpoint
	return nil
}

// SetResult records the final structured output; the runner persists it on
// completion.
func (sc *StepContext) SetResult(result []byte) {
	sc.run.result = result
}

// ReportSubItem is the suspension point between sub-items: it re-reads the
// task status (returning ErrPaused/ErrCancelled/ErrStopped when the run
// must stop), refreshes the heartbeat, persists interpolated progress plus
// the optional checkpoint, and emits a progress event. done is the number
// of finished sub-items out of total.
func (sc *StepContext) ReportSubItem(ctx context.Context, done, total int, message string, checkpoint []byte) error {
	r := sc.run.runner
	task, err := r.lc.Get(ctx, sc.run.task.ID)
	if err != nil {
		return err
	}

	switch task.Status {
	case models.TaskStatusRunning:
	case models.TaskStatusPaused:
		return ErrPaused
	case models.TaskStatusCancelled:
		return ErrCancelled
	default:
		return ErrStopped
	}

	target := interpolate(sc.step.BandStart, sc.step.BandEnd, done, total)
	progress, err := r.lc.RecordProgress(ctx, task.ID, sc.step.Name, target, checkpoint)
	if err != nil {
		return err
	}
	sc.run.task = task
	sc.run.task.Progress = progress
	if checkpoint != nil {
		sc.run.task.Checkpoint = checkpoint
	}

	r.publisher.Publish(task.ID, models.Event{
		Type:     models.EventProgress,
		Step:     sc.step.Name,
		Progress: progress,
		Message:  message,
	})
	return nil
}

func interpolate(start, end, done, total int) int {
	if total <= 0 {
		return end
	}
	if done > total {
		done = total
	}
	return start + done*(end-start)/total
}
