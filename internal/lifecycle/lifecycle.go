package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/repository/taskstore"
)

// ErrInvalidTransition is returned when a caller requests a status change
// that is illegal from the task's current status.
var ErrInvalidTransition = errors.New("invalid task status transition")

// StaleReason is the error recorded on tasks failed by staleness detection.
const StaleReason = "runner heartbeat stale, task timed out"

// DefaultStaleThreshold is how long a running task may go without a
// heartbeat before it is treated as abandoned.
const DefaultStaleThreshold = 5 * time.Minute

var legalTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusPending: {models.TaskStatusRunning, models.TaskStatusCancelled},
	models.TaskStatusRunning: {models.TaskStatusPaused, models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled},
	models.TaskStatusPaused:  {models.TaskStatusRunning, models.TaskStatusFailed, models.TaskStatusCancelled},
	models.TaskStatusFailed:  {models.TaskStatusRunning},
}

func canTransition(from, to models.TaskStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transitionError(from, to models.TaskStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Lifecycle enforces the task state machine and the single-active-task
// invariant on top of the store.
type Lifecycle struct {
	store          taskstore.Repository
	staleThreshold time.Duration
}

// New creates a Lifecycle. A zero staleThreshold falls back to the default.
func New(store taskstore.Repository, staleThreshold time.Duration) *Lifecycle {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &Lifecycle{store: store, staleThreshold: staleThreshold}
}

// Create registers a new pending task. If an active task already exists for
// the owner/kind pair, the existing task is returned and created is false.
func (l *Lifecycle) Create(ctx context.Context, ownerID, kind string, parameters []byte) (task *models.Task, created bool, err error) {
	task = &models.Task{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Kind:           kind,
		Status:         models.TaskStatusPending,
		Parameters:     parameters,
		CompletedSteps: []string{},
	}

	err = l.store.Create(ctx, task)
	if errors.Is(err, taskstore.ErrDuplicateActive) {
		existing, findErr := l.store.FindActive(ctx, ownerID, kind)
		if findErr != nil {
			return nil, false, fmt.Errorf("lost creation race but found no active task: %w", findErr)
		}
		log.WithFields(log.Fields{
			"owner_id": ownerID,
			"kind":     kind,
			"task_id":  existing.ID,
		}).Info("Active task already exists, returning it")
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return task, true, nil
}

// Get loads a task and lazily fails it when a running task's heartbeat has
// gone stale, so orphaned runs self-heal without a dedicated sweeper.
func (l *Lifecycle) Get(ctx context.Context, id string) (*models.Task, error) {
	task, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusRunning || !l.isStale(task) {
		return task, nil
	}

	log.WithFields(log.Fields{
		"task_id": task.ID,
		"step":    task.CurrentStep,
	}).Warn("Detected stale running task, failing it")

	if err = l.failWithStatus(ctx, task.ID, models.TaskStatusRunning, StaleReason); err != nil {
		if errors.Is(err, taskstore.ErrStatusConflict) {
			// Someone moved the task first, re-read and report that.
			return l.store.Get(ctx, id)
		}
		return nil, err
	}
	return l.store.Get(ctx, id)
}

// FindActive returns the single non-terminal task for the owner/kind pair.
func (l *Lifecycle) FindActive(ctx context.Context, ownerID, kind string) (*models.Task, error) {
	return l.store.FindActive(ctx, ownerID, kind)
}

// Start claims the task for a runner, transitioning it to running from
// pending (first pickup), paused or failed (resume). The stored error is
// cleared so a resumed task does not carry its previous failure.
func (l *Lifecycle) Start(ctx context.Context, id string) (*models.Task, error) {
	task, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(task.Status, models.TaskStatusRunning) {
		return nil, transitionError(task.Status, models.TaskStatusRunning)
	}

	now := time.Now()
	clearErr := ""
	patch := taskstore.TaskPatch{LastHeartbeatAt: &now, Error: &clearErr}
	if task.StartedAt == nil {
		patch.StartedAt = &now
	}
	if err = l.store.UpdateStatus(ctx, id, task.Status, models.TaskStatusRunning, patch); err != nil {
		return nil, err
	}
	return l.store.Get(ctx, id)
}

// Pause requests a cooperative pause of a running task. The runner observes
// the new status at its next suspension point and exits cleanly.
func (l *Lifecycle) Pause(ctx context.Context, id string) error {
	return l.transitionFrom(ctx, id, models.TaskStatusRunning, models.TaskStatusPaused, func(now time.Time) taskstore.TaskPatch {
		return taskstore.TaskPatch{PausedAt: &now}
	})
}

// Cancel terminally cancels a pending, running or paused task.
func (l *Lifecycle) Cancel(ctx context.Context, id string) error {
	task, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(task.Status, models.TaskStatusCancelled) {
		return transitionError(task.Status, models.TaskStatusCancelled)
	}
	now := time.Now()
	return l.store.UpdateStatus(ctx, id, task.Status, models.TaskStatusCancelled, taskstore.TaskPatch{CancelledAt: &now})
}

// Complete finalizes a running task with its result, forcing progress to 100.
func (l *Lifecycle) Complete(ctx context.Context, id string, result []byte) error {
	return l.transitionFrom(ctx, id, models.TaskStatusRunning, models.TaskStatusCompleted, func(now time.Time) taskstore.TaskPatch {
		full := 100
		return taskstore.TaskPatch{Progress: &full, Result: result, CompletedAt: &now}
	})
}

// Fail moves a running or paused task to failed with the given reason.
func (l *Lifecycle) Fail(ctx context.Context, id, reason string) error {
	task, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(task.Status, models.TaskStatusFailed) {
		return transitionError(task.Status, models.TaskStatusFailed)
	}
	return l.failWithStatus(ctx, id, task.Status, reason)
}

// Heartbeat refreshes the liveness timestamp. Last-writer-wins, no CAS.
func (l *Lifecycle) Heartbeat(ctx context.Context, id string) error {
	now := time.Now()
	return l.store.Update(ctx, id, taskstore.TaskPatch{LastHeartbeatAt: &now})
}

// RecordProgress persists progress, the current step and an optional
// checkpoint, refreshing the heartbeat in the same write. Progress is
// clamped so it never decreases.
func (l *Lifecycle) RecordProgress(ctx context.Context, id, step string, progress int, checkpoint []byte) (int, error) {
	task, err := l.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if progress < task.Progress {
		progress = task.Progress
	}
	if progress > 100 {
		progress = 100
	}

	now := time.Now()
	patch := taskstore.TaskPatch{
		Progress:        &progress,
		CurrentStep:     &step,
		LastHeartbeatAt: &now,
	}
	if checkpoint != nil {
		patch.Checkpoint = checkpoint
	}
	return progress, l.store.Update(ctx, id, patch)
}

// MarkStepComplete appends the step to the task's completed history.
// The history is append-only; marking an already completed step is a no-op.
// A non-nil result is persisted in the same write, so a run interrupted
// after its final step still carries its output into the completion.
func (l *Lifecycle) MarkStepComplete(ctx context.Context, id, step string, progress int, result []byte) ([]string, error) {
	task, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.HasCompletedStep(step) {
		return task.CompletedSteps, nil
	}

	completed := append(task.CompletedSteps, step)
	if progress < task.Progress {
		progress = task.Progress
	}
	now := time.Now()
	err = l.store.Update(ctx, id, taskstore.TaskPatch{
		CompletedSteps:  completed,
		Progress:        &progress,
		CurrentStep:     &step,
		Result:          result,
		LastHeartbeatAt: &now,
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// StaleThreshold returns the configured heartbeat staleness threshold.
func (l *Lifecycle) StaleThreshold() time.Duration {
	return l.staleThreshold
}

func (l *Lifecycle) isStale(task *models.Task) bool {
	ref := task.LastHeartbeatAt
	if ref == nil {
		ref = task.StartedAt
	}
	if ref == nil {
		ref = &task.UpdatedAt
	}
	return time.Since(*ref) > l.staleThreshold
}

func (l *Lifecycle) failWithStatus(ctx context.Context, id string, from models.TaskStatus, reason string) error {
	return l.store.UpdateStatus(ctx, id, from, models.TaskStatusFailed, taskstore.TaskPatch{Error: &reason})
}

func (l *Lifecycle) transitionFrom(ctx context.Context, id string, from, to models.TaskStatus, buildPatch func(time.Time) taskstore.TaskPatch) error {
	task, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != from {
		return transitionError(task.Status, to)
	}
	return l.store.UpdateStatus(ctx, id, from, to, buildPatch(time.Now()))
}
