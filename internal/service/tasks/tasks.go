// Package tasks ties the lifecycle, the step runner and the progress hub
// together behind the operations the HTTP surface exposes.
package tasks

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/lifecycle"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/progress"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/runner"
)

// Service exposes task creation, control and subscription.
type Service struct {
	lc       *lifecycle.Lifecycle
	runner   *runner.Runner
	hub      *progress.Hub
	notifier runner.TerminalNotifier
}

// NewService creates the task service. notifier may be nil.
func NewService(lc *lifecycle.Lifecycle, r *runner.Runner, hub *progress.Hub, notifier runner.TerminalNotifier) *Service {
	return &Service{lc: lc, runner: r, hub: hub, notifier: notifier}
}

// Create registers a task for the owner and kicks off its run. When an
// active task already exists for the owner/kind pair the existing task is
// returned instead of a duplicate, and created is false.
func (s *Service) Create(ctx context.Context, ownerID, kind string, parameters []byte) (*models.Task, bool, error) {
	task, created, err := s.lc.Create(ctx, ownerID, kind, parameters)
	if err != nil {
		return nil, false, err
	}

	// A pending task with no live run means a previous process died before
	// picking it up; adopt it.
	if created || (task.Status == models.TaskStatusPending && !s.runner.Active(task.ID)) {
		s.runDetached(task.ID)
	}
	return task, created, nil
}

// Get returns the task, applying the lazy staleness check.
func (s *Service) Get(ctx context.Context, id string) (*models.Task, error) {
	return s.lc.Get(ctx, id)
}

// Subscribe attaches to the task's event stream. The returned snapshot
// reflects the task at subscription time so a late subscriber can catch up
// before consuming live events. The channel is attached before the snapshot
// is read, so a terminal event landing in between is never lost; when the
// snapshot itself is terminal the channel is already closed.
func (s *Service) Subscribe(ctx context.Context, id string) (*models.Task, <-chan models.Event, func(), error) {
	ch, cancel := s.hub.Subscribe(id)
	task, err := s.lc.Get(ctx, id)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	if task.Status.Terminal() {
		cancel()
	}
	return task, ch, cancel, nil
}

// Pause requests a cooperative pause; the runner honors it at its next
// suspension point.
func (s *Service) Pause(ctx context.Context, id string) error {
	if err := s.lc.Pause(ctx, id); err != nil {
		return err
	}
	// No live run in this process means nobody will observe the pause and
	// emit the event, so emit it here.
	if !s.runner.Active(id) {
		if task, err := s.lc.Get(ctx, id); err == nil {
			s.hub.Publish(id, models.Event{
				Type:     models.EventPaused,
				Step:     task.CurrentStep,
				Progress: task.Progress,
				Message:  "task paused",
			})
		}
	}
	return nil
}

// Resume re-enters running from paused or failed and starts a fresh run
// that continues from the persisted checkpoint. Resuming a terminal task
// fails with an invalid-transition error.
func (s *Service) Resume(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.lc.Start(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.runner.Active(id) {
		s.runDetached(id)
	}
	return task, nil
}

// Cancel terminally cancels the task.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.lc.Cancel(ctx, id); err != nil {
		return err
	}
	if !s.runner.Active(id) {
		task, err := s.lc.Get(ctx, id)
		if err != nil {
			return nil
		}
		s.hub.Publish(id, models.Event{
			Type:     models.EventCancelled,
			Step:     task.CurrentStep,
			Progress: task.Progress,
			Message:  "task cancelled",
		})
		if s.notifier != nil {
			s.notifier.TaskFinished(ctx, task)
		}
	}
	return nil
}

// runDetached starts the run on a background context so it survives the
// disconnect of whichever client triggered it.
func (s *Service) runDetached(taskID string) {
	go func() {
		if err := s.runner.Run(context.Background(), taskID); err != nil && !errors.Is(err, runner.ErrAlreadyRunning) {
			log.WithError(err).WithField("task_id", taskID).Error("Task run ended with error")
		}
	}()
}
