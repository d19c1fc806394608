// Package sweeper is the periodic maintenance loop: it fails running tasks
// whose runner stopped heartbeating and purges terminal tasks past the
// retention window. The lazy staleness check on read covers tasks someone
// is polling; the sweeper covers the rest.
package sweeper

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/lifecycle"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/repository/taskstore"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/runner"
)

// Config ...
type Config struct {
	Interval        time.Duration
	StaleThreshold  time.Duration
	RetentionPeriod time.Duration
}

// Sweeper ...
type Sweeper struct {
	store     taskstore.Repository
	lc        *lifecycle.Lifecycle
	publisher runner.Publisher
	notifier  runner.TerminalNotifier
	config    Config
}

// New creates a Sweeper. notifier may be nil.
func New(store taskstore.Repository, lc *lifecycle.Lifecycle, publisher runner.Publisher, notifier runner.TerminalNotifier, config Config) *Sweeper {
	return &Sweeper{
		store:     store,
		lc:        lc,
		publisher: publisher,
		notifier:  notifier,
		config:    config,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.failStaleTasks(ctx)
	s.purgeTerminalTasks(ctx)
}

func (s *Sweeper) failStaleTasks(ctx context.Context) {
	stale, err := s.store.FindStaleRunning(ctx, s.config.StaleThreshold)
	if err != nil {
		log.WithError(err).Error("Failed to query stale running tasks")
		return
	}

	cutoff := time.Now().Add(-s.config.StaleThreshold)
	for i := range stale {
		task := &stale[i]
		// Re-read before failing: the runner may have heartbeaten since the
		// scan.
		current, getErr := s.store.Get(ctx, task.ID)
		if getErr != nil {
			continue
		}
		if current.Status != models.TaskStatusRunning ||
			(current.LastHeartbeatAt != nil && current.LastHeartbeatAt.After(cutoff)) {
			continue
		}
		if err = s.lc.Fail(ctx, task.ID, lifecycle.StaleReason); err != nil {
			// Someone else (a lazy read, another sweep) got there first.
			log.WithError(err).WithField("task_id", task.ID).Warn("Stale task transition lost")
			continue
		}
		log.WithFields(log.Fields{
			"task_id": task.ID,
			"step":    task.CurrentStep,
		}).Warn("Failed stale running task")

		s.publisher.Publish(task.ID, models.Event{
			Type:     models.EventError,
			Step:     task.CurrentStep,
			Progress: task.Progress,
			Message:  lifecycle.StaleReason,
			Error:    lifecycle.StaleReason,
		})
		if s.notifier != nil {
			if failed, getErr := s.lc.Get(ctx, task.ID); getErr == nil {
				s.notifier.TaskFinished(ctx, failed)
			}
		}
	}
}

func (s *Sweeper) purgeTerminalTasks(ctx context.Context) {
	count, err := s.store.PurgeTerminalOlderThan(ctx, s.config.RetentionPeriod)
	if err != nil {
		log.WithError(err).Error("Failed to purge terminal tasks")
		return
	}
	if count > 0 {
		log.WithField("count", count).Info("Purged terminal tasks past retention")
	}
}
