package taskstore

import (
	"context"
	"sync"
	"time"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
)

// MemoryStore is an in-memory Repository used by tests and local runs
// without a database. It enforces the same invariants as the postgres
// implementation.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*models.Task)}
}

// Create ...
func (s *MemoryStore) Create(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.OwnerID == task.OwnerID && t.Kind == task.Kind && t.Status.Active() {
			return ErrDuplicateActive
		}
	}

	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.CompletedSteps == nil {
		task.CompletedSteps = []string{}
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// Get ...
func (s *MemoryStore) Get(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// FindActive ...
func (s *MemoryStore) FindActive(_ context.Context, ownerID, kind string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasks {
		if t.OwnerID == ownerID && t.Kind == kind && t.Status.Active() {
			return t.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Update ...
func (s *MemoryStore) Update(_ context.Context, id string, patch TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	applyPatch(task, patch)
	return nil
}

// UpdateStatus ...
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, expected, next models.TaskStatus, patch TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status != expected {
		return ErrStatusConflict
	}
	task.Status = next
	applyPatch(task, patch)
	return nil
}

// Delete ...
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

// FindStaleRunning ...
func (s *MemoryStore) FindStaleRunning(_ context.Context, threshold time.Duration) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-threshold)
	var stale []models.Task
	for _, t := range s.tasks {
		if t.Status != models.TaskStatusRunning {
			continue
		}
		if t.LastHeartbeatAt == nil || t.LastHeartbeatAt.Before(cutoff) {
			stale = append(stale, *t.Clone())
		}
	}
	return stale, nil
}

// PurgeTerminalOlderThan ...
func (s *MemoryStore) PurgeTerminalOlderThan(_ context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	var count int64
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			count++
		}
	}
	return count, nil
}

func applyPatch(task *models.Task, patch TaskPatch) {
	if patch.Progress != nil {
		task.Progress = *patch.Progress
	}
	if patch.CurrentStep != nil {
		task.CurrentStep = *patch.CurrentStep
	}
	if patch.CompletedSteps != nil {
		task.CompletedSteps = append([]string(nil), patch.CompletedSteps...)
	}
	if patch.Checkpoint != nil {
		task.Checkpoint = append([]byte(nil), patch.Checkpoint...)
	}
	if patch.Result != nil {
		task.Result = append([]byte(nil), patch.Result...)
	}
	if patch.Error != nil {
		task.Error = *patch.Error
	}
	if patch.StartedAt != nil {
		v := *patch.StartedAt
		task.StartedAt = &v
	}
	if patch.PausedAt != nil {
		v := *patch.PausedAt
		task.PausedAt = &v
	}
	if patch.CompletedAt != nil {
		v := *patch.CompletedAt
		task.CompletedAt = &v
	}
	if patch.CancelledAt != nil {
		v := *patch.CancelledAt
		task.CancelledAt = &v
	}
	if patch.LastHeartbeatAt != nil {
		v := *patch.LastHeartbeatAt
		task.LastHeartbeatAt = &v
	}
	task.UpdatedAt = time.Now()
}
