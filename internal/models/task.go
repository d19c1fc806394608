package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current status of a task.
type TaskStatus string

// const ...
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status still claims the owner/kind slot.
func (s TaskStatus) Active() bool {
	return !s.Terminal()
}

// Task is one instance of resumable multi-step work.
type Task struct {
	UpdatedAt       time.Time       `json:"updated_at"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	PausedAt        *time.Time      `json:"paused_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Kind            string          `json:"kind"`
	Status          TaskStatus      `json:"status"`
	CurrentStep     string          `json:"current_step,omitempty"`
	Error           string          `json:"error,omitempty"`
	CompletedSteps  []string        `json:"completed_steps"`
	Checkpoint      json.RawMessage `json:"checkpoint,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Parameters      json.RawMessage `json:"parameters"`
	Progress        int             `json:"progress"`
}

// HasCompletedStep reports whether the named step already finished.
func (t *Task) HasCompletedStep(name string) bool {
	for _, s := range t.CompletedSteps {
		if s == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t *Task) Clone() *Task {
	cp := *t
	cp.CompletedSteps = append([]string(nil), t.CompletedSteps...)
	cp.Checkpoint = append(json.RawMessage(nil), t.Checkpoint...)
	cp.Result = append(json.RawMessage(nil), t.Result...)
	cp.Parameters = append(json.RawMessage(nil), t.Parameters...)
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.PausedAt != nil {
		v := *t.PausedAt
		cp.PausedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.CancelledAt != nil {
		v := *t.CancelledAt
		cp.CancelledAt = &v
	}
	if t.LastHeartbeatAt != nil {
		v := *t.LastHeartbeatAt
		cp.LastHeartbeatAt = &v
	}
	return &cp
}
