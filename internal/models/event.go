package models

import "encoding/json"

// EventType identifies a progress-stream event.
type EventType string

// const ...
const (
	EventProgress     EventType = "progress"
	EventStepComplete EventType = "stepComplete"
	EventPaused       EventType = "paused"
	EventDone         EventType = "done"
	EventError        EventType = "error"
	EventCancelled    EventType = "cancelled"
)

// Event is one element of a task's progress stream.
type Event struct {
	Type           EventType       `json:"type"`
	Step           string          `json:"step,omitempty"`
	Message        string          `json:"message"`
	Error          string          `json:"error,omitempty"`
	CompletedSteps []string        `json:"completed_steps,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Progress       int             `json:"progress"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventDone, EventError, EventCancelled:
		return true
	}
	return false
}
