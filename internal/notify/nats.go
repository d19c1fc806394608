// Package notify publishes terminal task events to NATS so downstream
// consumers, e.g. the chat-bot integration, learn about finished tasks
// without polling. Delivery is best effort.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
)

// DefaultSubject is the NATS subject terminal task events go to.
const DefaultSubject = "nutricoach.task.status"

// NATSNotifier publishes one JSON message per finished task.
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
}

// NewNATSNotifier ...
func NewNATSNotifier(nc *nats.Conn, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{nc: nc, subject: subject}
}

type taskEvent struct {
	FinishedAt time.Time         `json:"finished_at"`
	TaskID     string            `json:"task_id"`
	OwnerID    string            `json:"owner_id"`
	Kind       string            `json:"kind"`
	Status     models.TaskStatus `json:"status"`
	Error      string            `json:"error,omitempty"`
	Progress   int               `json:"progress"`
}

// TaskFinished implements runner.TerminalNotifier.
func (n *NATSNotifier) TaskFinished(_ context.Context, task *models.Task) {
	event := taskEvent{
		FinishedAt: time.Now(),
		TaskID:     task.ID,
		OwnerID:    task.OwnerID,
		Kind:       task.Kind,
		Status:     task.Status,
		Error:      task.Error,
		Progress:   task.Progress,
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("Failed to marshal task event")
		return
	}
	if err = n.nc.Publish(n.subject, data); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"task_id": task.ID,
			"subject": n.subject,
		}).Error("Failed to publish task event")
	}
}
