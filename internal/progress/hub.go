package progress

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
)

const defaultSubscriberBuffer = 32

// Hub fans task events out to per-task subscribers. Publishing never
// blocks the runner: a subscriber that cannot keep up is dropped. After a
// terminal event all subscriber channels for the task are closed.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]chan models.Event
	nextID uint64
	buffer int
}

// NewHub creates a Hub. A non-positive buffer falls back to the default.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[string]map[uint64]chan models.Event),
		buffer: buffer,
	}
}

// Subscribe attaches a new listener to the task's event stream. The
// returned cancel func detaches the listener; it is safe to call more than
// once, and detaching never affects the task itself.
func (h *Hub) Subscribe(taskID string) (<-chan models.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan models.Event, h.buffer)
	listeners, ok := h.subs[taskID]
	if !ok {
		listeners = make(map[uint64]chan models.Event)
		h.subs[taskID] = listeners
	}
	id := h.nextID
	h.nextID++
	listeners[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if listeners, ok := h.subs[taskID]; ok {
			if sub, live := listeners[id]; live {
				delete(listeners, id)
				close(sub)
			}
			if len(listeners) == 0 {
				delete(h.subs, taskID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of the task. A terminal
// event additionally closes and removes all of the task's subscribers.
func (h *Hub) Publish(taskID string, event models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	listeners := h.subs[taskID]
	for id, ch := range listeners {
		select {
		case ch <- event:
		default:
			log.WithFields(log.Fields{
				"task_id": taskID,
				"event":   event.Type,
			}).Warn("Dropping slow progress subscriber")
			delete(listeners, id)
			close(ch)
		}
	}

	if event.Terminal() {
		for _, ch := range listeners {
			close(ch)
		}
		delete(h.subs, taskID)
	}
}

// SubscriberCount reports how many listeners the task currently has.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}
