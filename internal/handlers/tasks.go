package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fasthttp/router"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/lifecycle"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/repository/taskstore"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/service/tasks"
)

// API holds the HTTP handlers for the task engine.
type API struct {
	svc *tasks.Service
}

// NewAPI ...
func NewAPI(svc *tasks.Service) *API {
	return &API{svc: svc}
}

// Register wires all task routes onto the router.
func (a *API) Register(r *router.Router) {
	r.GET("/health", a.handleHealth)
	r.POST("/api/v1/clients/{ownerID}/tasks", a.handleCreate)
	r.GET("/api/v1/tasks/{id}", a.handleGet)
	r.GET("/api/v1/tasks/{id}/events", a.handleStream)
	r.POST("/api/v1/tasks/{id}/pause", a.handlePause)
	r.POST("/api/v1/tasks/{id}/resume", a.handleResume)
	r.DELETE("/api/v1/tasks/{id}", a.handleCancel)
}

type apiResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

type createRequest struct {
	Kind       string          `json:"kind"`
	Parameters json.RawMessage `json:"parameters"`
}

type taskHandle struct {
	TaskID    string            `json:"task_id"`
	Status    models.TaskStatus `json:"status"`
	StreamURL string            `json:"stream_url"`
}

func streamURL(taskID string) string {
	return fmt.Sprintf("/api/v1/tasks/%s/events", taskID)
}

func (a *API) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, apiResponse{Message: "OK"})
}

func (a *API) handleCreate(ctx *fasthttp.RequestCtx) {
	ownerID, ok := ctx.UserValue("ownerID").(string)
	if !ok || ownerID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "owner id is required")
		return
	}

	var req createRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "kind is required")
		return
	}

	task, created, err := a.svc.Create(ctx, ownerID, req.Kind, req.Parameters)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}

	status := fasthttp.StatusOK
	message := "active task already exists"
	if created {
		status = fasthttp.StatusCreated
		message = "task created"
	}
	writeJSON(ctx, status, apiResponse{
		Message: message,
		Data:    taskHandle{TaskID: task.ID, Status: task.Status, StreamURL: streamURL(task.ID)},
	})
}

func (a *API) handleGet(ctx *fasthttp.RequestCtx) {
	task, err := a.svc.Get(ctx, taskID(ctx))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, apiResponse{Message: "task retrieved", Data: task})
}

func (a *API) handlePause(ctx *fasthttp.RequestCtx) {
	if err := a.svc.Pause(ctx, taskID(ctx)); err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, apiResponse{Message: "task paused"})
}

func (a *API) handleResume(ctx *fasthttp.RequestCtx) {
	task, err := a.svc.Resume(ctx, taskID(ctx))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, apiResponse{
		Message: "task resumed",
		Data:    taskHandle{TaskID: task.ID, Status: task.Status, StreamURL: streamURL(task.ID)},
	})
}

func (a *API) handleCancel(ctx *fasthttp.RequestCtx) {
	if err := a.svc.Cancel(ctx, taskID(ctx)); err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, apiResponse{Message: "task cancelled"})
}

// handleStream serves the server-push event stream: a snapshot of the
// task's current state first, live events after, one JSON object per
// frame. A dropped subscriber never affects the run itself.
func (a *API) handleStream(ctx *fasthttp.RequestCtx) {
	id := taskID(ctx)
	task, events, cancel, err := a.svc.Subscribe(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}

	ctx.SetContentType("text/event-stream; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	snapshot := snapshotEvent(task)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		if writeErr := writeEvent(w, snapshot); writeErr != nil || snapshot.Terminal() {
			return
		}
		for event := range events {
			if writeErr := writeEvent(w, event); writeErr != nil {
				log.WithField("task_id", id).Debug("Stream subscriber disconnected")
				return
			}
			if event.Terminal() {
				return
			}
		}
	})
}

// snapshotEvent renders the persisted task state as the stream's first
// event so late subscribers catch up before consuming live events.
func snapshotEvent(task *models.Task) models.Event {
	switch task.Status {
	case models.TaskStatusCompleted:
		return models.Event{
			Type:     models.EventDone,
			Progress: task.Progress,
			Message:  "task completed",
			Data:     task.Result,
		}
	case models.TaskStatusFailed:
		return models.Event{
			Type:     models.EventError,
			Step:     task.CurrentStep,
			Progress: task.Progress,
			Message:  task.Error,
			Error:    task.Error,
		}
	case models.TaskStatusCancelled:
		return models.Event{
			Type:     models.EventCancelled,
			Step:     task.CurrentStep,
			Progress: task.Progress,
			Message:  "task cancelled",
		}
	case models.TaskStatusPaused:
		return models.Event{
			Type:     models.EventPaused,
			Step:     task.CurrentStep,
			Progress: task.Progress,
			Message:  "task paused",
		}
	default:
		return models.Event{
			Type:           models.EventProgress,
			Step:           task.CurrentStep,
			Progress:       task.Progress,
			Message:        "task " + string(task.Status),
			CompletedSteps: task.CompletedSteps,
		}
	}
}

func writeEvent(w *bufio.Writer, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func taskID(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("id").(string)
	return id
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json; charset=utf-8")
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		log.WithError(err).Error("Failed to encode response")
	}
}

func writeError(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json; charset=utf-8")
	if err := json.NewEncoder(ctx).Encode(apiError{Error: message}); err != nil {
		log.WithError(err).Error("Failed to encode error response")
	}
}

func writeServiceError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		writeError(ctx, fasthttp.StatusNotFound, "task not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(ctx, fasthttp.StatusConflict, err.Error())
	case errors.Is(err, taskstore.ErrStatusConflict):
		writeError(ctx, fasthttp.StatusConflict, "task status changed, retry the request")
	default:
		log.WithError(err).Error("Request failed")
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
	}
}
