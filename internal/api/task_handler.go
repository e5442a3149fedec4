package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phrazzld/taskqueue/internal/api/shared"
	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/service"
	"github.com/phrazzld/taskqueue/internal/store"
)

// TaskService is the task API's view of the task service.
type TaskService interface {
	Submit(ctx context.Context, payload string) (*domain.Task, *domain.OutboxEvent, error)
	Get(ctx context.Context, id int64) (*service.TaskView, error)
	GetStatus(ctx context.Context, id int64) (domain.TaskStatus, error)
	List(ctx context.Context, page store.PageRequest) (store.Page[*service.TaskView], error)
	ListByStatus(ctx context.Context, status string, page store.PageRequest) (store.Page[*service.TaskView], error)
	Stats(ctx context.Context) (service.TaskStats, error)
	Cancel(ctx context.Context, id int64) (*service.TaskView, error)
	Retry(ctx context.Context, id int64) (*service.TaskView, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

var _ TaskService = (*service.TaskService)(nil)

// TaskStatusResponse is the body of GET /api/tasks/{id}/status.
type TaskStatusResponse struct {
	ID     int64             `json:"id"`
	Status domain.TaskStatus `json:"status"`
}

// TaskHandler serves the producer-facing task endpoints.
type TaskHandler struct {
	tasks TaskService
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(tasks TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// Routes mounts the task endpoints on r.
func (h *TaskHandler) Routes(r chi.Router) {
	r.Post("/", h.Submit)
	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Get("/status/{status}", h.ListByStatus)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/status", h.GetStatus)
	r.Put("/{id}/cancel", h.Cancel)
	r.Put("/{id}/retry", h.Retry)
	r.Delete("/{id}", h.Delete)
}

// Submit handles POST /api/tasks.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	task, event, err := h.tasks.Submit(r.Context(), req.Payload)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit task")
		return
	}

	logger.FromContext(r.Context()).Info("task submitted",
		slog.Int64("task_id", task.ID),
		slog.String("outbox_id", event.ID.String()))

	view := &service.TaskView{
		Task:   task,
		Outbox: &service.OutboxView{Status: event.Status, CreatedAt: event.CreatedAt},
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, shared.DataResponse{
		Message: "Task created and queued",
		Data:    view,
	})
}

// List handles GET /api/tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := h.tasks.List(r.Context(), shared.PageFromQuery(r))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Data: page})
}

// ListByStatus handles GET /api/tasks/status/{status}.
func (h *TaskHandler) ListByStatus(w http.ResponseWriter, r *http.Request) {
	page, err := h.tasks.ListByStatus(r.Context(), chi.URLParam(r, "status"), shared.PageFromQuery(r))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Data: page})
}

// Stats handles GET /api/tasks/stats.
func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tasks.Stats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load task statistics")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Data: stats})
}

// Get handles GET /api/tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := handlePathID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Data: view})
}

// GetStatus handles GET /api/tasks/{id}/status.
func (h *TaskHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := handlePathID(w, r, "id")
	if !ok {
		return
	}
	status, err := h.tasks.GetStatus(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task status")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{
		Data: TaskStatusResponse{ID: id, Status: status},
	})
}

// Cancel handles PUT /api/tasks/{id}/cancel.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := handlePathID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.tasks.Cancel(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Message: "Task cancelled", Data: view})
}

// Retry handles PUT /api/tasks/{id}/retry.
func (h *TaskHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := handlePathID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.tasks.Retry(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to retry task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Message: "Task queued for retry", Data: view})
}

// Delete handles DELETE /api/tasks/{id}.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := handlePathID(w, r, "id")
	if !ok {
		return
	}
	deleted, err := h.tasks.Delete(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to delete task")
		return
	}
	if !deleted {
		HandleAPIError(w, r, service.ErrTaskNotFound, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.MessageResponse{Message: "Task deleted"})
}
