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

// DLQService is the admin API's view of the dead-letter service.
type DLQService interface {
	List(ctx context.Context, page store.PageRequest) (store.Page[*domain.DeadLetterEntry], error)
	Get(ctx context.Context, id int64) (*domain.DeadLetterEntry, error)
	ListByStatus(ctx context.Context, status string, page store.PageRequest) (store.Page[*domain.DeadLetterEntry], error)
	Stats(ctx context.Context) (service.DLQStats, error)
	Retry(ctx context.Context, id int64, note string) (*service.TaskView, error)
	Resolve(ctx context.Context, id int64, note string) (*domain.DeadLetterEntry, error)
	UpdatePayload(ctx context.Context, id int64, payload, note string) (*domain.DeadLetterEntry, error)
	Delete(ctx context.Context, id int64) (bool, error)
	BulkRetry(ctx context.Context, statusFilter, note string) (service.BulkRetryResult, error)
	RetryAllFailed(ctx context.Context, note string) (service.BulkRetryResult, error)
}

var _ DLQService = (*service.DLQService)(nil)

// DLQHandler serves the dead-letter administration endpoints.
type DLQHandler struct {
	dlq DLQService
}

// NewDLQHandler creates a DLQHandler.
func NewDLQHandler(dlq DLQService) *DLQHandler {
	return &DLQHandler{dlq: dlq}
}

// Routes mounts the dead-letter endpoints on r.
func (h *DLQHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Get("/status/{status}", h.ListByStatus)
	r.Put("/retry-all", h.RetryAll)
	r.Put("/retry-all/status/{status}", h.RetryByStatus)
	r.Get("/{id}", h.Get)
	r.Put("/{id}/retry", h.Retry)
	r.Put("/{id}/resolve", h.Resolve)
	r.Put("/{id}/update-payload", h.UpdatePayload)
	r.Delete("/{id}", h.Delete)
}

// List handles GET /api/dlq.
func (h *DLQHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := h.dlq.List(r.Context(), shared.PageFromQuery(r))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list dead letter entries")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Data: page})
}

// ListByStatus handles GET /api/dlq/status/{status}.
func (h *DLQHandler) ListByStatus(w http.ResponseWriter, r *http.Request) {
	page, err := h.dlq.ListByStatus(r.Context(), chi.URLParam(r, "status"), shared.PageFromQuery(r))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list dead letter entries")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Data: page})
}

// Stats handles GET /api/dlq/stats.
func (h *DLQHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dlq.Stats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load dead letter statistics")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Data: stats})
}

// Get handles GET /api/dlq/{id}.
func (h *DLQHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := handlePathID(w, r, "id")
	if !ok {
		return
	}
	entry, err := h.dlq.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get dead letter entry")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Data: entry})
}

// Retry handles PUT /api/dlq/{id}/retry. The body is optional.
func (h *DLQHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := handlePathID(w, r, "id")
	if !ok {
		return
	}
	var req NoteRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	view, err := h.dlq.Retry(r.Context(), id, req.Resolution)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to retry dead letter entry")
		return
	}
	h.audit(r, "dead letter entry retried", id)
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Message: "Task re-queued for retry", Data: view})
}

// Resolve handles PUT /api/dlq/{id}/resolve.
func (h *DLQHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := handlePathID(w, r, "id")
	if !ok {
		return
	}
	var req NoteRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	entry, err := h.dlq.Resolve(r.Context(), id, req.Resolution)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to resolve dead letter entry")
		return
	}
	h.audit(r, "dead letter entry resolved", id)
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Message: "DLQ item marked as resolved", Data: entry})
}

// UpdatePayload handles PUT /api/dlq/{id}/update-payload.
func (h *DLQHandler) UpdatePayload(w http.ResponseWriter, r *http.Request) {
	id, ok := handlePathID(w, r, "id")
	if !ok {
		return
	}
	var req UpdatePayloadRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	entry, err := h.dlq.UpdatePayload(r.Context(), id, req.Payload, req.Resolution)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to update payload")
		return
	}
	h.audit(r, "dead letter payload updated", id)
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Message: "Payload updated successfully", Data: entry})
}

// Delete handles DELETE /api/dlq/{id}.
func (h *DLQHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := handlePathID(w, r, "id")
	if !ok {
		return
	}
	deleted, err := h.dlq.Delete(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to delete dead letter entry")
		return
	}
	if !deleted {
		HandleAPIError(w, r, service.ErrDLQEntryNotFound, "")
		return
	}
	h.audit(r, "dead letter entry deleted", id)
	shared.RespondWithJSON(w, r, http.StatusOK, shared.MessageResponse{Message: "DLQ item deleted"})
}

// RetryAll handles PUT /api/dlq/retry-all.
func (h *DLQHandler) RetryAll(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	result, err := h.dlq.RetryAllFailed(r.Context(), req.Resolution)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to retry dead letter entries")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Data: result})
}

// RetryByStatus handles PUT /api/dlq/retry-all/status/{status}.
func (h *DLQHandler) RetryByStatus(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	result, err := h.dlq.BulkRetry(r.Context(), chi.URLParam(r, "status"), req.Resolution)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to retry dead letter entries")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, shared.DataResponse{Data: result})
}

func (h *DLQHandler) audit(r *http.Request, msg string, id int64) {
	subject, _ := shared.Subject(r.Context())
	logger.FromContext(r.Context()).Info(msg,
		slog.Int64("dlq_id", id),
		slog.String("operator", subject))
}
