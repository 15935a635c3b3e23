package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/manabi-erp/manabi/internal/platform/httpx"
	"github.com/manabi-erp/manabi/internal/shared"
)

// Inspector is the part of *asynq.Inspector the HTTP handler uses.
type Inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	RunTask(queue, id string) error
}

// Handler exposes queue health and dead-letter recovery over HTTP.
type Handler struct {
	inspector Inspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints. inspector may be nil, in
// which case health reports an empty queue and recovery routes answer 503.
func NewHandler(inspector Inspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
	r.Get("/archived", h.listArchived)
	r.Post("/archived/{taskID}/run", h.runArchived)
}

type queueHealth struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Retry     int    `json:"retry"`
	Scheduled int    `json:"scheduled"`
	Archived  int    `json:"archived"`
}

type archivedTask struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Payload      string     `json:"payload"`
	Retried      int        `json:"retried"`
	LastError    string     `json:"last_error,omitempty"`
	LastFailedAt *time.Time `json:"last_failed_at,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	out := queueHealth{Queue: QueueDefault}
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, out)
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			httpx.JSON(w, http.StatusOK, out)
			return
		}
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "")
		return
	}
	if info != nil {
		out.Pending = info.Pending
		out.Active = info.Active
		out.Retry = info.Retry
		out.Scheduled = info.Scheduled
		out.Archived = info.Archived
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) listArchived(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	page, size, err := pageParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	tasks, err := h.inspector.ListArchivedTasks(QueueDefault, asynq.Page(page), asynq.PageSize(size))
	if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
		h.logger.Warn("list archived tasks", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]archivedTask, 0, len(tasks))
	for _, t := range tasks {
		view := archivedTask{ID: t.ID, Type: t.Type, Payload: string(t.Payload), Retried: t.Retried, LastError: t.LastErr}
		if !t.LastFailedAt.IsZero() {
			at := t.LastFailedAt
			view.LastFailedAt = &at
		}
		out = append(out, view)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tasks": out, "page": page, "size": size})
}

func (h *Handler) runArchived(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	id := chi.URLParam(r, "taskID")
	if err := h.inspector.RunTask(QueueDefault, id); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			err = fmt.Errorf("task %s: %w", id, shared.ErrNotFound)
		} else {
			h.logger.Warn("run archived task", slog.String("task_id", id), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("archived task requeued", slog.String("task_id", id))
	httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": id, "queue": QueueDefault})
}

func (h *Handler) available(w http.ResponseWriter) bool {
	if h.inspector == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "inspector not configured")
		return false
	}
	return true
}

func pageParams(r *http.Request) (int, int, error) {
	page, size := 1, 20
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("%w: page must be a positive integer", httpx.ErrBadRequest)
		}
		page = n
	}
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return 0, 0, fmt.Errorf("%w: size must be within [1,100]", httpx.ErrBadRequest)
		}
		size = n
	}
	return page, size, nil
}
