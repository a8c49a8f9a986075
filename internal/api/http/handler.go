package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
)

// Orchestrator defines the download operations exposed over HTTP.
type Orchestrator interface {
	Submit(ctx context.Context, spec domain.TaskSpec) (string, error)
	SubmitBatch(ctx context.Context, specs []domain.TaskSpec) ([]string, error)
	Task(id string) (domain.Task, bool)
	Tasks() []domain.Task
	Control(ctx context.Context, id string, action domain.ControlAction) error
	ControlAll(ctx context.Context, action domain.ControlAction) (int, error)
	Drain(ctx context.Context, id string) (domain.Task, error)
	DrainTerminal(ctx context.Context) []domain.Task
	Snapshot() domain.ProgressSnapshot
	Subscribe(buffer int) (<-chan domain.Event, func())
}

// BatchValidator checks a batch request before any task in it is submitted.
type BatchValidator interface {
	Batch(req domain.CreateBatchRequest) error
}

// TaskHandler handles HTTP requests for download tasks.
type TaskHandler struct {
	orch      Orchestrator
	validator BatchValidator
	logger    *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(orch Orchestrator, validator BatchValidator, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		orch:      orch,
		validator: validator,
		logger:    logger,
	}
}

// CreateTask handles POST /tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var spec domain.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.orch.Submit(r.Context(), spec)
	if err != nil {
		h.fail(w, "failed to create task", err)
		return
	}

	h.logger.Info("task created", "task_id", id)
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": id})
}

// CreateBatch handles POST /tasks/batch. The whole batch is validated first;
// submission stops at the first rejected task.
func (h *TaskHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Batch(req); err != nil {
		h.logger.Warn("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids, err := h.orch.SubmitBatch(r.Context(), req.Tasks)
	if err != nil {
		status := statusFor(err)
		h.logger.Warn("batch partially accepted", "accepted", len(ids), "error", err)
		writeJSON(w, status, map[string]any{
			"task_ids": ids,
			"error":    err.Error(),
		})
		return
	}

	h.logger.Info("batch created", "tasks_count", len(ids))
	writeJSON(w, http.StatusCreated, map[string]any{"task_ids": ids})
}

// ListTasks handles GET /tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.orch.Tasks()
	resp := make([]domain.TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, domain.NewTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTask handles GET /tasks/{taskID}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	task, ok := h.orch.Task(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, domain.NewTaskResponse(task))
}

// ControlTask handles POST /tasks/{taskID}/{action}.
func (h *TaskHandler) ControlTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	action := domain.ControlAction(chi.URLParam(r, "action"))

	if err := h.orch.Control(r.Context(), id, action); err != nil {
		h.fail(w, "failed to control task", err)
		return
	}

	h.logger.Info("control accepted", "task_id", id, "action", action)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": id,
		"action":  string(action),
	})
}

// DrainTask handles DELETE /tasks/{taskID}.
func (h *TaskHandler) DrainTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	task, err := h.orch.Drain(r.Context(), id)
	if err != nil {
		h.fail(w, "failed to drain task", err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewTaskResponse(task))
}

// ControlAll handles POST /batch/{action}.
func (h *TaskHandler) ControlAll(w http.ResponseWriter, r *http.Request) {
	action := domain.ControlAction(chi.URLParam(r, "action"))

	n, err := h.orch.ControlAll(r.Context(), action)
	if err != nil {
		h.fail(w, "failed to control tasks", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"action": string(action),
		"tasks":  n,
	})
}

// DrainAll handles POST /batch/drain.
func (h *TaskHandler) DrainAll(w http.ResponseWriter, r *http.Request) {
	tasks := h.orch.DrainTerminal(r.Context())
	resp := make([]domain.TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, domain.NewTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Snapshot handles GET /snapshot.
func (h *TaskHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Snapshot())
}

// Events handles GET /events as a Server-Sent Events stream.
func (h *TaskHandler) Events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	events, cancel := h.orch.Subscribe(0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Error("streaming not supported", "error", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (h *TaskHandler) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	h.logger.Warn(msg, "error", err)
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errpkg.ErrInvalidTaskSpec), errors.Is(err, errpkg.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, errpkg.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, errpkg.ErrDuplicateTask),
		errors.Is(err, errpkg.ErrTaskTerminal),
		errors.Is(err, errpkg.ErrTaskNotTerminal):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
