package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yingcaihuang/invoice-pretty/pkg/api/middleware"
	"github.com/yingcaihuang/invoice-pretty/pkg/apierr"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry"
	"github.com/yingcaihuang/invoice-pretty/pkg/scheduler"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

// TaskHandler serves the job-lifecycle endpoints: status, progress, list,
// start, cancel, retry, delete, statistics.
type TaskHandler struct {
	reg  registry.Registry
	st   storage.Manager
	pool *scheduler.Pool
}

// NewTaskHandler constructs a TaskHandler.
func NewTaskHandler(reg registry.Registry, st storage.Manager, pool *scheduler.Pool) *TaskHandler {
	return &TaskHandler{reg: reg, st: st, pool: pool}
}

// ownedRecord fetches the record for the {id} path param and verifies it
// belongs to the presented session. A mismatch is reported identically to
// a missing record, per the spec's anti-oracle rule.
func (h *TaskHandler) ownedRecord(w http.ResponseWriter, r *http.Request) (*task.Record, bool) {
	sessionID := middleware.GetSessionID(r.Context())
	taskID := chi.URLParam(r, "id")

	rec, err := h.reg.Get(r.Context(), taskID)
	if err != nil {
		apierr.WriteRegistryErr(w, err)
		return nil, false
	}
	if rec.SessionID != sessionID {
		apierr.WriteNotFound(w, "no such task")
		return nil, false
	}
	return rec, true
}

// Status handles GET /api/task/{id}/status.
func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, NewTaskView(rec))
}

type progressResponse struct {
	TaskID                    string  `json:"task_id"`
	Progress                  int     `json:"progress"`
	Status                    string  `json:"status"`
	Stage                     string  `json:"stage"`
	EstimatedRemainingSeconds float64 `json:"estimated_remaining_seconds,omitempty"`
	EstimatedCompletionAt     string  `json:"estimated_completion_at,omitempty"`
	ProgressRatePerMinute     float64 `json:"progress_rate_per_minute,omitempty"`
}

// Progress handles GET /api/task/{id}/progress. Its estimate is derived
// from a two-point EWMA seeded from created_at/progress=0 and the
// record's current updated_at/progress; see scheduler.RemainingEstimator.
func (h *TaskHandler) Progress(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedRecord(w, r)
	if !ok {
		return
	}

	resp := progressResponse{
		TaskID:   rec.TaskID,
		Progress: rec.Progress,
		Status:   string(rec.Status),
		Stage:    rec.Stage,
	}

	if rec.Status == task.StatusProcessing && rec.Progress > 0 {
		var est scheduler.RemainingEstimator
		est.Observe(0, rec.CreatedAt)
		est.Observe(rec.Progress, rec.UpdatedAt)
		if remaining, ok := est.Estimate(rec.Progress); ok {
			resp.EstimatedRemainingSeconds = remaining.Seconds()
			resp.EstimatedCompletionAt = time.Now().UTC().Add(remaining).Format(time.RFC3339)
			resp.ProgressRatePerMinute = (float64(rec.Progress) / rec.UpdatedAt.Sub(rec.CreatedAt).Minutes())
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type listResponse struct {
	Tasks      []TaskView `json:"tasks"`
	TotalCount int        `json:"total_count"`
	SessionID  string     `json:"session_id"`
}

// List handles GET /api/task/: every task for the session, newest first,
// optionally filtered by ?status=.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())
	status := task.Status(r.URL.Query().Get("status"))

	recs, err := h.reg.List(r.Context(), sessionID, status)
	if err != nil {
		apierr.WriteRegistryErr(w, err)
		return
	}

	views := make([]TaskView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, NewTaskView(rec))
	}

	writeJSON(w, http.StatusOK, listResponse{
		Tasks:      views,
		TotalCount: len(views),
		SessionID:  sessionID,
	})
}

// Start handles POST /api/task/{id}/start: re-enqueues a queued task that
// failed to be picked up (e.g. after a server restart with a persistent
// registry backend).
func (h *TaskHandler) Start(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedRecord(w, r)
	if !ok {
		return
	}
	if rec.Status != task.StatusQueued {
		apierr.WriteBadRequest(w, "task is not queued")
		return
	}
	if !h.pool.Submit(rec.TaskID) {
		apierr.WriteBackpressure(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(task.StatusProcessing)})
}

// Cancel handles POST /api/task/{id}/cancel.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedRecord(w, r)
	if !ok {
		return
	}
	if err := h.pool.Cancel(r.Context(), rec.TaskID); err != nil {
		apierr.WriteRegistryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(task.StatusCancelled)})
}

// Retry handles POST /api/task/{id}/retry: CAS a failed task back to
// queued and re-submit it.
func (h *TaskHandler) Retry(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedRecord(w, r)
	if !ok {
		return
	}
	if rec.Status != task.StatusFailed {
		apierr.WriteBadRequest(w, "only a failed task can be retried")
		return
	}

	zero := 0
	stage := "queued"
	_, err := h.reg.UpdateStatus(r.Context(), rec.TaskID, []task.Status{task.StatusFailed}, task.StatusQueued, registry.UpdateFields{
		Progress: &zero,
		Stage:    &stage,
	})
	if err != nil {
		apierr.WriteRegistryErr(w, err)
		return
	}

	if !h.pool.Submit(rec.TaskID) {
		apierr.WriteBackpressure(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(task.StatusQueued)})
}

// Delete handles DELETE /api/task/{id}: purges both the record and its
// storage objects.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedRecord(w, r)
	if !ok {
		return
	}
	if err := h.st.DeleteTask(r.Context(), rec.SessionID, rec.TaskID); err != nil {
		apierr.WriteInternal(w, "could not purge files")
		return
	}
	if err := h.reg.Delete(r.Context(), rec.TaskID); err != nil {
		apierr.WriteRegistryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"files_cleaned": true})
}

// Statistics handles GET /api/task/statistics: per-session counts and
// averages.
func (h *TaskHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())
	stats, err := h.reg.Statistics(r.Context(), sessionID)
	if err != nil {
		apierr.WriteRegistryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
