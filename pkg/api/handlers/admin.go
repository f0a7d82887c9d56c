package handlers

import (
	"net/http"

	"github.com/yingcaihuang/invoice-pretty/pkg/scheduler"
)

// AdminHandler serves operator-triggered maintenance endpoints.
type AdminHandler struct {
	pool *scheduler.Pool
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(pool *scheduler.Pool) *AdminHandler {
	return &AdminHandler{pool: pool}
}

type cleanupResponse struct {
	FilesRemoved   int `json:"files_removed"`
	BytesRemoved   int64 `json:"bytes_removed"`
	AffectedTasks  int `json:"affected_tasks"`
}

// Cleanup handles POST /api/admin/cleanup: forces an off-schedule sweep.
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	result := h.pool.RunSweep(r.Context())
	writeJSON(w, http.StatusOK, cleanupResponse{
		FilesRemoved:  result.FilesRemoved,
		BytesRemoved:  result.BytesRemoved,
		AffectedTasks: len(result.AffectedTasks),
	})
}
