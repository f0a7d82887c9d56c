package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yingcaihuang/invoice-pretty/pkg/api/middleware"
	"github.com/yingcaihuang/invoice-pretty/pkg/apierr"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

// DownloadHandler serves composed PDFs back to the client that owns them.
type DownloadHandler struct {
	reg registry.Registry
	st  storage.Manager
}

// NewDownloadHandler constructs a DownloadHandler.
func NewDownloadHandler(reg registry.Registry, st storage.Manager) *DownloadHandler {
	return &DownloadHandler{reg: reg, st: st}
}

// resolve performs the joint (record-ownership ∧ path-confinement) check
// shared by GET and HEAD: the task must belong to the presented session
// and the requested name must exactly match one of the task's stored
// output refs (resolveStoredName) before it is handed to the Storage
// Manager.
func (h *DownloadHandler) resolve(w http.ResponseWriter, r *http.Request) (*task.Record, string, bool) {
	sessionID := middleware.GetSessionID(r.Context())
	taskID := chi.URLParam(r, "id")
	rawName := chi.URLParam(r, "name")

	rec, err := h.reg.Get(r.Context(), taskID)
	if err != nil {
		apierr.WriteRegistryErr(w, err)
		return nil, "", false
	}
	if rec.SessionID != sessionID {
		apierr.WriteNotFound(w, "no such task")
		return nil, "", false
	}
	if rec.Status == task.StatusExpired {
		apierr.WriteFilesExpired(w)
		return nil, "", false
	}

	name := resolveStoredName(rec.OutputRefs, rawName)
	if name == "" {
		apierr.WriteNotFound(w, "no such file")
		return nil, "", false
	}
	return rec, name, true
}

// resolveStoredName matches requested against the task's actual output
// refs rather than trusting the raw path segment, closing off any
// traversal attempt regardless of what the storage backend itself would
// reject.
func resolveStoredName(outputRefs []string, requested string) string {
	for _, ref := range outputRefs {
		if ref == requested {
			return ref
		}
	}
	return ""
}

// Download handles GET /api/download/{id}/{name}.
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	rec, name, ok := h.resolve(w, r)
	if !ok {
		return
	}

	rc, err := h.st.Get(r.Context(), rec.SessionID, rec.TaskID, storage.KindOutput, name)
	if err != nil {
		apierr.WriteRegistryErr(w, err)
		return
	}
	defer rc.Close()

	stat, err := h.st.Stat(r.Context(), rec.SessionID, rec.TaskID, storage.KindOutput, name)
	if err != nil {
		apierr.WriteRegistryErr(w, err)
		return
	}

	setDownloadHeaders(w, name, stat.Size, r.URL.Query().Get("inline") == "true")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// HeadDownload handles HEAD /api/download/{id}/{name}: size and
// content-type without body.
func (h *DownloadHandler) HeadDownload(w http.ResponseWriter, r *http.Request) {
	rec, name, ok := h.resolve(w, r)
	if !ok {
		return
	}

	stat, err := h.st.Stat(r.Context(), rec.SessionID, rec.TaskID, storage.KindOutput, name)
	if err != nil {
		apierr.WriteRegistryErr(w, err)
		return
	}

	setDownloadHeaders(w, name, stat.Size, r.URL.Query().Get("inline") == "true")
	w.WriteHeader(http.StatusOK)
}

func setDownloadHeaders(w http.ResponseWriter, name string, size int64, inline bool) {
	disposition := "attachment"
	if inline {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", disposition+`; filename="`+name+`"`)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
}
