package handlers

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/yingcaihuang/invoice-pretty/internal/logger"
	"github.com/yingcaihuang/invoice-pretty/pkg/api/middleware"
	"github.com/yingcaihuang/invoice-pretty/pkg/apierr"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry"
	"github.com/yingcaihuang/invoice-pretty/pkg/scheduler"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

// UploadHandler accepts multipart upload batches and enqueues them for
// imposition.
type UploadHandler struct {
	reg           registry.Registry
	st            storage.Manager
	pool          *scheduler.Pool
	maxFileSize   int64
	allowedExts   []string
	maxUploadMem  int64
}

// NewUploadHandler constructs an UploadHandler.
func NewUploadHandler(reg registry.Registry, st storage.Manager, pool *scheduler.Pool, maxFileSize int64, allowedExts []string) *UploadHandler {
	return &UploadHandler{
		reg:          reg,
		st:           st,
		pool:         pool,
		maxFileSize:  maxFileSize,
		allowedExts:  allowedExts,
		maxUploadMem: 32 << 20,
	}
}

type uploadResponse struct {
	TaskID    string    `json:"taskId"`
	Status    string    `json:"status"`
	FileCount int       `json:"fileCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Upload handles POST /api/upload/: per-file validation (non-empty, pdf
// or zip by magic bytes, size within the configured ceiling), then a
// single task record covering the whole batch.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())

	if err := r.ParseMultipartForm(h.maxUploadMem); err != nil {
		apierr.WriteBadRequest(w, "could not parse multipart form")
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		apierr.WriteBadRequest(w, "at least one file is required")
		return
	}

	taskID := uuid.NewString()
	now := time.Now().UTC()

	stored := 0
	for i, fh := range files {
		if err := h.storeOne(r.Context(), sessionID, taskID, i, fh); err != nil {
			_ = h.st.DeleteTask(r.Context(), sessionID, taskID)
			writeUploadErr(w, err)
			return
		}
		stored++
	}

	rec := &task.Record{
		TaskID:    taskID,
		SessionID: sessionID,
		Status:    task.StatusQueued,
		Progress:  0,
		Stage:     "queued",
		FileCount: stored,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.reg.Create(r.Context(), rec); err != nil {
		_ = h.st.DeleteTask(r.Context(), sessionID, taskID)
		apierr.WriteInternal(w, "could not record task")
		return
	}

	if !h.pool.Submit(taskID) {
		_ = h.reg.Delete(r.Context(), taskID)
		_ = h.st.DeleteTask(r.Context(), sessionID, taskID)
		apierr.WriteBackpressure(w)
		return
	}

	logger.Info("upload admitted", logger.TaskID(taskID), logger.SessionID(sessionID))
	writeJSON(w, http.StatusOK, uploadResponse{
		TaskID:    taskID,
		Status:    string(task.StatusQueued),
		FileCount: stored,
		CreatedAt: now,
	})
}

// Limits handles GET /api/upload/limits: discovery endpoint for the
// admission rules enforced by Upload.
func (h *UploadHandler) Limits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"max_file_size":      h.maxFileSize,
		"allowed_extensions": h.allowedExts,
	})
}

type uploadValidationError struct {
	msg      string
	tooLarge bool
}

func (e *uploadValidationError) Error() string { return e.msg }

func writeUploadErr(w http.ResponseWriter, err error) {
	if ve, ok := err.(*uploadValidationError); ok {
		if ve.tooLarge {
			apierr.WritePayloadTooLarge(w, ve.msg)
			return
		}
		apierr.WriteUnsupportedMedia(w, ve.msg)
		return
	}
	apierr.WriteInternal(w, "could not store uploaded file")
}

// storeOne validates a single multipart part and, if it passes, writes it
// to the Storage Manager under the batch's task id.
func (h *UploadHandler) storeOne(ctx context.Context, sessionID, taskID string, ordinal int, fh *multipart.FileHeader) error {
	if fh.Size == 0 {
		return &uploadValidationError{msg: "empty file " + fh.Filename}
	}
	if fh.Size > h.maxFileSize {
		return &uploadValidationError{msg: "file " + fh.Filename + " exceeds the per-file size ceiling", tooLarge: true}
	}

	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	kind := mtype.String()
	isPDF := mtype.Is("application/pdf")
	isZip := mtype.Is("application/zip")
	if !isPDF && !isZip {
		return &uploadValidationError{msg: "unsupported file type " + kind + " for " + fh.Filename}
	}

	ext := "pdf"
	if isZip {
		ext = "zip"
	}
	name := sanitizeFileName(ordinal, fh.Filename)
	if !strings.HasSuffix(strings.ToLower(name), "."+ext) {
		name = name + "." + ext
	}

	_, err = h.st.Put(ctx, sessionID, taskID, storage.KindInput, name, f)
	return err
}
