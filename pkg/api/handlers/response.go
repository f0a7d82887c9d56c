package handlers

import (
	"net/http"
	"time"

	"github.com/yingcaihuang/invoice-pretty/pkg/apierr"
	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

// writeJSON writes data as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	apierr.JSON(w, status, data)
}

// TaskView is the wire projection of a task.Record for the status
// endpoint, matching the wire surface's { taskId, status, progress,
// createdAt, updatedAt, completedAt?, fileCount, downloadUrls? } shape.
type TaskView struct {
	TaskID       string         `json:"taskId"`
	Status       task.Status    `json:"status"`
	Progress     int            `json:"progress"`
	Stage        string         `json:"stage"`
	FileCount    int            `json:"fileCount"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	ErrorKind    task.ErrorKind `json:"errorKind,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	DownloadURLs []string       `json:"downloadUrls,omitempty"`
}

// NewTaskView projects rec onto the wire shape, attaching a download URL
// for each output ref once the task has completed.
func NewTaskView(rec *task.Record) TaskView {
	v := TaskView{
		TaskID:       rec.TaskID,
		Status:       rec.Status,
		Progress:     rec.Progress,
		Stage:        rec.Stage,
		FileCount:    rec.FileCount,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		CompletedAt:  rec.CompletedAt,
		ErrorKind:    rec.ErrorKind,
		ErrorMessage: rec.ErrorMsg,
	}
	if rec.Status == task.StatusCompleted {
		for _, name := range rec.OutputRefs {
			v.DownloadURLs = append(v.DownloadURLs, "/api/download/"+rec.TaskID+"/"+name)
		}
	}
	return v
}
