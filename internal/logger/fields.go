package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the imposition pipeline.
// Use these keys consistently so log aggregation queries stay stable across
// the API, scheduler, storage, and imposition packages.
const (
	// Distributed tracing / request correlation
	KeyTraceID   = "trace_id"
	KeyRequestID = "request_id"

	// Session & task identity
	KeySessionID = "session_id"
	KeyTaskID    = "task_id"
	KeyStatus    = "status"
	KeyStage     = "stage"
	KeyProgress  = "progress"
	KeyRetry     = "retry_count"

	// HTTP
	KeyMethod     = "method"
	KeyPath       = "path"
	KeyHTTPStatus = "http_status"
	KeyRemoteAddr = "remote_addr"
	KeyBytes      = "bytes"

	// Storage
	KeyStorePath = "store_path"
	KeyFileName  = "filename"
	KeySize      = "size"
	KeyRole      = "role"

	// Worker pool / scheduler
	KeyWorkerID   = "worker_id"
	KeyQueueDepth = "queue_depth"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorKind  = "error_kind"
)

// SessionID returns a slog.Attr for the owning session tag.
func SessionID(id string) slog.Attr { return slog.String(KeySessionID, id) }

// TaskID returns a slog.Attr for a task identifier.
func TaskID(id string) slog.Attr { return slog.String(KeyTaskID, id) }

// Status returns a slog.Attr for a task status value.
func Status(s string) slog.Attr { return slog.String(KeyStatus, s) }

// Stage returns a slog.Attr for a human-readable processing stage label.
func Stage(s string) slog.Attr { return slog.String(KeyStage, s) }

// Progress returns a slog.Attr for progress percentage.
func Progress(p int) slog.Attr { return slog.Int(KeyProgress, p) }

// RetryCount returns a slog.Attr for the number of retries accepted.
func RetryCount(n int) slog.Attr { return slog.Int(KeyRetry, n) }

// StorePath returns a slog.Attr for an on-disk storage path.
func StorePath(p string) slog.Attr { return slog.String(KeyStorePath, p) }

// FileName returns a slog.Attr for a sanitized file name.
func FileName(n string) slog.Attr { return slog.String(KeyFileName, n) }

// Size returns a slog.Attr for a byte size.
func Size(n int64) slog.Attr { return slog.Int64(KeySize, n) }

// WorkerID returns a slog.Attr identifying a pool worker.
func WorkerID(id int) slog.Attr { return slog.Int(KeyWorkerID, id) }

// QueueDepth returns a slog.Attr for the number of queued tasks.
func QueueDepth(n int) slog.Attr { return slog.Int(KeyQueueDepth, n) }

// DurationMs returns a slog.Attr for an operation duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorKind returns a slog.Attr for a classified error kind.
func ErrorKind(kind string) slog.Attr { return slog.String(KeyErrorKind, kind) }
