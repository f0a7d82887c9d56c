// Package storage defines the Storage Manager capability: durable,
// protocol-agnostic storage for the raw bytes of uploaded batches and
// imposed output PDFs, keyed by session and task. It deliberately knows
// nothing about task status or the imposition pipeline; the registry and
// scheduler coordinate lifecycle, this package only moves and retains bytes.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Kind distinguishes the two object classes a task touches. The local and
// S3 backends both use this to compute a key/path prefix.
type Kind string

const (
	// KindInput is the original upload (a single PDF or a ZIP of PDFs).
	KindInput Kind = "input"
	// KindOutput is the imposed result PDF produced for a task.
	KindOutput Kind = "output"
)

var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("storage object not found")

	// ErrOversize indicates a write exceeded the configured size ceiling.
	ErrOversize = errors.New("storage object exceeds size ceiling")
)

// ObjectStats describes a stored object without reading its content.
type ObjectStats struct {
	Size int64
}

// SweepResult summarizes one pass of the age-based sweeper, mirroring the
// storage manager's sweep(cutoff_time) return tuple from the specification.
type SweepResult struct {
	FilesRemoved  int
	BytesRemoved  int64
	AffectedTasks []TaskRef
}

// TaskRef identifies a task whose objects were touched by a sweep, letting
// the caller (the scheduler's periodic sweeper) look the record up in the
// registry without re-deriving session ownership from a bare path.
type TaskRef struct {
	SessionID string
	TaskID    string
}

// Manager is the storage capability. Implementations must be safe for
// concurrent use by multiple goroutines and must treat writes as atomic:
// a reader never observes a partially written object.
type Manager interface {
	// Put stores data under (sessionID, taskID, kind, name), replacing any
	// existing object at that key. name identifies a single file within a
	// task's batch (e.g. "0.pdf", "1.pdf", or "result.pdf" for output).
	Put(ctx context.Context, sessionID, taskID string, kind Kind, name string, r io.Reader) (int64, error)

	// Get opens a reader for the named object. Returns ErrNotFound if it
	// does not exist. Caller must close the reader.
	Get(ctx context.Context, sessionID, taskID string, kind Kind, name string) (io.ReadCloser, error)

	// Stat returns size information without opening the object.
	Stat(ctx context.Context, sessionID, taskID string, kind Kind, name string) (*ObjectStats, error)

	// List returns the names stored under (sessionID, taskID, kind), in no
	// particular order.
	List(ctx context.Context, sessionID, taskID string, kind Kind) ([]string, error)

	// DeleteTask removes every object (input and output) associated with a
	// task. Idempotent.
	DeleteTask(ctx context.Context, sessionID, taskID string) error

	// Healthcheck performs a lightweight liveness probe of the backend.
	Healthcheck(ctx context.Context) error

	// Sweep walks every stored object across both kinds and deletes any
	// whose modification time predates cutoff. It never removes an object
	// belonging to a task id present in activeTasks, so the sweeper can
	// never race a worker currently holding that task's files.
	Sweep(ctx context.Context, cutoff time.Time, activeTasks map[string]struct{}) (SweepResult, error)
}
