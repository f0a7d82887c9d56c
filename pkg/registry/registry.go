// Package registry defines the Task Registry capability abstraction: a
// keyed record store with secondary indexing by session, atomic
// compare-and-swap status transitions, and TTL-based expiry of terminal
// records.
package registry

import (
	"context"
	"time"

	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

// UpdateFields carries the optional fields a status transition may set
// alongside the status itself.
type UpdateFields struct {
	Progress    *int
	Stage       *string
	ErrorKind   *task.ErrorKind
	ErrorMsg    *string
	OutputRefs  []string
	CompletedAt *time.Time
}

// TTLConfig controls how long terminal records remain queryable after they
// stop being actively mutated.
type TTLConfig struct {
	Completed time.Duration
	Failed    time.Duration
	Expired   time.Duration
	Cancelled time.Duration
}

// DefaultTTLConfig matches the horizons named in the specification: 24h for
// completed/failed records, a shorter horizon for expired/cancelled ones.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Completed: 24 * time.Hour,
		Failed:    24 * time.Hour,
		Expired:   6 * time.Hour,
		Cancelled: 6 * time.Hour,
	}
}

// Registry is the Task Registry capability. Implementations must be safe
// for concurrent use by multiple goroutines and must make update_status a
// linearizable compare-and-swap per task id.
type Registry interface {
	// Create inserts a new record and adds it to its session's index.
	// Returns task.ErrAlreadyExists if the id is already present.
	Create(ctx context.Context, rec *task.Record) error

	// Get returns the record for id, or task.ErrNotFound.
	Get(ctx context.Context, id string) (*task.Record, error)

	// List returns every record tagged with sessionID, most-recent first.
	// If status is non-empty, only records with that status are returned.
	List(ctx context.Context, sessionID string, status task.Status) ([]*task.Record, error)

	// UpdateStatus atomically transitions id from one of expectedFrom to
	// to, applying fields. Returns task.ErrStaleState if the observed
	// status is not in expectedFrom, or task.ErrInvalidTransition if the
	// edge is not legal in the status DAG.
	UpdateStatus(ctx context.Context, id string, expectedFrom []task.Status, to task.Status, fields UpdateFields) (*task.Record, error)

	// UpdateProgress enforces monotonic, non-decreasing progress while a
	// task is processing. Smaller values are silently ignored.
	UpdateProgress(ctx context.Context, id string, progress int, stage string) error

	// Delete removes the record and its session-index entry. Idempotent.
	Delete(ctx context.Context, id string) error

	// Statistics returns per-status counts and average completion time for
	// a session's tasks.
	Statistics(ctx context.Context, sessionID string) (*task.Stats, error)

	// Close releases any resources held by the registry (file handles,
	// background reaper goroutines).
	Close() error
}
