// Package task defines the central job record and its status lifecycle for
// the imposition pipeline.
package task

import "time"

// Status is a task's position in the lifecycle DAG.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// transitions enumerates every legal (from, to) status pair. Any pair not
// present here is rejected by the registry's CAS update.
var transitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusQueued: true, // retry
	},
	StatusCompleted: {
		StatusExpired: true,
	},
}

// CanTransition reports whether moving from "from" to "to" is a legal edge
// in the status DAG.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Terminal reports whether s is a terminal status with no further legal
// transitions except the ones explicitly modeled above (failed->queued retry,
// completed->expired).
func Terminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrorKind classifies a failure recorded on a task. These values are
// serialized verbatim onto the record and onto the wire.
type ErrorKind string

const (
	ErrorKindBadInput  ErrorKind = "BadInput"
	ErrorKindOversize  ErrorKind = "Oversize"
	ErrorKindTimeout   ErrorKind = "Timeout"
	ErrorKindCancelled ErrorKind = "Cancelled"
	ErrorKindShutdown  ErrorKind = "Shutdown"
	ErrorKindInternal  ErrorKind = "Internal"
)

// Record is the central task entity. It is serialized to JSON both for the
// wire (API responses) and for persistence in registry backends that need a
// byte representation (Badger).
type Record struct {
	TaskID      string     `json:"task_id"`
	SessionID   string     `json:"session_id"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Stage       string     `json:"stage"`
	FileCount   int        `json:"file_count"`
	InputRefs   []string   `json:"input_refs"`
	OutputRefs  []string   `json:"output_refs"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	ErrorMsg    string     `json:"error_message,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
}

// Clone returns a deep-enough copy of r so that callers holding a reference
// returned from a registry cannot mutate internal state through slices.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.InputRefs = append([]string(nil), r.InputRefs...)
	clone.OutputRefs = append([]string(nil), r.OutputRefs...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// Stats aggregates per-session counters, as returned by Registry.Statistics.
type Stats struct {
	SessionID          string         `json:"session_id"`
	CountsByStatus     map[Status]int `json:"counts_by_status"`
	TotalTasks         int            `json:"total_tasks"`
	AvgCompletionSecs  float64        `json:"avg_completion_seconds"`
	CompletedTaskCount int            `json:"completed_task_count"`
}
