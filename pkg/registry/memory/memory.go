// Package memory implements an in-memory Task Registry backend, guarded by
// a single RWMutex and reaped on a TTL timer. Suitable for single-instance
// deployments and for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yingcaihuang/invoice-pretty/internal/logger"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry"
	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

// Registry is an in-memory implementation of registry.Registry.
type Registry struct {
	mu  sync.RWMutex
	ttl registry.TTLConfig

	records map[string]*task.Record
	bySess  map[string]map[string]struct{}
	// expiresAt is set once a record enters a terminal state, at which
	// point the reaper becomes eligible to delete it.
	expiresAt map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs an in-memory registry and starts its background TTL
// reaper. Call Close to stop the reaper.
func New(ttl registry.TTLConfig) *Registry {
	r := &Registry{
		ttl:       ttl,
		records:   make(map[string]*task.Record),
		bySess:    make(map[string]map[string]struct{}),
		expiresAt: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

func (r *Registry) Create(ctx context.Context, rec *task.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.TaskID]; exists {
		return task.ErrAlreadyExists
	}

	stored := rec.Clone()
	r.records[rec.TaskID] = stored

	if r.bySess[rec.SessionID] == nil {
		r.bySess[rec.SessionID] = make(map[string]struct{})
	}
	r.bySess[rec.SessionID][rec.TaskID] = struct{}{}

	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*task.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Registry) List(ctx context.Context, sessionID string, status task.Status) ([]*task.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.bySess[sessionID]
	out := make([]*task.Record, 0, len(ids))
	for id := range ids {
		rec, ok := r.records[id]
		if !ok {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

func (r *Registry) UpdateStatus(ctx context.Context, id string, expectedFrom []task.Status, to task.Status, fields registry.UpdateFields) (*task.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, task.ErrNotFound
	}

	matched := false
	for _, from := range expectedFrom {
		if rec.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return nil, task.ErrStaleState
	}
	if !task.CanTransition(rec.Status, to) {
		return nil, task.ErrInvalidTransition
	}

	rec.Status = to
	rec.UpdatedAt = time.Now().UTC()

	if fields.Progress != nil {
		rec.Progress = *fields.Progress
	}
	if fields.Stage != nil {
		rec.Stage = *fields.Stage
	}
	if fields.ErrorKind != nil {
		rec.ErrorKind = *fields.ErrorKind
	}
	if fields.ErrorMsg != nil {
		rec.ErrorMsg = *fields.ErrorMsg
	}
	if fields.OutputRefs != nil {
		rec.OutputRefs = fields.OutputRefs
	}
	if fields.CompletedAt != nil {
		rec.CompletedAt = fields.CompletedAt
	}

	if to == task.StatusQueued {
		// Retry: reset progress/retry bookkeeping and clear terminal TTL.
		rec.Progress = 0
		rec.RetryCount++
		rec.ErrorKind = ""
		rec.ErrorMsg = ""
		rec.CompletedAt = nil
		delete(r.expiresAt, id)
	} else if task.Terminal(to) {
		r.expiresAt[id] = time.Now().Add(r.ttlFor(to))
	}

	return rec.Clone(), nil
}

func (r *Registry) UpdateProgress(ctx context.Context, id string, progress int, stage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return task.ErrNotFound
	}
	if rec.Status != task.StatusProcessing {
		return nil
	}
	if progress < rec.Progress {
		logger.Debug("ignoring non-monotonic progress update",
			logger.TaskID(id), logger.Progress(progress))
		return nil
	}

	rec.Progress = progress
	if stage != "" {
		rec.Stage = stage
	}
	rec.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil
	}

	delete(r.records, id)
	delete(r.expiresAt, id)
	if sessIDs := r.bySess[rec.SessionID]; sessIDs != nil {
		delete(sessIDs, id)
	}

	return nil
}

func (r *Registry) Statistics(ctx context.Context, sessionID string) (*task.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &task.Stats{
		SessionID:      sessionID,
		CountsByStatus: make(map[task.Status]int),
	}

	var completedSecs float64
	var completedCount int

	for id := range r.bySess[sessionID] {
		rec, ok := r.records[id]
		if !ok {
			continue
		}
		stats.CountsByStatus[rec.Status]++
		stats.TotalTasks++

		if rec.Status == task.StatusCompleted && rec.CompletedAt != nil {
			completedSecs += rec.CompletedAt.Sub(rec.CreatedAt).Seconds()
			completedCount++
		}
	}

	if completedCount > 0 {
		stats.AvgCompletionSecs = completedSecs / float64(completedCount)
		stats.CompletedTaskCount = completedCount
	}

	return stats, nil
}

func (r *Registry) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	return nil
}

func (r *Registry) ttlFor(status task.Status) time.Duration {
	switch status {
	case task.StatusCompleted:
		return r.ttl.Completed
	case task.StatusFailed:
		return r.ttl.Failed
	case task.StatusExpired:
		return r.ttl.Expired
	case task.StatusCancelled:
		return r.ttl.Cancelled
	default:
		return 0
	}
}

// reapLoop periodically deletes terminal records whose TTL has elapsed.
// Expiry is eventual by design: readers treat a missing record as "never
// existed or long gone" uniformly, so there is no correctness requirement
// on reap latency.
func (r *Registry) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *Registry) reapOnce() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, expiry := range r.expiresAt {
		if now.Before(expiry) {
			continue
		}
		rec, ok := r.records[id]
		if !ok {
			delete(r.expiresAt, id)
			continue
		}
		delete(r.records, id)
		delete(r.expiresAt, id)
		if sessIDs := r.bySess[rec.SessionID]; sessIDs != nil {
			delete(sessIDs, id)
		}
	}
}
