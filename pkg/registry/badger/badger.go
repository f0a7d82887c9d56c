// Package badger implements a Badger-backed Task Registry, for deployments
// that need task state to survive a process restart. The key namespace and
// encode/decode split follow the teacher's metadata store: a byte prefix per
// logical collection, JSON-encoded values, index entries kept as separate
// keys rather than embedded lists so a session listing is a prefix scan
// instead of a read-modify-write on a growing value.
package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/yingcaihuang/invoice-pretty/internal/logger"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry"
	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

// ============================================================================
// Database Key Namespace Design
// ============================================================================
//
// Data Type        Prefix   Key Format                   Value Type
// ============================================================================
// Task Record       "t:"     t:<taskID>                   Record (JSON)
// Session Index      "s:"     s:<sessionID>:<taskID>       empty
// Expiry Index       "e:"     e:<unixNanoExpiry>:<taskID>  empty

const (
	prefixTask    = "t:"
	prefixSession = "s:"
	prefixExpiry  = "e:"
)

func keyTask(id string) []byte {
	return []byte(prefixTask + id)
}

func keySession(sessionID, taskID string) []byte {
	return []byte(prefixSession + sessionID + ":" + taskID)
}

func keySessionPrefix(sessionID string) []byte {
	return []byte(prefixSession + sessionID + ":")
}

func keyExpiry(expiresAt time.Time, taskID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixExpiry, expiresAt.UnixNano(), taskID))
}

// Registry is a Badger-backed implementation of registry.Registry.
type Registry struct {
	db  *badgerdb.DB
	ttl registry.TTLConfig

	stopCh   chan struct{}
	stopOnce func()
}

// Options configures the on-disk Badger instance.
type Options struct {
	// Path is the directory Badger persists its value log and LSM tree to.
	Path string
	// InMemory runs Badger with no disk footprint, for tests.
	InMemory bool
	TTL      registry.TTLConfig
}

// Open creates or opens a Badger database at opts.Path and starts its
// background reaper. Call Close to release the database handle.
func Open(opts Options) (*Registry, error) {
	badgerOpts := badgerdb.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithLogger(nil)

	db, err := badgerdb.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger registry: %w", err)
	}

	ttl := opts.TTL
	if (ttl == registry.TTLConfig{}) {
		ttl = registry.DefaultTTLConfig()
	}

	r := &Registry{
		db:     db,
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	var once bool
	r.stopOnce = func() {
		if !once {
			once = true
			close(r.stopCh)
		}
	}
	go r.reapLoop()

	return r, nil
}

func (r *Registry) Create(ctx context.Context, rec *task.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := rec.Clone()
	data, err := encodeRecord(stored)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(keyTask(rec.TaskID)); err == nil {
			return task.ErrAlreadyExists
		} else if err != badgerdb.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(keyTask(rec.TaskID), data); err != nil {
			return err
		}
		return txn.Set(keySession(rec.SessionID, rec.TaskID), nil)
	})
}

func (r *Registry) Get(ctx context.Context, id string) (*task.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *task.Record
	err := r.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyTask(id))
		if err == badgerdb.ErrKeyNotFound {
			return task.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeRecord(val)
			if err != nil {
				return err
			}
			rec = decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Registry) List(ctx context.Context, sessionID string, status task.Status) ([]*task.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*task.Record
	err := r.db.View(func(txn *badgerdb.Txn) error {
		prefix := keySessionPrefix(sessionID)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
			if n%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			taskID := taskIDFromSessionKey(it.Item().Key(), sessionID)
			item, err := txn.Get(keyTask(taskID))
			if err == badgerdb.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}

			if err := item.Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return err
				}
				if status != "" && rec.Status != status {
					return nil
				}
				out = append(out, rec)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func taskIDFromSessionKey(key []byte, sessionID string) string {
	prefix := prefixSession + sessionID + ":"
	return string(key[len(prefix):])
}

func (r *Registry) UpdateStatus(ctx context.Context, id string, expectedFrom []task.Status, to task.Status, fields registry.UpdateFields) (*task.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result *task.Record
	err := r.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyTask(id))
		if err == badgerdb.ErrKeyNotFound {
			return task.ErrNotFound
		}
		if err != nil {
			return err
		}

		var rec *task.Record
		if err := item.Value(func(val []byte) error {
			decoded, err := decodeRecord(val)
			if err != nil {
				return err
			}
			rec = decoded
			return nil
		}); err != nil {
			return err
		}

		matched := false
		for _, from := range expectedFrom {
			if rec.Status == from {
				matched = true
				break
			}
		}
		if !matched {
			return task.ErrStaleState
		}
		if !task.CanTransition(rec.Status, to) {
			return task.ErrInvalidTransition
		}

		oldExpiry, hadOldExpiry := r.computeExpiry(rec)

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

		if hadOldExpiry {
			if err := txn.Delete(keyExpiry(oldExpiry, id)); err != nil && err != badgerdb.ErrKeyNotFound {
				return err
			}
		}

		if to == task.StatusQueued {
			rec.Progress = 0
			rec.RetryCount++
			rec.ErrorKind = ""
			rec.ErrorMsg = ""
			rec.CompletedAt = nil
		} else if task.Terminal(to) {
			expiresAt := rec.UpdatedAt.Add(r.ttlFor(to))
			if err := txn.Set(keyExpiry(expiresAt, id), nil); err != nil {
				return err
			}
		}

		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(keyTask(id), data); err != nil {
			return err
		}

		result = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// computeExpiry derives the expiry key currently pending for rec, if any,
// using the record's UpdatedAt and terminal status. It mirrors the value
// UpdateStatus wrote when the record last entered a terminal state.
func (r *Registry) computeExpiry(rec *task.Record) (time.Time, bool) {
	if !task.Terminal(rec.Status) {
		return time.Time{}, false
	}
	return rec.UpdatedAt.Add(r.ttlFor(rec.Status)), true
}

func (r *Registry) UpdateProgress(ctx context.Context, id string, progress int, stage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyTask(id))
		if err == badgerdb.ErrKeyNotFound {
			return task.ErrNotFound
		}
		if err != nil {
			return err
		}

		var rec *task.Record
		if err := item.Value(func(val []byte) error {
			decoded, err := decodeRecord(val)
			if err != nil {
				return err
			}
			rec = decoded
			return nil
		}); err != nil {
			return err
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

		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		return txn.Set(keyTask(id), data)
	})
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyTask(id))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var rec *task.Record
		if err := item.Value(func(val []byte) error {
			decoded, err := decodeRecord(val)
			if err != nil {
				return err
			}
			rec = decoded
			return nil
		}); err != nil {
			return err
		}

		if err := txn.Delete(keyTask(id)); err != nil {
			return err
		}
		if err := txn.Delete(keySession(rec.SessionID, id)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		if expiresAt, ok := r.computeExpiry(rec); ok {
			if err := txn.Delete(keyExpiry(expiresAt, id)); err != nil && err != badgerdb.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

func (r *Registry) Statistics(ctx context.Context, sessionID string) (*task.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	recs, err := r.List(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}

	stats := &task.Stats{
		SessionID:      sessionID,
		CountsByStatus: make(map[task.Status]int),
	}

	var completedSecs float64
	var completedCount int

	for _, rec := range recs {
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
	r.stopOnce()
	return r.db.Close()
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

// reapLoop deletes terminal records past their TTL. It also runs Badger's
// own value-log garbage collection, since imposition output references and
// error messages can make records large enough to leave behind stale log
// segments.
func (r *Registry) reapLoop() {
	reapTicker := time.NewTicker(time.Minute)
	gcTicker := time.NewTicker(10 * time.Minute)
	defer reapTicker.Stop()
	defer gcTicker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-reapTicker.C:
			r.reapOnce()
		case <-gcTicker.C:
			r.runValueLogGC()
		}
	}
}

func (r *Registry) reapOnce() {
	now := time.Now()
	nowKey := []byte(fmt.Sprintf("%s%020d", prefixExpiry, now.UnixNano()))

	err := r.db.Update(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixExpiry)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		var toDelete [][]byte
		for it.Seek([]byte(prefixExpiry)); it.ValidForPrefix([]byte(prefixExpiry)); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) > string(nowKey) {
				break
			}
			toDelete = append(toDelete, key)
		}

		for _, key := range toDelete {
			taskID := taskIDFromExpiryKey(key)
			item, err := txn.Get(keyTask(taskID))
			if err == nil {
				var rec *task.Record
				if verr := item.Value(func(val []byte) error {
					decoded, derr := decodeRecord(val)
					if derr != nil {
						return derr
					}
					rec = decoded
					return nil
				}); verr == nil && rec != nil {
					_ = txn.Delete(keyTask(taskID))
					_ = txn.Delete(keySession(rec.SessionID, taskID))
				}
			} else if err != badgerdb.ErrKeyNotFound {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("registry reap pass failed", logger.Err(err))
	}
}

func taskIDFromExpiryKey(key []byte) string {
	// "e:" + 20-digit nanosecond timestamp + ":" + taskID
	const headerLen = len(prefixExpiry) + 20 + 1
	return string(key[headerLen:])
}

func (r *Registry) runValueLogGC() {
	for {
		if err := r.db.RunValueLogGC(0.5); err != nil {
			if err != badgerdb.ErrNoRewrite {
				logger.Warn("badger value log gc failed", logger.Err(err))
			}
			return
		}
	}
}
