// Package local implements the Storage Manager on the local filesystem,
// laid out as <root>/<kind>/<sessionID>/<taskID>/<name>. Writes go to a
// temp file in the same directory and are renamed into place, so a reader
// never observes a partially written object.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
)

// sweepConcurrency bounds how many task directories a single Sweep call
// walks at once. Each task's subtree is independent of every other, so
// walking them concurrently shortens a sweep over many sessions without
// unbounded goroutine growth on a storage root with thousands of tasks.
const sweepConcurrency = 8

// Manager is a local-disk Storage Manager.
type Manager struct {
	root string
}

// New creates a local Manager rooted at root. The directory is created if
// it does not exist.
func New(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Manager{root: root}, nil
}

// objectDir returns the directory holding all objects for (sessionID,
// taskID, kind), after validating that neither identifier can escape root
// via path traversal.
func (m *Manager) objectDir(sessionID, taskID string, kind storage.Kind) (string, error) {
	if err := validateSegment(sessionID); err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	if err := validateSegment(taskID); err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}
	return filepath.Join(m.root, string(kind), sessionID, taskID), nil
}

// validateSegment rejects path separators and traversal sequences in an
// identifier before it is used to build a filesystem path. Task ids are
// server-generated UUIDs and session ids are screened by session.Validate
// before they reach storage, so any match here indicates a caller bug
// rather than routine input.
func validateSegment(s string) error {
	if s == "" {
		return fmt.Errorf("empty identifier")
	}
	if strings.ContainsAny(s, `/\`) || s == ".." || s == "." {
		return fmt.Errorf("invalid identifier %q", s)
	}
	return nil
}

func objectPath(dir, name string) (string, error) {
	if err := validateSegment(name); err != nil {
		return "", fmt.Errorf("object name: %w", err)
	}
	return filepath.Join(dir, name), nil
}

func (m *Manager) Put(ctx context.Context, sessionID, taskID string, kind storage.Kind, name string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dir, err := m.objectDir(sessionID, taskID, kind)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create object directory: %w", err)
	}

	dest, err := objectPath(dir, name)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, fmt.Errorf("finalize object: %w", err)
	}

	return n, nil
}

func (m *Manager) Get(ctx context.Context, sessionID, taskID string, kind storage.Kind, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := m.objectDir(sessionID, taskID, kind)
	if err != nil {
		return nil, err
	}
	path, err := objectPath(dir, name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

func (m *Manager) Stat(ctx context.Context, sessionID, taskID string, kind storage.Kind, name string) (*storage.ObjectStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := m.objectDir(sessionID, taskID, kind)
	if err != nil {
		return nil, err
	}
	path, err := objectPath(dir, name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat object: %w", err)
	}
	return &storage.ObjectStats{Size: info.Size()}, nil
}

func (m *Manager) List(ctx context.Context, sessionID, taskID string, kind storage.Kind) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := m.objectDir(sessionID, taskID, kind)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (m *Manager) DeleteTask(ctx context.Context, sessionID, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSegment(sessionID); err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	if err := validateSegment(taskID); err != nil {
		return fmt.Errorf("task id: %w", err)
	}

	for _, kind := range []storage.Kind{storage.KindInput, storage.KindOutput} {
		dir := filepath.Join(m.root, string(kind), sessionID, taskID)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("delete %s objects: %w", kind, err)
		}
	}
	return nil
}

// Sweep walks uploads (kind "input") and outputs (kind "output") under the
// storage root and removes every file older than cutoff, skipping any
// subtree whose task id is in activeTasks so the sweeper never races the
// worker currently holding that task. Task subtrees are independent of one
// another, so they are walked concurrently (bounded by sweepConcurrency)
// via errgroup, with a mutex guarding the shared result accumulator.
func (m *Manager) Sweep(ctx context.Context, cutoff time.Time, activeTasks map[string]struct{}) (storage.SweepResult, error) {
	var (
		result storage.SweepResult
		mu     sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, kind := range []storage.Kind{storage.KindInput, storage.KindOutput} {
		base := filepath.Join(m.root, string(kind))

		sessionEntries, err := os.ReadDir(base)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return result, fmt.Errorf("sweep: list %s: %w", kind, err)
		}

		for _, sessEntry := range sessionEntries {
			if err := gctx.Err(); err != nil {
				break
			}
			if !sessEntry.IsDir() {
				continue
			}
			sessionID := sessEntry.Name()
			sessionDir := filepath.Join(base, sessionID)

			taskEntries, err := os.ReadDir(sessionDir)
			if err != nil {
				continue
			}

			for _, taskEntry := range taskEntries {
				if !taskEntry.IsDir() {
					continue
				}
				taskID := taskEntry.Name()
				if _, active := activeTasks[taskID]; active {
					continue
				}

				sessionID, taskID := sessionID, taskID
				taskDir := filepath.Join(sessionDir, taskID)
				g.Go(func() error {
					if err := gctx.Err(); err != nil {
						return err
					}

					var local storage.SweepResult
					removedAny, err := sweepTaskDir(taskDir, cutoff, &local)
					if err != nil {
						return fmt.Errorf("sweep %s: %w", taskDir, err)
					}

					mu.Lock()
					defer mu.Unlock()
					result.FilesRemoved += local.FilesRemoved
					result.BytesRemoved += local.BytesRemoved
					if removedAny {
						result.AffectedTasks = append(result.AffectedTasks, storage.TaskRef{
							SessionID: sessionID,
							TaskID:    taskID,
						})
					}
					return nil
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		return result, err
	}

	return result, nil
}

// sweepTaskDir deletes every file under dir whose mtime predates cutoff,
// accumulating counts into result. Returns whether any file was removed.
func sweepTaskDir(dir string, cutoff time.Time, result *storage.SweepResult) (bool, error) {
	removedAny := false
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return rmErr
		}
		result.FilesRemoved++
		result.BytesRemoved += info.Size()
		removedAny = true
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return removedAny, err
	}
	return removedAny, nil
}

func (m *Manager) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe := filepath.Join(m.root, ".healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("storage root not writable: %w", err)
	}
	return os.Remove(probe)
}
