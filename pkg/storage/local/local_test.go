package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
)

func newTestManager(t *testing.T) *Manager {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	return m
}

func TestPutAndGetRoundtrips(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	n, err := m.Put(ctx, "s1", "t1", storage.KindInput, "0.pdf", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	rc, err := m.Get(ctx, "s1", "t1", storage.KindInput, "0.pdf")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get(context.Background(), "s1", "t1", storage.KindInput, "missing.pdf")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatReturnsSize(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Put(ctx, "s1", "t1", storage.KindOutput, "result.pdf", bytes.NewReader(make([]byte, 1234)))
	require.NoError(t, err)

	stats, err := m.Stat(ctx, "s1", "t1", storage.KindOutput, "result.pdf")
	require.NoError(t, err)
	assert.EqualValues(t, 1234, stats.Size)
}

func TestListReturnsStoredNames(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Put(ctx, "s1", "t1", storage.KindInput, "0.pdf", bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	_, err = m.Put(ctx, "s1", "t1", storage.KindInput, "1.pdf", bytes.NewReader([]byte("b")))
	require.NoError(t, err)

	names, err := m.List(ctx, "s1", "t1", storage.KindInput)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0.pdf", "1.pdf"}, names)
}

func TestDeleteTaskRemovesBothKinds(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Put(ctx, "s1", "t1", storage.KindInput, "0.pdf", bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	_, err = m.Put(ctx, "s1", "t1", storage.KindOutput, "result.pdf", bytes.NewReader([]byte("b")))
	require.NoError(t, err)

	require.NoError(t, m.DeleteTask(ctx, "s1", "t1"))

	_, err = m.Get(ctx, "s1", "t1", storage.KindInput, "0.pdf")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = m.Get(ctx, "s1", "t1", storage.KindOutput, "result.pdf")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPathTraversalRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Put(ctx, "../escape", "t1", storage.KindInput, "0.pdf", bytes.NewReader([]byte("a")))
	assert.Error(t, err)

	_, err = m.Put(ctx, "s1", "t1", storage.KindInput, "../../escape.pdf", bytes.NewReader([]byte("a")))
	assert.Error(t, err)
}

func TestHealthcheckSucceedsOnWritableRoot(t *testing.T) {
	m := newTestManager(t)
	assert.NoError(t, m.Healthcheck(context.Background()))
}

// ageFile backdates a file's mtime so it falls on the expired side of a
// sweep cutoff without waiting in real time.
func ageFile(t *testing.T, path string, age time.Duration) {
	t.Helper()
	when := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, when, when))
}

// TestSweepRemovesExpiredFilesAcrossManyTasksConcurrently exercises the
// fan-out across task subtrees: enough tasks are created that, bounded by
// sweepConcurrency, more than one wave of goroutines is required, and the
// shared result accumulator must reflect every one of them.
func TestSweepRemovesExpiredFilesAcrossManyTasksConcurrently(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	cutoff := time.Now().Add(-time.Hour)

	const numTasks = sweepConcurrency*2 + 3
	for i := 0; i < numTasks; i++ {
		taskID := fmt.Sprintf("t%d", i)
		_, err := m.Put(ctx, "s1", taskID, storage.KindOutput, "result.pdf", bytes.NewReader([]byte("stale")))
		require.NoError(t, err)
		path := filepath.Join(m.root, string(storage.KindOutput), "s1", taskID, "result.pdf")
		ageFile(t, path, 2*time.Hour)
	}

	// One fresh task must survive the sweep untouched.
	_, err := m.Put(ctx, "s1", "fresh", storage.KindOutput, "result.pdf", bytes.NewReader([]byte("new")))
	require.NoError(t, err)

	// One active task must be skipped even though its file is stale.
	_, err = m.Put(ctx, "s1", "active", storage.KindOutput, "result.pdf", bytes.NewReader([]byte("stale")))
	require.NoError(t, err)
	ageFile(t, filepath.Join(m.root, string(storage.KindOutput), "s1", "active", "result.pdf"), 2*time.Hour)

	result, err := m.Sweep(ctx, cutoff, map[string]struct{}{"active": {}})
	require.NoError(t, err)

	assert.EqualValues(t, numTasks, result.FilesRemoved)
	assert.Len(t, result.AffectedTasks, numTasks)

	_, err = m.Get(ctx, "s1", "fresh", storage.KindOutput, "result.pdf")
	assert.NoError(t, err)
	_, err = m.Get(ctx, "s1", "active", storage.KindOutput, "result.pdf")
	assert.NoError(t, err, "active tasks must be skipped by the sweep regardless of file age")
}
