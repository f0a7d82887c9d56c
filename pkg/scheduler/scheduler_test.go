package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yingcaihuang/invoice-pretty/pkg/registry"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry/memory"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage/local"
	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

func newTestPool(t *testing.T) (*Pool, registry.Registry) {
	t.Helper()
	reg := memory.New(registry.DefaultTTLConfig())
	t.Cleanup(func() { _ = reg.Close() })

	st, err := local.New(t.TempDir())
	require.NoError(t, err)

	return New(Config{Workers: 0, QueueCapacity: 8}, reg, st), reg
}

func newRecord(sessionID, taskID string, status task.Status) *task.Record {
	now := time.Now().UTC()
	return &task.Record{
		TaskID:    taskID,
		SessionID: sessionID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCancelQueuedTaskTransitionsToCancelled(t *testing.T) {
	pool, reg := newTestPool(t)
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, newRecord("s1", "t1", task.StatusQueued)))

	require.NoError(t, pool.Cancel(ctx, "t1"))

	rec, err := reg.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, rec.Status)
}

// TestCancelTerminalTaskIsNoOp covers the specification's explicit rule
// that cancelling an already-terminal task is a no-op reported as
// success, not an illegal-transition error: a bare CAS attempt from
// "queued" would fail with task.ErrStaleState for any of these statuses.
func TestCancelTerminalTaskIsNoOp(t *testing.T) {
	for _, status := range []task.Status{
		task.StatusCompleted,
		task.StatusFailed,
		task.StatusExpired,
		task.StatusCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			pool, reg := newTestPool(t)
			ctx := context.Background()

			require.NoError(t, reg.Create(ctx, newRecord("s1", "t1", status)))

			assert.NoError(t, pool.Cancel(ctx, "t1"))

			rec, err := reg.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, status, rec.Status, "a no-op cancel must not alter the terminal status")
		})
	}
}

func TestCancelUnknownTaskReturnsNotFound(t *testing.T) {
	pool, _ := newTestPool(t)
	err := pool.Cancel(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, task.ErrNotFound)
}
