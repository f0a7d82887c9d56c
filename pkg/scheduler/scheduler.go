// Package scheduler runs the fixed worker pool that turns a queued task
// into a composite PDF: dequeue, CAS to processing, expand any ZIP
// inputs, invoke the imposition engine, persist the result, and CAS to a
// terminal status. Queue and lifecycle management follow the teacher's
// background uploader: a bounded channel queue, a fixed worker count, and
// a stopCh/stoppedCh pair for graceful drain on shutdown.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yingcaihuang/invoice-pretty/internal/logger"
	"github.com/yingcaihuang/invoice-pretty/pkg/impose"
	"github.com/yingcaihuang/invoice-pretty/pkg/metrics"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

// Config controls pool sizing and the per-task time budget.
type Config struct {
	// Workers is the fixed number of worker goroutines.
	Workers int
	// QueueCapacity is the channel's buffer size; Enqueue fails fast past
	// this high-water mark rather than blocking the submitting request.
	QueueCapacity int
	// SoftTimeout logs a warning when a task runs past it; the work unit
	// is not interrupted and keeps running until it finishes or
	// HardTimeout cancels it.
	SoftTimeout time.Duration
	// HardTimeout forcibly cancels the work unit's context.
	HardTimeout time.Duration
	// CleanupInterval is how often the sweeper runs.
	CleanupInterval time.Duration
	// RetentionHorizon is how old an object must be before the sweeper
	// removes it.
	RetentionHorizon time.Duration
	// FairScheduling enables a simple per-session round-robin instead of
	// strict FIFO. Not implemented by the default queue, which always
	// dequeues in FIFO order; present so config plumbing matches the
	// spec's named key.
	FairScheduling bool
	// MaxJobsPerWorker recycles a worker goroutine after this many
	// completed jobs, bounding any single goroutine's accumulated memory.
	// Zero disables recycling.
	MaxJobsPerWorker int
	Layout           impose.LayoutConfig
	ArchiveLimits    storage.ArchiveLimits
}

// DefaultConfig matches the spec's defaults: 4 workers, 55m/60m soft/hard
// timeouts, a 6h cleanup interval.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueCapacity:    256,
		SoftTimeout:      55 * time.Minute,
		HardTimeout:      60 * time.Minute,
		CleanupInterval:  6 * time.Hour,
		RetentionHorizon: 24 * time.Hour,
		MaxJobsPerWorker: 0,
		Layout:           impose.DefaultLayoutConfig(),
		ArchiveLimits: storage.ArchiveLimits{
			MaxEntryBytes:    50 << 20,
			MaxTotalBytes:    200 << 20,
			MaxCompressRatio: 200,
			MaxEntries:       500,
		},
	}
}

// Pool is the task scheduler / worker pool.
type Pool struct {
	cfg Config
	reg registry.Registry
	st  storage.Manager

	queue     chan string
	workers   int
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}
	started   bool
	mu        sync.Mutex

	cancelFuncs map[string]context.CancelFunc
	cancelMu    sync.Mutex

	jobsDone int

	metrics       *metrics.SchedulerMetrics
	activeWorkers int32
}

// New constructs a Pool bound to a Registry and Storage Manager.
func New(cfg Config, reg registry.Registry, st storage.Manager) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}

	return &Pool{
		cfg:         cfg,
		reg:         reg,
		st:          st,
		queue:       make(chan string, cfg.QueueCapacity),
		workers:     cfg.Workers,
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
		cancelFuncs: make(map[string]context.CancelFunc),
		metrics:     metrics.NewSchedulerMetrics(),
	}
}

// Start launches the worker goroutines and the periodic sweeper.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	logger.Info("starting scheduler", logger.WorkerID(p.workers))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	go func() {
		p.wg.Wait()
		close(p.stoppedCh)
	}()

	go p.sweepLoop(ctx)
}

// Stop signals workers to drain and waits up to timeout for them to
// finish the task they currently hold. Tasks still processing at the
// deadline are CAS'd to failed with ErrorKindShutdown.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.stoppedCh:
		logger.Info("scheduler stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("scheduler stop timed out, failing in-flight tasks")
		p.failAllInFlight(context.Background())
	}
}

// Submit enqueues taskID for processing. Returns false (Backpressure) if
// the queue is at capacity; the caller must not retain the uploaded
// files in that case.
func (p *Pool) Submit(taskID string) bool {
	select {
	case p.queue <- taskID:
		p.metrics.SetQueueDepth(len(p.queue))
		return true
	default:
		logger.Warn("scheduler queue full, rejecting submission", logger.TaskID(taskID))
		return false
	}
}

// QueueDepth reports the number of tasks currently buffered, for the
// queue-stats projection.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// Cancel requests cancellation of taskID. A queued task is cancelled
// directly in the registry; the worker that eventually dequeues it will
// observe the CAS conflict and discard it. A processing task's context is
// cancelled, which the work unit observes at its next cooperative
// checkpoint. Cancelling a task already in a terminal state is a no-op
// per the specification and reported as success rather than as an
// illegal-transition error.
func (p *Pool) Cancel(ctx context.Context, taskID string) error {
	p.cancelMu.Lock()
	cancel, inFlight := p.cancelFuncs[taskID]
	p.cancelMu.Unlock()

	if inFlight {
		cancel()
		return nil
	}

	rec, err := p.reg.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Terminal(rec.Status) {
		return nil
	}

	_, err = p.reg.UpdateStatus(ctx, taskID, []task.Status{task.StatusQueued}, task.StatusCancelled, registry.UpdateFields{})
	return err
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	jobs := 0
	for {
		select {
		case <-p.stopCh:
			p.drainQueue(ctx)
			return
		case <-ctx.Done():
			return
		case taskID, ok := <-p.queue:
			if !ok {
				return
			}
			p.metrics.SetQueueDepth(len(p.queue))
			n := atomic.AddInt32(&p.activeWorkers, 1)
			p.metrics.SetActiveWorkers(int(n))
			p.runTask(ctx, taskID, id)
			n = atomic.AddInt32(&p.activeWorkers, -1)
			p.metrics.SetActiveWorkers(int(n))
			jobs++
			if p.cfg.MaxJobsPerWorker > 0 && jobs >= p.cfg.MaxJobsPerWorker {
				// Recycle: hand this worker slot to a fresh goroutine.
				p.wg.Add(1)
				go p.worker(ctx, id)
				return
			}
		}
	}
}

func (p *Pool) drainQueue(ctx context.Context) {
	for {
		select {
		case taskID, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(ctx, taskID, -1)
		default:
			return
		}
	}
}

func (p *Pool) failAllInFlight(ctx context.Context) {
	p.cancelMu.Lock()
	ids := make([]string, 0, len(p.cancelFuncs))
	for id := range p.cancelFuncs {
		ids = append(ids, id)
	}
	p.cancelMu.Unlock()

	shutdownKind := task.ErrorKindShutdown
	msg := task.ErrShutdown.Error()
	for _, id := range ids {
		_, _ = p.reg.UpdateStatus(ctx, id, []task.Status{task.StatusProcessing}, task.StatusFailed, registry.UpdateFields{
			ErrorKind: &shutdownKind,
			ErrorMsg:  &msg,
		})
	}
}

// runTask executes the worker loop from §4.D: CAS to processing, expand
// inputs, compose, persist, CAS to a terminal status.
func (p *Pool) runTask(parent context.Context, taskID string, workerID int) {
	rec, err := p.reg.UpdateStatus(parent, taskID, []task.Status{task.StatusQueued}, task.StatusProcessing, registry.UpdateFields{})
	if err != nil {
		// Lost the CAS race: the task was cancelled or retried elsewhere.
		logger.Debug("discarding task, CAS conflict", logger.TaskID(taskID), logger.Err(err))
		return
	}

	workCtx, cancel := context.WithTimeout(parent, p.cfg.HardTimeout)
	p.cancelMu.Lock()
	p.cancelFuncs[taskID] = cancel
	p.cancelMu.Unlock()
	defer func() {
		p.cancelMu.Lock()
		delete(p.cancelFuncs, taskID)
		p.cancelMu.Unlock()
		cancel()
	}()

	softTimer := time.AfterFunc(p.cfg.SoftTimeout, func() {
		logger.Warn("task exceeded soft time limit", logger.TaskID(taskID))
	})
	defer softTimer.Stop()

	logger.Info("processing task", logger.TaskID(taskID), logger.WorkerID(workerID))

	outcome := p.process(workCtx, rec)
	if outcome.cancelled && workCtx.Err() == context.DeadlineExceeded {
		outcome = taskOutcome{err: task.ErrTimeout, kind: task.ErrorKindTimeout}
	}

	switch {
	case outcome.cancelled:
		_, _ = p.reg.UpdateStatus(parent, taskID, []task.Status{task.StatusProcessing}, task.StatusCancelled, registry.UpdateFields{})
		_ = p.st.DeleteTask(parent, rec.SessionID, taskID)
		p.metrics.ObserveOutcome("cancelled")
	case outcome.err != nil:
		kind := outcome.kind
		msg := outcome.err.Error()
		_, _ = p.reg.UpdateStatus(parent, taskID, []task.Status{task.StatusProcessing}, task.StatusFailed, registry.UpdateFields{
			ErrorKind: &kind,
			ErrorMsg:  &msg,
		})
		p.metrics.ObserveOutcome("failed")
	default:
		now := time.Now().UTC()
		outputs := []string{outcome.outputName}
		_, _ = p.reg.UpdateStatus(parent, taskID, []task.Status{task.StatusProcessing}, task.StatusCompleted, registry.UpdateFields{
			OutputRefs:  outputs,
			CompletedAt: &now,
		})
		p.metrics.ObserveOutcome("completed")
		p.metrics.ObserveCompletionSeconds(now.Sub(rec.CreatedAt).Seconds())
	}
}

type taskOutcome struct {
	err        error
	kind       task.ErrorKind
	cancelled  bool
	outputName string
}

func (p *Pool) process(ctx context.Context, rec *task.Record) taskOutcome {
	_ = p.reg.UpdateProgress(ctx, rec.TaskID, 5, "extracting")

	inputs, cleanupInputs, err := p.collectInputs(ctx, rec)
	defer cleanupInputs()
	if err != nil {
		return classifyErr(err)
	}

	if err := ctx.Err(); err != nil {
		return taskOutcome{cancelled: true}
	}

	outputName := "result.pdf"
	outPath, cleanup, err := p.tempOutputPath(rec.TaskID, outputName)
	if err != nil {
		return taskOutcome{err: err, kind: task.ErrorKindInternal}
	}
	defer cleanup()

	progress := newCoalescedProgress(func(pct int, stage string) {
		_ = p.reg.UpdateProgress(ctx, rec.TaskID, pct, stage)
	})

	err = impose.Compose(ctx, inputs, p.cfg.Layout, outPath, func(placed, total int) {
		progress.report(placed, total)
	})
	if err != nil {
		if ctx.Err() != nil {
			return taskOutcome{cancelled: true}
		}
		return classifyErr(err)
	}

	if err := ctx.Err(); err != nil {
		return taskOutcome{cancelled: true}
	}

	f, err := openFile(outPath)
	if err != nil {
		return taskOutcome{err: err, kind: task.ErrorKindInternal}
	}
	defer f.Close()

	if _, err := p.st.Put(ctx, rec.SessionID, rec.TaskID, storage.KindOutput, outputName, f); err != nil {
		return taskOutcome{err: err, kind: task.ErrorKindInternal}
	}

	_ = p.reg.UpdateProgress(ctx, rec.TaskID, 100, "done")
	return taskOutcome{outputName: outputName}
}

func classifyErr(err error) taskOutcome {
	switch {
	case isErr(err, task.ErrBadInput), isErr(err, task.ErrEmptyBatch):
		return taskOutcome{err: err, kind: task.ErrorKindBadInput}
	case isErr(err, task.ErrOversize):
		return taskOutcome{err: err, kind: task.ErrorKindOversize}
	case isErr(err, task.ErrTimeout):
		return taskOutcome{err: err, kind: task.ErrorKindTimeout}
	default:
		return taskOutcome{err: err, kind: task.ErrorKindInternal}
	}
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunSweep(ctx)
		}
	}
}

// RunSweep performs one pass of the periodic sweeper from §4.D: delete
// files older than the retention horizon, then flip any completed record
// whose files are gone to expired. Exported so the administrative cleanup
// trigger endpoint can force an off-schedule sweep.
func (p *Pool) RunSweep(ctx context.Context) storage.SweepResult {
	cutoff := time.Now().Add(-p.cfg.RetentionHorizon)

	p.cancelMu.Lock()
	active := make(map[string]struct{}, len(p.cancelFuncs))
	for id := range p.cancelFuncs {
		active[id] = struct{}{}
	}
	p.cancelMu.Unlock()

	logger.Info("running periodic cleanup sweep", logger.Stage("sweep"))

	result, err := p.st.Sweep(ctx, cutoff, active)
	if err != nil {
		logger.Error("sweep failed", logger.Err(err))
		return result
	}

	for _, ref := range result.AffectedTasks {
		rec, err := p.reg.Get(ctx, ref.TaskID)
		if err != nil {
			continue
		}
		if rec.Status != task.StatusCompleted {
			continue
		}
		if _, err := p.reg.UpdateStatus(ctx, ref.TaskID, []task.Status{task.StatusCompleted}, task.StatusExpired, registry.UpdateFields{}); err != nil {
			logger.Debug("sweep: could not expire record, lost CAS race", logger.TaskID(ref.TaskID), logger.Err(err))
			continue
		}
		p.metrics.ObserveOutcome("expired")
	}

	logger.Info("cleanup sweep complete",
		slog.Int("files_removed", result.FilesRemoved),
		slog.Int64("bytes_removed", result.BytesRemoved),
		slog.Int("tasks_affected", len(result.AffectedTasks)))

	return result
}
