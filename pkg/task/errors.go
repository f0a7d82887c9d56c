package task

import "errors"

// ============================================================================
// Standard Task/Registry Errors
// ============================================================================
//
// These errors provide a consistent way to indicate common failure conditions
// across the registry, storage, and scheduler packages. The HTTP layer checks
// for these errors with errors.Is and maps them to the status codes noted
// below.

var (
	// ErrNotFound indicates the requested task does not exist, or exists but
	// is owned by a different session. The two cases are deliberately
	// collapsed to avoid an existence oracle.
	//
	// HTTP mapping: 404 Not Found, code NOT_FOUND
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyExists indicates a task with this id has already been
	// created. Task ids are server-generated UUIDs, so this should only
	// ever fire on a genuine collision.
	ErrAlreadyExists = errors.New("task already exists")

	// ErrStaleState indicates a CAS status update observed a status outside
	// the caller's expected set. The caller lost a race with another
	// mutator (worker, cancel, sweeper).
	ErrStaleState = errors.New("task status changed concurrently")

	// ErrInvalidTransition indicates the requested status change is not a
	// legal edge in the status DAG.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrMissingSession indicates the caller did not present a session
	// identifier where one is required.
	//
	// HTTP mapping: 401 Unauthorized, code MISSING_SESSION
	ErrMissingSession = errors.New("missing session identifier")

	// ErrBackpressure indicates the worker queue is at its configured
	// high-water mark and cannot accept new work.
	//
	// HTTP mapping: 429 Too Many Requests, code BACKPRESSURE
	ErrBackpressure = errors.New("worker queue at capacity")

	// ErrBadInput indicates an unreadable PDF or malformed ZIP was supplied
	// to the imposition engine.
	//
	// HTTP mapping: n/a (recorded on the task, not surfaced as an HTTP error)
	ErrBadInput = errors.New("unreadable input")

	// ErrEmptyBatch indicates the input batch contributed zero pages.
	ErrEmptyBatch = errors.New("input batch has no pages")

	// ErrOversize indicates the aggregate estimated memory for a job
	// exceeds the configured ceiling, or a ZIP entry exceeds the configured
	// decompression ratio/size ceiling.
	ErrOversize = errors.New("input exceeds size ceiling")

	// ErrTimeout indicates a task exceeded its hard time limit and was
	// forcibly terminated.
	ErrTimeout = errors.New("task exceeded hard time limit")

	// ErrCancelled indicates the task was cancelled, either while queued or
	// cooperatively while processing.
	ErrCancelled = errors.New("task cancelled")

	// ErrShutdown indicates the task was still active when the server's
	// graceful-shutdown drain deadline elapsed.
	ErrShutdown = errors.New("task aborted by server shutdown")
)
