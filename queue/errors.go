package queue

import "errors"

var (
	// ErrVisibilityTimeout is passed to the worker error handler for jobs
	// dead-lettered by the reclaimer: the job reservation expired on its last
	// attempt.
	ErrVisibilityTimeout = errors.New("visibility timeout expired")

	// ErrWorkerStopped is returned by Run on a worker that was stopped.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrWorkerRunning is returned by Run on a worker that is already running.
	ErrWorkerRunning = errors.New("worker already running")
)
