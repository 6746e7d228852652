package queue

import (
	"time"

	"goa.design/groupmq/groupmq"
)

type (
	// WorkerOption is a worker creation option.
	WorkerOption func(*workerOptions)

	// ErrorHandler is called with the last error of a job that was
	// dead-lettered.
	ErrorHandler func(err error, job *Job)

	workerOptions struct {
		visibilityTimeout time.Duration
		pollInterval      time.Duration
		blockTimeout      time.Duration
		blocking          bool
		backoff           BackoffFunc
		onError           ErrorHandler
		cleanup           bool
		cleanupInterval   time.Duration
		redeliveryDelay   time.Duration
		heartbeat         time.Duration
		logger            groupmq.Logger
	}
)

// WithVisibilityTimeout sets the duration after which an unacknowledged
// reservation is reclaimed and its job redelivered. The default is 30s.
func WithVisibilityTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.visibilityTimeout = d
	}
}

// WithPolling makes the worker poll the store for due jobs every interval
// when idle.
func WithPolling(interval time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.blocking = false
		o.pollInterval = interval
	}
}

// WithBlocking makes the worker wait up to timeout for a ready notification
// from the store when idle. This is the default with a 5s timeout.
func WithBlocking(timeout time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.blocking = true
		o.blockTimeout = timeout
	}
}

// WithBackoff sets the function computing the retry delay of failed jobs. The
// default is DefaultBackoff.
func WithBackoff(backoff BackoffFunc) WorkerOption {
	return func(o *workerOptions) {
		o.backoff = backoff
	}
}

// WithOnError sets the handler called once for each job dead-lettered by the
// worker or by its reclaimer.
func WithOnError(h ErrorHandler) WorkerOption {
	return func(o *workerOptions) {
		o.onError = h
	}
}

// WithCleanup sets the interval of the worker's reclaim sweeps. A zero
// interval disables the sweeps. The default is 60s.
func WithCleanup(interval time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.cleanup = interval > 0
		o.cleanupInterval = interval
	}
}

// WithRedeliveryDelay delays the redelivery of reclaimed jobs by d.
func WithRedeliveryDelay(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.redeliveryDelay = d
	}
}

// WithHeartbeat makes the worker extend the reservation of the job being
// processed every interval. The reservation is extended by the visibility
// timeout. Heartbeats are disabled by default.
func WithHeartbeat(interval time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.heartbeat = interval
	}
}

// WithWorkerLogger sets the worker logger. The default is the queue logger.
func WithWorkerLogger(logger groupmq.Logger) WorkerOption {
	return func(o *workerOptions) {
		o.logger = logger
	}
}

func defaultWorkerOptions() *workerOptions {
	return &workerOptions{
		visibilityTimeout: 30 * time.Second,
		pollInterval:      100 * time.Millisecond,
		blockTimeout:      5 * time.Second,
		blocking:          true,
		backoff:           DefaultBackoff,
		cleanup:           true,
		cleanupInterval:   60 * time.Second,
	}
}
