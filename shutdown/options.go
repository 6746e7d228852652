package shutdown

import (
	"os"
	"syscall"
	"time"

	"goa.design/groupmq/groupmq"
)

type (
	// Option is a coordinator creation option.
	Option func(*options)

	options struct {
		queueEmptyTimeout time.Duration
		workerStopTimeout time.Duration
		logger            groupmq.Logger
		exit              func(code int)
		signals           []os.Signal
	}
)

// WithQueueEmptyTimeout sets the maximum time to wait for the queues to drain
// before stopping the workers. Zero skips the wait. The default is 0.
func WithQueueEmptyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.queueEmptyTimeout = d
	}
}

// WithWorkerStopTimeout sets the maximum time each worker is given to finish
// its job in progress. The default is 30s.
func WithWorkerStopTimeout(d time.Duration) Option {
	return func(o *options) {
		o.workerStopTimeout = d
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger groupmq.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithExitFunc sets the function called with the process exit code once a
// shutdown triggered by a signal or a fatal error completes. The default is
// os.Exit.
func WithExitFunc(exit func(code int)) Option {
	return func(o *options) {
		o.exit = exit
	}
}

// WithSignals sets the signals that trigger a shutdown. The default is
// SIGINT and SIGTERM. Calling WithSignals with no signal disables signal
// handling.
func WithSignals(sigs ...os.Signal) Option {
	return func(o *options) {
		o.signals = sigs
	}
}

func defaultOptions() *options {
	return &options{
		workerStopTimeout: 30 * time.Second,
		logger:            groupmq.NoopLogger(),
		exit:              os.Exit,
		signals:           []os.Signal{os.Interrupt, syscall.SIGTERM},
	}
}
