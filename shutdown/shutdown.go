// Package shutdown coordinates the graceful shutdown of queue workers. On a
// termination signal, a fatal error or an explicit call it optionally waits
// for queues to drain, stops all workers in parallel and reports timeouts
// without ever hanging the process.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"goa.design/groupmq/groupmq"
	"goa.design/groupmq/queue"
)

type (
	// Worker is implemented by queue.Worker.
	Worker interface {
		Stop(ctx context.Context) error
		Status() queue.WorkerStatus
	}

	// Queue is implemented by queue.Queue.
	Queue interface {
		WaitForEmpty(ctx context.Context, timeout time.Duration) (bool, error)
	}

	// Coordinator stops a set of workers gracefully.
	Coordinator struct {
		workers           []Worker
		queues            []Queue
		queueEmptyTimeout time.Duration
		workerStopTimeout time.Duration
		logger            groupmq.Logger
		exit              func(code int)

		sigc      chan os.Signal
		closed    chan struct{}
		closeOnce sync.Once

		once sync.Once
		done chan struct{}
		err  error

		lock   sync.Mutex
		state  State
		reason string
	}

	// Status is a snapshot of the coordinator and its workers.
	Status struct {
		State State
		// Reason is the shutdown trigger, if any.
		Reason  string
		Workers []queue.WorkerStatus
	}

	// State is the coordinator state.
	State string
)

const (
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

// Setup returns a coordinator for the given workers and queues and starts
// listening for termination signals. Call Close to stop listening.
func Setup(workers []Worker, queues []Queue, opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	c := &Coordinator{
		workers:           workers,
		queues:            queues,
		queueEmptyTimeout: o.queueEmptyTimeout,
		workerStopTimeout: o.workerStopTimeout,
		logger:            o.logger.WithPrefix("component", "shutdown"),
		exit:              o.exit,
		closed:            make(chan struct{}),
		done:              make(chan struct{}),
		state:             StateRunning,
	}
	if len(o.signals) > 0 {
		c.sigc = make(chan os.Signal, 1)
		signal.Notify(c.sigc, o.signals...)
		groupmq.Go(c.logger, c.handleSignals)
	}
	return c
}

// Shutdown drains the queues, if configured to, then stops all workers. It
// returns once all workers stopped or timed out. Concurrent and subsequent
// calls wait for the first shutdown and return its result.
func (c *Coordinator) Shutdown(ctx context.Context, reason string) error {
	c.once.Do(func() {
		c.lock.Lock()
		c.state = StateShuttingDown
		c.reason = reason
		c.lock.Unlock()
		c.logger.Info("shutting down", "reason", reason, "workers", len(c.workers), "queues", len(c.queues))

		start := time.Now()
		c.drain(ctx)
		c.err = c.stopWorkers(ctx)

		c.lock.Lock()
		c.state = StateStopped
		c.lock.Unlock()
		c.logger.Info("shutdown complete", "duration", time.Since(start))
		close(c.done)
	})
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fatal shuts down and exits the process with code 1.
func (c *Coordinator) Fatal(err error) {
	c.logger.Error(fmt.Errorf("fatal error: %w", err))
	if serr := c.Shutdown(context.Background(), "fatal: "+err.Error()); serr != nil {
		c.logger.Error(serr)
	}
	c.exit(1)
}

// Recover turns a panic into a call to Fatal. It must be deferred:
//
//	defer coordinator.Recover()
func (c *Coordinator) Recover() {
	if r := recover(); r != nil {
		c.Fatal(fmt.Errorf("panic: %v", r))
	}
}

// Status returns the coordinator state and the status of each worker.
func (c *Coordinator) Status() Status {
	c.lock.Lock()
	st := Status{State: c.state, Reason: c.reason}
	c.lock.Unlock()
	st.Workers = make([]queue.WorkerStatus, len(c.workers))
	for i, w := range c.workers {
		st.Workers[i] = w.Status()
	}
	return st
}

// Done returns a channel closed once a shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Close stops listening for signals. It does not shut down the workers.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		if c.sigc != nil {
			signal.Stop(c.sigc)
		}
		close(c.closed)
	})
}

func (c *Coordinator) handleSignals() {
	select {
	case sig := <-c.sigc:
		if err := c.Shutdown(context.Background(), "signal: "+sig.String()); err != nil {
			c.logger.Error(err)
		}
		c.exit(0)
	case <-c.closed:
	}
}

// drain waits for all queues to be empty, up to the queue empty timeout.
func (c *Coordinator) drain(ctx context.Context) {
	if c.queueEmptyTimeout <= 0 || len(c.queues) == 0 {
		return
	}
	var g errgroup.Group
	for i, q := range c.queues {
		i, q := i, q
		g.Go(func() error {
			empty, err := q.WaitForEmpty(ctx, c.queueEmptyTimeout)
			if err != nil {
				return fmt.Errorf("queue %d: %w", i, err)
			}
			if !empty {
				c.logger.Info("queue not empty after timeout", "queue", i, "timeout", c.queueEmptyTimeout)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error(fmt.Errorf("failed to drain queues: %w", err))
	}
}

// stopWorkers stops all workers in parallel, each bounded by the worker stop
// timeout.
func (c *Coordinator) stopWorkers(ctx context.Context) error {
	var (
		g    errgroup.Group
		lock sync.Mutex
		errs []error
	)
	for _, w := range c.workers {
		w := w
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, c.workerStopTimeout)
			defer cancel()
			if err := w.Stop(sctx); err != nil {
				st := w.Status()
				c.logger.Error(err, "worker", st.WorkerID, "job", st.JobID, "elapsed", st.Elapsed)
				lock.Lock()
				errs = append(errs, err)
				lock.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
