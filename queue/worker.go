package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"goa.design/groupmq/groupmq"
	"goa.design/groupmq/store"
)

type (
	// Handler processes a job. Returning an error fails the attempt.
	Handler func(ctx context.Context, job *Job) error

	// Worker reserves jobs from a queue and runs them through a handler, one
	// job at a time.
	Worker struct {
		// ID is the worker identifier recorded on reservations.
		ID string
		// Queue is the queue the worker consumes.
		Queue *Queue

		handler           Handler
		visibilityTimeout time.Duration
		pollInterval      time.Duration
		blockTimeout      time.Duration
		blocking          bool
		backoff           BackoffFunc
		onError           ErrorHandler
		heartbeat         time.Duration
		reclaimer         *Reclaimer
		logger            groupmq.Logger

		lock      sync.Mutex
		current   *Job
		startedAt time.Time
		running   bool
		stopping  bool
		stop      chan struct{}
		done      chan struct{}
	}

	// WorkerStatus is a snapshot of a worker state.
	WorkerStatus struct {
		WorkerID   string
		Running    bool
		Processing bool
		// JobID, GroupID and Attempts describe the job being processed.
		JobID    string
		GroupID  string
		Attempts int
		// Elapsed is the time spent processing the current job.
		Elapsed time.Duration
	}
)

const (
	// maxAckRetries is the number of times a failed Complete or Fail call is
	// retried before the job is left to the reclaimer.
	maxAckRetries = 5

	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
)

// NewWorker returns a worker that processes the queue jobs with h. Call Run to
// start processing.
func (q *Queue) NewWorker(h Handler, opts ...WorkerOption) (*Worker, error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	o := defaultWorkerOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.visibilityTimeout <= 0 {
		return nil, fmt.Errorf("visibility timeout must be positive, got %s", o.visibilityTimeout)
	}
	if o.blocking && o.blockTimeout <= 0 {
		return nil, fmt.Errorf("block timeout must be positive, got %s", o.blockTimeout)
	}
	if !o.blocking && o.pollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", o.pollInterval)
	}
	if o.backoff == nil {
		o.backoff = DefaultBackoff
	}
	if o.logger == nil {
		o.logger = q.logger
	}
	id := ulid.Make().String()
	w := &Worker{
		ID:                id,
		Queue:             q,
		handler:           h,
		visibilityTimeout: o.visibilityTimeout,
		pollInterval:      o.pollInterval,
		blockTimeout:      o.blockTimeout,
		blocking:          o.blocking,
		backoff:           o.backoff,
		onError:           o.onError,
		heartbeat:         o.heartbeat,
		logger:            o.logger.WithPrefix("worker", id),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	if o.cleanup {
		w.reclaimer = q.NewReclaimer(
			WithReclaimInterval(o.cleanupInterval),
			WithReclaimRedeliveryDelay(o.redeliveryDelay),
			WithOnDead(func(job *Job) { w.reportDead(ErrVisibilityTimeout, job) }),
		)
	}
	return w, nil
}

// Run processes jobs until ctx is canceled or Stop is called. It returns nil
// once stopped and ctx.Err() if ctx was canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.lock.Lock()
	if w.stopping {
		w.lock.Unlock()
		return ErrWorkerStopped
	}
	if w.running {
		w.lock.Unlock()
		return ErrWorkerRunning
	}
	w.running = true
	w.lock.Unlock()
	defer close(w.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	if w.reclaimer != nil {
		w.reclaimer.Start()
		defer w.reclaimer.Stop()
	}
	w.logger.Info("started", "visibility_timeout", w.visibilityTimeout, "blocking", w.blocking)
	defer w.logger.Info("stopped")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	for {
		if w.isStopping() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := w.reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d := bo.NextBackOff()
			w.logger.Error(err, "retry_in", d)
			sleep(ctx, d)
			continue
		}
		bo.Reset()
		if job == nil {
			if !w.blocking {
				sleep(ctx, w.pollInterval)
			}
			continue
		}
		w.process(ctx, job)
	}
}

// Stop stops the worker: no new job is reserved and the job in progress, if
// any, runs to completion. Stop returns once the worker exited or ctx is done.
// Stop is idempotent.
func (w *Worker) Stop(ctx context.Context) error {
	w.lock.Lock()
	if !w.stopping {
		w.stopping = true
		close(w.stop)
	}
	running := w.running
	w.lock.Unlock()
	if !running {
		if w.reclaimer != nil {
			w.reclaimer.Stop()
		}
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker %s did not stop in time: %w", w.ID, ctx.Err())
	}
}

// IsProcessing returns true if the worker is processing a job.
func (w *Worker) IsProcessing() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.current != nil
}

// CurrentJob returns the job being processed, nil if none.
func (w *Worker) CurrentJob() *Job {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.current
}

// Status returns a snapshot of the worker state.
func (w *Worker) Status() WorkerStatus {
	w.lock.Lock()
	defer w.lock.Unlock()
	st := WorkerStatus{
		WorkerID: w.ID,
		Running:  w.running && !w.stopping,
	}
	if w.current != nil {
		st.Processing = true
		st.JobID = w.current.ID
		st.GroupID = w.current.GroupID
		st.Attempts = w.current.Attempts
		st.Elapsed = time.Since(w.startedAt)
	}
	return st
}

func (w *Worker) reserve(ctx context.Context) (*Job, error) {
	if w.blocking {
		return w.Queue.ReserveBlocking(ctx, w.ID, w.visibilityTimeout, w.blockTimeout)
	}
	return w.Queue.Reserve(ctx, w.ID, w.visibilityTimeout)
}

// process runs the handler and acknowledges the outcome. The handler context
// is not canceled when the worker stops.
func (w *Worker) process(ctx context.Context, job *Job) {
	w.setCurrent(job)
	defer w.setCurrent(nil)
	hctx := context.WithoutCancel(ctx)

	stopHeartbeat := w.startHeartbeat(hctx, job)
	start := time.Now()
	err := w.invoke(hctx, job)
	stopHeartbeat()

	if err == nil {
		w.Queue.metrics.observe(outcomeCompleted, time.Since(start))
		w.ack(hctx, job, func(ctx context.Context) error {
			return w.Queue.Complete(ctx, job)
		})
		return
	}
	w.Queue.metrics.observe(outcomeFailed, time.Since(start))
	w.logger.Error(err, "job", job.ID, "group", job.GroupID, "attempt", job.Attempts)
	var dead bool
	delay := w.backoff(job.Attempts)
	if ackErr := w.ack(hctx, job, func(ctx context.Context) error {
		var err error
		dead, err = w.Queue.Fail(ctx, job, delay)
		return err
	}); ackErr == nil && dead {
		w.reportDead(err, job)
	}
}

// invoke runs the handler and turns panics into errors.
func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

// ack calls fn until it succeeds, the reservation is lost or the retries are
// exhausted. Unacknowledged jobs are eventually reclaimed.
func (w *Worker) ack(ctx context.Context, job *Job, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	err := backoff.Retry(func() error {
		err := fn(ctx)
		if errors.Is(err, store.ErrReservationLost) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxAckRetries), ctx))
	if err != nil {
		if errors.Is(err, store.ErrReservationLost) {
			w.logger.Info("reservation lost", "job", job.ID, "group", job.GroupID)
		} else {
			w.logger.Error(err, "job", job.ID, "group", job.GroupID)
		}
	}
	return err
}

// startHeartbeat extends the job reservation periodically until the returned
// function is called.
func (w *Worker) startHeartbeat(ctx context.Context, job *Job) func() {
	if w.heartbeat <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	groupmq.Go(w.logger, func() {
		defer close(done)
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := w.Queue.Heartbeat(ctx, job, w.visibilityTimeout)
			if errors.Is(err, store.ErrReservationLost) {
				w.logger.Info("reservation lost", "job", job.ID, "group", job.GroupID)
				return
			}
			if err != nil && ctx.Err() == nil {
				w.logger.Error(err, "job", job.ID)
			}
		}
	})
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) reportDead(err error, job *Job) {
	if w.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(fmt.Errorf("error handler panic: %v", r), "job", job.ID)
		}
	}()
	w.onError(err, job)
}

func (w *Worker) setCurrent(job *Job) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.current = job
	if job != nil {
		w.startedAt = time.Now()
	}
}

func (w *Worker) isStopping() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.stopping
}

// sleep waits for d or until ctx is done. It returns false if ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
