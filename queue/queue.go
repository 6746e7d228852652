// Package queue implements a group-ordered job queue on top of a coordination
// store. Jobs of the same group are delivered one at a time in order of their
// order timestamp, jobs of different groups are processed in parallel.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"goa.design/groupmq/groupmq"
	"goa.design/groupmq/store"
)

type (
	// Queue is the producer and introspection handle of a namespace.
	Queue struct {
		// Name is the queue namespace.
		Name string

		store         store.Store
		maxAttempts   int
		orderingDelay time.Duration
		logger        groupmq.Logger
		metrics       *metrics
	}

	// Job is a job reserved by a worker.
	Job = store.Job

	// JobDescriptor is returned by Add.
	JobDescriptor = store.JobDescriptor

	// Counts is a snapshot of the number of jobs per state.
	Counts = store.Counts

	// ReclaimResult lists the outcome of a reclaim sweep.
	ReclaimResult = store.ReclaimResult
)

// emptyPollInterval is the interval at which WaitForEmpty polls the store.
const emptyPollInterval = 100 * time.Millisecond

// New returns a queue backed by st.
func New(st store.Store, opts ...QueueOption) (*Queue, error) {
	o := parseQueueOptions(opts...)
	if o.maxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", o.maxAttempts)
	}
	if o.orderingDelay < 0 {
		return nil, fmt.Errorf("ordering delay must not be negative, got %s", o.orderingDelay)
	}
	q := &Queue{
		Name:          st.Namespace(),
		store:         st,
		maxAttempts:   o.maxAttempts,
		orderingDelay: o.orderingDelay,
		logger:        o.logger.WithPrefix("queue", st.Namespace()),
	}
	if o.registerer != nil {
		m, err := newMetrics(o.registerer, q.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		q.metrics = m
	}
	return q, nil
}

// Store returns the queue store.
func (q *Queue) Store() store.Store {
	return q.store
}

// Add enqueues a job in the given group.
func (q *Queue) Add(ctx context.Context, groupID string, payload []byte, opts ...AddOption) (*JobDescriptor, error) {
	o := parseAddOptions(opts...)
	req := &store.EnqueueRequest{
		ID:            o.jobID,
		GroupID:       groupID,
		Payload:       payload,
		OrderMs:       o.orderMs,
		MaxAttempts:   o.maxAttempts,
		Delay:         o.delay,
		OrderingDelay: q.orderingDelay,
	}
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = q.maxAttempts
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	d, err := q.store.Enqueue(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to add job %q to group %q: %w", req.ID, groupID, err)
	}
	q.metrics.incEnqueued()
	q.logger.Debug("added job", "job", d.ID, "group", groupID, "seq", d.Seq, "updated", d.Updated)
	return d, nil
}

// Reserve checks out the next due job, if any. It returns nil if no job is
// due.
func (q *Queue) Reserve(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*Job, error) {
	job, err := q.store.Reserve(ctx, &store.ReserveRequest{
		WorkerID:          workerID,
		Token:             ulid.Make().String(),
		VisibilityTimeout: visibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}
	if job != nil {
		q.logger.Debug("reserved job", "job", job.ID, "group", job.GroupID, "worker", workerID, "attempt", job.Attempts)
	}
	return job, nil
}

// ReserveBlocking is Reserve waiting up to timeout for a job to become due.
// It returns nil if no job became due in time.
func (q *Queue) ReserveBlocking(ctx context.Context, workerID string, visibilityTimeout, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := q.Reserve(ctx, workerID, visibilityTimeout)
		if err != nil || job != nil {
			return job, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := q.store.AwaitReady(ctx, remaining); err != nil {
			return nil, err
		}
	}
}

// Complete acknowledges the successful processing of job and releases its
// group.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	if err := q.store.Complete(ctx, job); err != nil {
		return fmt.Errorf("failed to complete job %q: %w", job.ID, err)
	}
	q.metrics.incCompleted()
	q.logger.Debug("completed job", "job", job.ID, "group", job.GroupID)
	return nil
}

// Fail records a failed attempt. The job is retried after retryDelay if it has
// attempts left, otherwise it is dead-lettered and dead is true.
func (q *Queue) Fail(ctx context.Context, job *Job, retryDelay time.Duration) (dead bool, err error) {
	dead, err = q.store.Fail(ctx, job, retryDelay)
	if err != nil {
		return false, fmt.Errorf("failed to fail job %q: %w", job.ID, err)
	}
	if dead {
		q.metrics.addDead(1)
		q.logger.Info("dead-lettered job", "job", job.ID, "group", job.GroupID, "attempts", job.Attempts)
		return true, nil
	}
	q.metrics.incRetried()
	q.logger.Debug("scheduled retry", "job", job.ID, "group", job.GroupID, "attempt", job.Attempts, "delay", retryDelay)
	return false, nil
}

// Heartbeat extends the visibility deadline of job to now + extend.
func (q *Queue) Heartbeat(ctx context.Context, job *Job, extend time.Duration) error {
	if err := q.store.Heartbeat(ctx, job, extend); err != nil {
		return fmt.Errorf("failed to extend job %q: %w", job.ID, err)
	}
	return nil
}

// Reclaim releases reservations whose visibility deadline has passed. Jobs
// with attempts left become eligible again, at now + redeliveryDelay if
// redeliveryDelay is positive. The others are dead-lettered.
func (q *Queue) Reclaim(ctx context.Context, redeliveryDelay time.Duration) (*ReclaimResult, error) {
	res, err := q.store.Reclaim(ctx, &store.ReclaimRequest{RedeliveryDelay: redeliveryDelay})
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim jobs: %w", err)
	}
	q.metrics.addReclaimed(len(res.Requeued) + len(res.Dead))
	q.metrics.addDead(len(res.Dead))
	if len(res.Requeued) > 0 || len(res.Dead) > 0 {
		q.logger.Info("reclaimed expired jobs", "requeued", len(res.Requeued), "dead", len(res.Dead))
	}
	return res, nil
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (*Counts, error) {
	return q.store.Counts(ctx)
}

// GetActiveCount returns the number of reserved jobs.
func (q *Queue) GetActiveCount(ctx context.Context) (int, error) {
	c, err := q.store.Counts(ctx)
	if err != nil {
		return 0, err
	}
	return c.Active, nil
}

// GetDelayed returns the jobs that are waiting for a future eligibility time.
func (q *Queue) GetDelayed(ctx context.Context) ([]*Job, error) {
	return q.store.Jobs(ctx, store.StateDelayed, 0)
}

// Jobs lists up to limit jobs in the given state, limit <= 0 means no limit.
func (q *Queue) Jobs(ctx context.Context, state store.State, limit int) ([]*Job, error) {
	return q.store.Jobs(ctx, state, limit)
}

// Groups returns the sorted ids of the groups that have jobs.
func (q *Queue) Groups(ctx context.Context) ([]string, error) {
	return q.store.Groups(ctx)
}

// WaitForEmpty polls the store until the queue holds no job or timeout
// elapses. It returns true if the queue became empty.
func (q *Queue) WaitForEmpty(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(emptyPollInterval)
	defer ticker.Stop()
	for {
		c, err := q.store.Counts(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
				return false, nil
			}
			return false, err
		}
		if c.Total == 0 {
			return true, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, nil
			}
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
