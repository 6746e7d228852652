// Package store defines the coordination store shared by producers and
// workers. A store holds, per namespace, the job records, the per-group
// ordering index, the ready index and the reservations. Every mutating method
// is applied as a single atomic script or transaction by the backend.
package store

import (
	"context"
	"fmt"
	"time"
)

type (
	// Store is implemented by coordination backends.
	Store interface {
		// Namespace returns the namespace all records are scoped under.
		Namespace() string
		// Enqueue inserts a job (or updates it in place when req.ID names an
		// existing job) and re-arms its group in the ready index if needed.
		Enqueue(ctx context.Context, req *EnqueueRequest) (*JobDescriptor, error)
		// Reserve checks out the head job of the ready group with the lowest
		// eligibility score that is due. It returns nil if no job is due.
		Reserve(ctx context.Context, req *ReserveRequest) (*Job, error)
		// AwaitReady blocks until a job may have become due, ctx is done or
		// timeout elapses, whichever happens first.
		AwaitReady(ctx context.Context, timeout time.Duration) error
		// Complete deletes a reserved job and promotes the next job of its
		// group.
		Complete(ctx context.Context, job *Job) error
		// Fail releases a reserved job. If the job has attempts left it stays
		// at the head of its group and becomes eligible after retryDelay,
		// otherwise it is deleted, the next job is promoted and dead is true.
		Fail(ctx context.Context, job *Job, retryDelay time.Duration) (dead bool, err error)
		// Heartbeat pushes back the visibility deadline of a reserved job.
		Heartbeat(ctx context.Context, job *Job, extend time.Duration) error
		// Reclaim releases reservations whose visibility deadline has passed.
		Reclaim(ctx context.Context, req *ReclaimRequest) (*ReclaimResult, error)
		// Counts returns the number of jobs in each state.
		Counts(ctx context.Context) (*Counts, error)
		// Jobs lists up to limit jobs in the given state, limit <= 0 means
		// no limit.
		Jobs(ctx context.Context, state State, limit int) ([]*Job, error)
		// Groups returns the sorted ids of the groups that have jobs.
		Groups(ctx context.Context) ([]string, error)
		// Close releases the resources held by the store. It does not close
		// the underlying client or pool.
		Close() error
	}

	// Job is a unit of work and its scheduling metadata.
	Job struct {
		// ID is the job identifier, unique within the namespace.
		ID string
		// GroupID is the partition key.
		GroupID string
		// Payload is the opaque job content.
		Payload []byte
		// Attempts is the number of times the job was reserved.
		Attempts int
		// MaxAttempts is the number of attempts after which a failing job is
		// dead-lettered.
		MaxAttempts int
		// Seq is the namespace-wide enqueue sequence number.
		Seq uint64
		// EnqueuedAt is the time the job was first enqueued.
		EnqueuedAt time.Time
		// OrderMs is the logical order timestamp in milliseconds.
		OrderMs int64
		// ReadyAt is the earliest time the job may be delivered.
		ReadyAt time.Time
		// WorkerID is the id of the worker holding the reservation, if any.
		WorkerID string
		// Token identifies the current reservation, if any.
		Token string
		// VisibleAt is the visibility deadline of the current reservation.
		VisibleAt time.Time
	}

	// JobDescriptor is returned to producers on enqueue.
	JobDescriptor struct {
		ID         string
		Seq        uint64
		EnqueuedAt time.Time
		// Updated is true if an existing job was updated in place.
		Updated bool
	}

	// EnqueueRequest describes a job to enqueue.
	EnqueueRequest struct {
		// ID is the job id. An existing job with the same id is updated in
		// place.
		ID string
		// GroupID is the partition key, required.
		GroupID string
		// Payload is the job content.
		Payload []byte
		// OrderMs is the logical order timestamp, nil means the store's
		// current time.
		OrderMs *int64
		// MaxAttempts is the maximum number of attempts, must be positive.
		MaxAttempts int
		// Delay postpones eligibility, nil means no delay. On update a non-nil
		// delay reschedules the job if it is not reserved.
		Delay *time.Duration
		// OrderingDelay holds the job until OrderMs + OrderingDelay.
		OrderingDelay time.Duration
	}

	// ReserveRequest describes a reservation.
	ReserveRequest struct {
		// WorkerID identifies the reserving worker.
		WorkerID string
		// Token identifies the reservation, required by Complete, Fail and
		// Heartbeat.
		Token string
		// VisibilityTimeout is the time after which an unacknowledged
		// reservation is reclaimed.
		VisibilityTimeout time.Duration
	}

	// ReclaimRequest describes a reclaim sweep.
	ReclaimRequest struct {
		// RedeliveryDelay, if positive, makes reclaimed jobs eligible at
		// now + RedeliveryDelay. Otherwise jobs keep their ReadyAt.
		RedeliveryDelay time.Duration
		// Limit caps the number of reservations released by one sweep, 0
		// means DefaultReclaimLimit.
		Limit int
	}

	// ReclaimResult lists the outcome of a reclaim sweep.
	ReclaimResult struct {
		// Requeued contains the ids of the jobs made eligible again.
		Requeued []string
		// Dead contains the jobs that had no attempts left and were deleted.
		Dead []*Job
	}

	// Counts is a snapshot of the number of jobs per state.
	Counts struct {
		// Active is the number of reserved jobs.
		Active int
		// Waiting is the number of jobs that are neither reserved nor
		// delayed.
		Waiting int
		// Delayed is the number of jobs in groups whose next eligibility is
		// in the future.
		Delayed int
		// Total is the number of jobs.
		Total int
		// Groups is the number of groups that have jobs.
		Groups int
	}

	// State is a job state used to list jobs.
	State string
)

const (
	// StateActive lists reserved jobs.
	StateActive State = "active"
	// StateWaiting lists jobs that are neither reserved nor delayed.
	StateWaiting State = "waiting"
	// StateDelayed lists jobs in groups whose next eligibility is in the
	// future.
	StateDelayed State = "delayed"
)

// DefaultReclaimLimit is the default maximum number of reservations released
// per reclaim sweep.
const DefaultReclaimLimit = 1000

// Score returns the ordering score of the job.
func (j *Job) Score() Score {
	return Score{OrderMs: j.OrderMs, Seq: j.Seq}
}

// ParseState validates s and returns the corresponding state.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateActive, StateWaiting, StateDelayed:
		return State(s), nil
	}
	return "", fmt.Errorf("invalid job state %q, must be one of active, waiting or delayed", s)
}

// Validate checks the request fields shared by all backends.
func (r *EnqueueRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if r.GroupID == "" {
		return fmt.Errorf("group id is required")
	}
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", r.MaxAttempts)
	}
	if r.OrderMs != nil && (*r.OrderMs <= -MaxOrderMs || *r.OrderMs >= MaxOrderMs) {
		return fmt.Errorf("%w: %d", ErrInvalidOrder, *r.OrderMs)
	}
	if r.Delay != nil && *r.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %s", *r.Delay)
	}
	return nil
}

// ReadyAtMs computes the eligibility time of a new job in milliseconds.
func ReadyAtMs(nowMs, orderMs int64, delay, orderingDelay time.Duration) int64 {
	readyAt := nowMs + delay.Milliseconds()
	if ordered := orderMs + orderingDelay.Milliseconds(); orderingDelay > 0 && ordered > readyAt {
		readyAt = ordered
	}
	return readyAt
}
