package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"goa.design/groupmq/groupmq"
)

type (
	// QueueOption is a queue creation option.
	QueueOption func(*queueOptions)

	// AddOption is an option of Add.
	AddOption func(*addOptions)

	queueOptions struct {
		maxAttempts   int
		orderingDelay time.Duration
		logger        groupmq.Logger
		registerer    prometheus.Registerer
	}

	addOptions struct {
		jobID       string
		orderMs     *int64
		maxAttempts int
		delay       *time.Duration
	}
)

// WithDefaultMaxAttempts sets the number of attempts after which a failing job
// is dead-lettered, unless overridden with WithMaxAttempts. The default is 3.
func WithDefaultMaxAttempts(n int) QueueOption {
	return func(o *queueOptions) {
		o.maxAttempts = n
	}
}

// WithOrderingDelay holds each job until its order timestamp plus d has
// passed. This gives producers with skewed clocks time to enqueue older jobs
// of the same group before newer ones are delivered. The default is 0.
func WithOrderingDelay(d time.Duration) QueueOption {
	return func(o *queueOptions) {
		o.orderingDelay = d
	}
}

// WithLogger sets the queue logger.
func WithLogger(logger groupmq.Logger) QueueOption {
	return func(o *queueOptions) {
		o.logger = logger
	}
}

// WithMetrics registers the queue Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) QueueOption {
	return func(o *queueOptions) {
		o.registerer = reg
	}
}

// WithJobID sets the job id. Adding a job with the id of an existing job
// updates that job in place. The default is a new ULID.
func WithJobID(id string) AddOption {
	return func(o *addOptions) {
		o.jobID = id
	}
}

// WithOrderMs sets the job order timestamp in milliseconds since the epoch.
// Jobs of a group are delivered by ascending order timestamp then by enqueue
// order. The default is the store's current time.
func WithOrderMs(ms int64) AddOption {
	return func(o *addOptions) {
		o.orderMs = &ms
	}
}

// WithOrderTime is WithOrderMs for a time value.
func WithOrderTime(t time.Time) AddOption {
	return WithOrderMs(t.UnixMilli())
}

// WithMaxAttempts overrides the queue default max attempts for the job.
func WithMaxAttempts(n int) AddOption {
	return func(o *addOptions) {
		o.maxAttempts = n
	}
}

// WithDelay postpones the job eligibility by d.
func WithDelay(d time.Duration) AddOption {
	return func(o *addOptions) {
		o.delay = &d
	}
}

func parseQueueOptions(opts ...QueueOption) *queueOptions {
	o := &queueOptions{maxAttempts: 3}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = groupmq.NoopLogger()
	}
	return o
}

func parseAddOptions(opts ...AddOption) *addOptions {
	o := &addOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
