package queue

import (
	"context"
	"sync"
	"time"

	"goa.design/groupmq/groupmq"
)

type (
	// Reclaimer periodically releases expired reservations so that jobs held
	// by crashed workers are redelivered.
	Reclaimer struct {
		queue           *Queue
		interval        time.Duration
		redeliveryDelay time.Duration
		onDead          func(*Job)
		logger          groupmq.Logger

		lock    sync.Mutex
		stop    chan struct{}
		done    chan struct{}
		started bool
		stopped bool
	}

	// ReclaimerOption is a reclaimer creation option.
	ReclaimerOption func(*Reclaimer)
)

// WithReclaimInterval sets the interval between sweeps. The default is 60s.
func WithReclaimInterval(d time.Duration) ReclaimerOption {
	return func(r *Reclaimer) {
		r.interval = d
	}
}

// WithReclaimRedeliveryDelay delays the redelivery of reclaimed jobs by d.
func WithReclaimRedeliveryDelay(d time.Duration) ReclaimerOption {
	return func(r *Reclaimer) {
		r.redeliveryDelay = d
	}
}

// WithOnDead sets the function called for each job dead-lettered by a sweep.
func WithOnDead(f func(*Job)) ReclaimerOption {
	return func(r *Reclaimer) {
		r.onDead = f
	}
}

// NewReclaimer returns a reclaimer for the queue, call Start to start the
// sweeps.
func (q *Queue) NewReclaimer(opts ...ReclaimerOption) *Reclaimer {
	r := &Reclaimer{
		queue:    q,
		interval: 60 * time.Second,
		logger:   q.logger.WithPrefix("component", "reclaimer"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start starts the periodic sweeps. The first sweep runs immediately.
func (r *Reclaimer) Start() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	groupmq.Go(r.logger, r.loop)
}

// Stop stops the sweeps and waits for the sweep in progress, if any. Stop is
// idempotent.
func (r *Reclaimer) Stop() {
	r.lock.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stop)
	}
	started := r.started
	r.lock.Unlock()
	if started {
		<-r.done
	}
}

// Sweep runs a single reclaim pass.
func (r *Reclaimer) Sweep(ctx context.Context) (*ReclaimResult, error) {
	res, err := r.queue.Reclaim(ctx, r.redeliveryDelay)
	if err != nil {
		return nil, err
	}
	if r.onDead != nil {
		for _, job := range res.Dead {
			r.onDead(job)
		}
	}
	return res, nil
}

func (r *Reclaimer) loop() {
	defer close(r.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error(err)
		}
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
	}
}
