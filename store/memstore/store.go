// Package memstore implements store.Store in process memory. The store is the
// sole mutator of its data, all operations are serialized by a single lock.
// It is meant for tests and single-process deployments.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/groupmq/store"
)

type (
	// Store is an in-memory store.
	Store struct {
		ns  string
		now func() time.Time

		lock    sync.Mutex
		seq     uint64
		jobs    map[string]*store.Job
		groups  map[string]*group
		changed chan struct{}
		closed  bool
	}

	// Option configures a Store.
	Option func(*Store)

	// group is the ordering index of a single group.
	group struct {
		jobs     []*store.Job // sorted by score
		reserved string       // id of the reserved job, if any
		ready    bool         // true if the group is in the ready index
		readyAt  int64        // ready index score in milliseconds
	}
)

var _ store.Store = (*Store)(nil)

// WithClock sets the function used to read the current time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns an empty store for the given namespace.
func New(namespace string, opts ...Option) *Store {
	s := &Store{
		ns:      namespace,
		now:     time.Now,
		jobs:    make(map[string]*store.Job),
		groups:  make(map[string]*group),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Namespace returns the store namespace.
func (s *Store) Namespace() string { return s.ns }

// Enqueue adds or updates a job.
func (s *Store) Enqueue(_ context.Context, req *store.EnqueueRequest) (*store.JobDescriptor, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	now := s.nowMs()
	if job, ok := s.jobs[req.ID]; ok {
		if job.GroupID != req.GroupID {
			return nil, store.ErrGroupMismatch
		}
		job.Payload = clone(req.Payload)
		if req.Delay != nil && job.Token == "" {
			job.ReadyAt = time.UnixMilli(store.ReadyAtMs(now, job.OrderMs, *req.Delay, req.OrderingDelay))
			s.promote(job.GroupID)
		}
		return &store.JobDescriptor{ID: job.ID, Seq: job.Seq, EnqueuedAt: job.EnqueuedAt, Updated: true}, nil
	}
	s.seq++
	orderMs := now
	if req.OrderMs != nil {
		orderMs = *req.OrderMs
	}
	var delay time.Duration
	if req.Delay != nil {
		delay = *req.Delay
	}
	job := &store.Job{
		ID:          req.ID,
		GroupID:     req.GroupID,
		Payload:     clone(req.Payload),
		MaxAttempts: req.MaxAttempts,
		Seq:         s.seq,
		EnqueuedAt:  time.UnixMilli(now),
		OrderMs:     orderMs,
		ReadyAt:     time.UnixMilli(store.ReadyAtMs(now, orderMs, delay, req.OrderingDelay)),
	}
	s.jobs[job.ID] = job
	g, ok := s.groups[job.GroupID]
	if !ok {
		g = &group{}
		s.groups[job.GroupID] = g
	}
	i := sort.Search(len(g.jobs), func(i int) bool { return job.Score().Less(g.jobs[i].Score()) })
	g.jobs = append(g.jobs, nil)
	copy(g.jobs[i+1:], g.jobs[i:])
	g.jobs[i] = job
	s.promote(job.GroupID)
	return &store.JobDescriptor{ID: job.ID, Seq: job.Seq, EnqueuedAt: job.EnqueuedAt}, nil
}

// Reserve checks out the next due job.
func (s *Store) Reserve(_ context.Context, req *store.ReserveRequest) (*store.Job, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	now := s.nowMs()
	gid, ok := s.nextReady(now)
	if !ok {
		return nil, nil
	}
	g := s.groups[gid]
	job := g.jobs[0]
	g.ready = false
	g.reserved = job.ID
	job.Attempts++
	job.WorkerID = req.WorkerID
	job.Token = req.Token
	job.VisibleAt = time.UnixMilli(now + req.VisibilityTimeout.Milliseconds())
	return copyJob(job), nil
}

// AwaitReady waits until a job may be due.
func (s *Store) AwaitReady(ctx context.Context, timeout time.Duration) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return store.ErrClosed
	}
	now := s.nowMs()
	wait := timeout
	if next, ok := s.earliestReady(); ok {
		if next <= now {
			s.lock.Unlock()
			return nil
		}
		if d := time.Duration(next-now) * time.Millisecond; d < wait {
			wait = d
		}
	}
	changed := s.changed
	s.lock.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-changed:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Complete deletes a reserved job.
func (s *Store) Complete(_ context.Context, job *store.Job) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	cur, err := s.reserved(job)
	if err != nil {
		return err
	}
	s.remove(cur)
	s.promote(cur.GroupID)
	return nil
}

// Fail releases a reserved job for retry or dead-letters it.
func (s *Store) Fail(_ context.Context, job *store.Job, retryDelay time.Duration) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}
	cur, err := s.reserved(job)
	if err != nil {
		return false, err
	}
	if cur.Attempts >= cur.MaxAttempts {
		s.remove(cur)
		s.promote(cur.GroupID)
		return true, nil
	}
	s.release(cur)
	cur.ReadyAt = time.UnixMilli(s.nowMs() + retryDelay.Milliseconds())
	s.promote(cur.GroupID)
	return false, nil
}

// Heartbeat extends the visibility deadline of a reserved job.
func (s *Store) Heartbeat(_ context.Context, job *store.Job, extend time.Duration) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	cur, err := s.reserved(job)
	if err != nil {
		return err
	}
	cur.VisibleAt = time.UnixMilli(s.nowMs() + extend.Milliseconds())
	return nil
}

// Reclaim releases expired reservations.
func (s *Store) Reclaim(_ context.Context, req *store.ReclaimRequest) (*store.ReclaimResult, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	limit := req.Limit
	if limit <= 0 {
		limit = store.DefaultReclaimLimit
	}
	now := s.nowMs()
	var expired []*store.Job
	for _, g := range s.groups {
		if g.reserved == "" {
			continue
		}
		if job := s.jobs[g.reserved]; job.VisibleAt.UnixMilli() <= now {
			expired = append(expired, job)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].VisibleAt.Before(expired[j].VisibleAt) })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	res := &store.ReclaimResult{}
	for _, job := range expired {
		if job.Attempts >= job.MaxAttempts {
			res.Dead = append(res.Dead, copyJob(job))
			s.remove(job)
			s.promote(job.GroupID)
			continue
		}
		s.release(job)
		if req.RedeliveryDelay > 0 {
			job.ReadyAt = time.UnixMilli(now + req.RedeliveryDelay.Milliseconds())
		}
		s.promote(job.GroupID)
		res.Requeued = append(res.Requeued, job.ID)
	}
	return res, nil
}

// Counts returns the number of jobs per state.
func (s *Store) Counts(_ context.Context) (*store.Counts, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	now := s.nowMs()
	c := &store.Counts{Total: len(s.jobs), Groups: len(s.groups)}
	for _, g := range s.groups {
		switch {
		case g.reserved != "":
			c.Active++
		case g.ready && g.readyAt > now:
			c.Delayed += len(g.jobs)
		}
	}
	c.Waiting = c.Total - c.Active - c.Delayed
	return c, nil
}

// Jobs lists jobs in the given state. Active jobs are ordered by visibility
// deadline, other jobs by group then score.
func (s *Store) Jobs(_ context.Context, state store.State, limit int) ([]*store.Job, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	if _, err := store.ParseState(string(state)); err != nil {
		return nil, err
	}
	if state == store.StateActive {
		var res []*store.Job
		for _, g := range s.groups {
			if g.reserved != "" {
				res = append(res, copyJob(s.jobs[g.reserved]))
			}
		}
		sort.Slice(res, func(i, j int) bool { return res[i].VisibleAt.Before(res[j].VisibleAt) })
		if limit > 0 && len(res) > limit {
			res = res[:limit]
		}
		return res, nil
	}
	now := s.nowMs()
	var res []*store.Job
	for _, gid := range s.sortedGroups() {
		g := s.groups[gid]
		delayed := g.reserved == "" && g.ready && g.readyAt > now
		for _, job := range g.jobs {
			match := delayed
			if state == store.StateWaiting {
				match = !delayed && job.ID != g.reserved
			}
			if match {
				res = append(res, copyJob(job))
				if limit > 0 && len(res) == limit {
					return res, nil
				}
			}
		}
	}
	return res, nil
}

// Groups returns the sorted ids of groups that have jobs.
func (s *Store) Groups(_ context.Context) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return s.sortedGroups(), nil
}

// Close marks the store closed and wakes up waiters.
func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.closed {
		s.closed = true
		close(s.changed)
	}
	return nil
}

// reserved returns the stored job matching the reservation held by job.
func (s *Store) reserved(job *store.Job) (*store.Job, error) {
	cur, ok := s.jobs[job.ID]
	if !ok || job.Token == "" || cur.Token != job.Token {
		return nil, store.ErrReservationLost
	}
	return cur, nil
}

// release clears the reservation of job.
func (s *Store) release(job *store.Job) {
	job.Token = ""
	job.WorkerID = ""
	job.VisibleAt = time.Time{}
	if g := s.groups[job.GroupID]; g.reserved == job.ID {
		g.reserved = ""
	}
}

// remove deletes job from the store.
func (s *Store) remove(job *store.Job) {
	s.release(job)
	delete(s.jobs, job.ID)
	g := s.groups[job.GroupID]
	for i, j := range g.jobs {
		if j.ID == job.ID {
			g.jobs = append(g.jobs[:i], g.jobs[i+1:]...)
			break
		}
	}
}

// promote derives the ready index entry of a group from its head.
func (s *Store) promote(gid string) {
	g := s.groups[gid]
	if len(g.jobs) == 0 {
		delete(s.groups, gid)
		return
	}
	if g.reserved != "" {
		g.ready = false
		return
	}
	g.ready = true
	g.readyAt = g.jobs[0].ReadyAt.UnixMilli()
	close(s.changed)
	s.changed = make(chan struct{})
}

// nextReady returns the due group with the lowest ready score, ties are
// broken by group id.
func (s *Store) nextReady(now int64) (string, bool) {
	var (
		best  string
		score int64
		found bool
	)
	for gid, g := range s.groups {
		if !g.ready || g.readyAt > now {
			continue
		}
		if !found || g.readyAt < score || (g.readyAt == score && gid < best) {
			best, score, found = gid, g.readyAt, true
		}
	}
	return best, found
}

// earliestReady returns the lowest ready score.
func (s *Store) earliestReady() (int64, bool) {
	var (
		next  int64
		found bool
	)
	for _, g := range s.groups {
		if g.ready && (!found || g.readyAt < next) {
			next, found = g.readyAt, true
		}
	}
	return next, found
}

func (s *Store) sortedGroups() []string {
	gids := make([]string, 0, len(s.groups))
	for gid := range s.groups {
		gids = append(gids, gid)
	}
	sort.Strings(gids)
	return gids
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

func copyJob(job *store.Job) *store.Job {
	c := *job
	c.Payload = clone(job.Payload)
	return &c
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
