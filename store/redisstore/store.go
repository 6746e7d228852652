// Package redisstore implements store.Store on Redis. Each mutation is a
// single Lua script so that it is applied atomically by the server. All keys
// of a namespace share a hash tag and thus a cluster slot.
//
// Scripts read the current time with the TIME command, Redis 6 or later is
// required.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/groupmq/groupmq"
	"goa.design/groupmq/store"
)

// Store is a Redis backed store.
type Store struct {
	ns     string
	prefix string
	keys   []string
	rdb    *redis.Client
	logger groupmq.Logger

	lock   sync.RWMutex
	closed bool
}

var _ store.Store = (*Store)(nil)

// jobFields is the number of fields returned by the scripts for each job.
const jobFields = 12

// namespaceRegexp validates namespaces: no whitespace, glob or hash tag
// characters.
var namespaceRegexp = regexp.MustCompile(`^[^ \0\*\?\[\]{}]{1,512}$`)

// New returns a store for the given namespace and loads the Lua scripts.
func New(ctx context.Context, rdb *redis.Client, namespace string, opts ...Option) (*Store, error) {
	if !namespaceRegexp.MatchString(namespace) {
		return nil, fmt.Errorf("groupmq redis store: invalid namespace %q", namespace)
	}
	o := parseOptions(opts...)
	prefix := fmt.Sprintf("%s:{%s}", o.prefix, namespace)
	s := &Store{
		ns:     namespace,
		prefix: prefix,
		keys: []string{
			prefix + ":seq",
			prefix + ":ready",
			prefix + ":processing",
			prefix + ":groups",
			prefix + ":reserved",
			prefix + ":total",
			prefix + ":wake",
		},
		rdb:    rdb,
		logger: o.logger.WithPrefix("store", namespace),
	}
	for _, script := range []*redis.Script{luaEnqueue, luaReserve, luaComplete, luaFail, luaHeartbeat, luaReclaim, luaCounts, luaJobs} {
		if err := script.Load(ctx, rdb).Err(); err != nil {
			return nil, fmt.Errorf("groupmq redis store: %s failed to load Lua scripts: %w", namespace, err)
		}
	}
	return s, nil
}

// Namespace returns the store namespace.
func (s *Store) Namespace() string { return s.ns }

// Enqueue adds or updates a job.
func (s *Store) Enqueue(ctx context.Context, req *store.EnqueueRequest) (*store.JobDescriptor, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var orderMs, delayMs string
	if req.OrderMs != nil {
		orderMs = strconv.FormatInt(*req.OrderMs, 10)
	}
	if req.Delay != nil {
		delayMs = strconv.FormatInt(req.Delay.Milliseconds(), 10)
	}
	res, err := s.run(ctx, "enqueue", luaEnqueue,
		req.ID, req.GroupID, req.Payload, orderMs, req.MaxAttempts, delayMs, req.OrderingDelay.Milliseconds())
	if err != nil {
		return nil, err
	}
	vals, ok := res.([]any)
	if !ok || len(vals) == 0 {
		return nil, fmt.Errorf("groupmq redis store: unexpected enqueue result %v", res)
	}
	if toInt(vals[0]) < 0 {
		return nil, fmt.Errorf("job %q: %w", req.ID, store.ErrGroupMismatch)
	}
	if len(vals) != 3 {
		return nil, fmt.Errorf("groupmq redis store: unexpected enqueue result %v", res)
	}
	return &store.JobDescriptor{
		ID:         req.ID,
		Seq:        uint64(toInt(vals[1])),
		EnqueuedAt: time.UnixMilli(toInt(vals[2])),
		Updated:    toInt(vals[0]) == 1,
	}, nil
}

// Reserve checks out the next due job.
func (s *Store) Reserve(ctx context.Context, req *store.ReserveRequest) (*store.Job, error) {
	res, err := s.run(ctx, "reserve", luaReserve, req.WorkerID, req.Token, req.VisibilityTimeout.Milliseconds())
	if err != nil || res == nil {
		return nil, err
	}
	return parseJob(res)
}

// AwaitReady waits until a job may be due. It blocks on the wake list for at
// most timeout or until the earliest ready score, whichever comes first.
func (s *Store) AwaitReady(ctx context.Context, timeout time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wait := timeout
	next, err := s.rdb.ZRangeWithScores(ctx, s.keys[1], 0, 0).Result()
	if err != nil {
		return fmt.Errorf("groupmq redis store: failed to read ready index: %w", err)
	}
	if len(next) > 0 {
		now, err := s.rdb.Time(ctx).Result()
		if err != nil {
			return fmt.Errorf("groupmq redis store: failed to read server time: %w", err)
		}
		d := time.Duration(int64(next[0].Score)-now.UnixMilli()) * time.Millisecond
		if d <= 0 {
			return nil
		}
		if d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		return nil
	}
	if wait >= time.Second {
		err = s.rdb.BLPop(ctx, wait, s.keys[6]).Err()
	} else {
		// BLPop truncates sub-second timeouts to one second.
		err = s.rdb.Do(ctx, "BLPOP", s.keys[6], strconv.FormatFloat(wait.Seconds(), 'f', 3, 64)).Err()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("groupmq redis store: failed to wait for ready jobs: %w", err)
	}
	return nil
}

// Complete deletes a reserved job.
func (s *Store) Complete(ctx context.Context, job *store.Job) error {
	res, err := s.run(ctx, "complete", luaComplete, job.ID, job.Token)
	if err != nil {
		return err
	}
	if toInt(res) != 1 {
		return fmt.Errorf("job %q: %w", job.ID, store.ErrReservationLost)
	}
	return nil
}

// Fail releases a reserved job for retry or dead-letters it.
func (s *Store) Fail(ctx context.Context, job *store.Job, retryDelay time.Duration) (bool, error) {
	res, err := s.run(ctx, "fail", luaFail, job.ID, job.Token, retryDelay.Milliseconds())
	if err != nil {
		return false, err
	}
	switch toInt(res) {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("job %q: %w", job.ID, store.ErrReservationLost)
}

// Heartbeat extends the visibility deadline of a reserved job.
func (s *Store) Heartbeat(ctx context.Context, job *store.Job, extend time.Duration) error {
	res, err := s.run(ctx, "heartbeat", luaHeartbeat, job.ID, job.Token, extend.Milliseconds())
	if err != nil {
		return err
	}
	if toInt(res) != 1 {
		return fmt.Errorf("job %q: %w", job.ID, store.ErrReservationLost)
	}
	return nil
}

// Reclaim releases expired reservations.
func (s *Store) Reclaim(ctx context.Context, req *store.ReclaimRequest) (*store.ReclaimResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = store.DefaultReclaimLimit
	}
	res, err := s.run(ctx, "reclaim", luaReclaim, req.RedeliveryDelay.Milliseconds(), limit)
	if err != nil {
		return nil, err
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("groupmq redis store: unexpected reclaim result %v", res)
	}
	result := &store.ReclaimResult{}
	requeued, _ := vals[0].([]any)
	for _, id := range requeued {
		result.Requeued = append(result.Requeued, toString(id))
	}
	dead, _ := vals[1].([]any)
	for _, d := range dead {
		job, err := parseJob(d)
		if err != nil {
			return nil, err
		}
		result.Dead = append(result.Dead, job)
	}
	return result, nil
}

// Counts returns the number of jobs per state.
func (s *Store) Counts(ctx context.Context) (*store.Counts, error) {
	res, err := s.run(ctx, "counts", luaCounts)
	if err != nil {
		return nil, err
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 4 {
		return nil, fmt.Errorf("groupmq redis store: unexpected counts result %v", res)
	}
	c := &store.Counts{
		Active:  int(toInt(vals[0])),
		Total:   int(toInt(vals[1])),
		Delayed: int(toInt(vals[2])),
		Groups:  int(toInt(vals[3])),
	}
	c.Waiting = c.Total - c.Active - c.Delayed
	return c, nil
}

// Jobs lists jobs in the given state.
func (s *Store) Jobs(ctx context.Context, state store.State, limit int) ([]*store.Job, error) {
	if _, err := store.ParseState(string(state)); err != nil {
		return nil, err
	}
	if limit < 0 {
		limit = 0
	}
	res, err := s.run(ctx, "jobs", luaJobs, string(state), limit)
	if err != nil {
		return nil, err
	}
	vals, _ := res.([]any)
	jobs := make([]*store.Job, 0, len(vals))
	for _, v := range vals {
		job, err := parseJob(v)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Groups returns the sorted ids of groups that have jobs.
func (s *Store) Groups(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	groups, err := s.rdb.SMembers(ctx, s.keys[3]).Result()
	if err != nil {
		return nil, fmt.Errorf("groupmq redis store: failed to list groups: %w", err)
	}
	sort.Strings(groups)
	return groups, nil
}

// Close marks the store closed. It does not close the Redis client.
func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

// run runs the given script with the namespace keys.
func (s *Store) run(ctx context.Context, name string, script *redis.Script, args ...any) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	res, err := script.Run(ctx, s.rdb, s.keys, append([]any{s.prefix}, args...)...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		s.logger.Debug("script failed", "script", name, "error", err)
		return nil, fmt.Errorf("groupmq redis store: %s failed: %w", name, err)
	}
	return res, nil
}

func (s *Store) checkOpen() error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// parseJob decodes the job fields returned by the scripts.
func parseJob(v any) (*store.Job, error) {
	vals, ok := v.([]any)
	if !ok || len(vals) != jobFields {
		return nil, fmt.Errorf("groupmq redis store: unexpected job fields %v", v)
	}
	job := &store.Job{
		ID:          toString(vals[0]),
		GroupID:     toString(vals[1]),
		Payload:     []byte(toString(vals[2])),
		Attempts:    int(toInt(vals[3])),
		MaxAttempts: int(toInt(vals[4])),
		Seq:         uint64(toInt(vals[5])),
		EnqueuedAt:  time.UnixMilli(toInt(vals[6])),
		OrderMs:     toInt(vals[7]),
		ReadyAt:     time.UnixMilli(toInt(vals[8])),
		WorkerID:    toString(vals[9]),
		Token:       toString(vals[10]),
	}
	if vals[11] != nil {
		job.VisibleAt = time.UnixMilli(toInt(vals[11]))
	}
	return job, nil
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}
