// Package storetest provides a conformance suite for store.Store backends.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/groupmq/store"
)

// NewStoreFunc creates an empty store scoped to namespace.
type NewStoreFunc func(t *testing.T, namespace string) store.Store

const (
	max   = time.Second
	delay = 10 * time.Millisecond
	vt    = 30 * time.Second
)

// Run runs the conformance suite against the stores created by newStore.
func Run(t *testing.T, newStore NewStoreFunc) {
	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"OrderWithinGroup", testOrderWithinGroup},
		{"HeadOfLineExclusivity", testHeadOfLineExclusivity},
		{"CompletePromotesNext", testCompletePromotesNext},
		{"FailRetryKeepsHead", testFailRetryKeepsHead},
		{"FailExhaustedDeadLetters", testFailExhaustedDeadLetters},
		{"StaleReservation", testStaleReservation},
		{"ReclaimExpired", testReclaimExpired},
		{"ReclaimExhausted", testReclaimExhausted},
		{"HeartbeatExtends", testHeartbeatExtends},
		{"UpsertByID", testUpsertByID},
		{"BackdatedWhileReserved", testBackdatedWhileReserved},
		{"CrossGroupTieBreak", testCrossGroupTieBreak},
		{"CountsAndListings", testCountsAndListings},
		{"AwaitReady", testAwaitReady},
		{"ConcurrentReserve", testConcurrentReserve},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ns := strings.Replace(t.Name(), "/", "_", -1)
			tc.fn(t, newStore(t, ns))
		})
	}
}

func testOrderWithinGroup(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, "g", "c", 300)
	enqueue(t, s, "g", "a", 100)
	enqueue(t, s, "g", "b1", 200)
	enqueue(t, s, "g", "b2", 200)

	var got []string
	for i := 0; i < 4; i++ {
		job := reserve(t, s)
		require.NotNil(t, job)
		got = append(got, job.ID)
		require.NoError(t, s.Complete(ctx, job))
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, got)
	assert.Nil(t, reserve(t, s))
}

func testHeadOfLineExclusivity(t *testing.T, s store.Store) {
	enqueue(t, s, "g", "1", 1)
	enqueue(t, s, "g", "2", 2)

	job := reserve(t, s)
	require.NotNil(t, job)
	assert.Equal(t, "1", job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.NotEmpty(t, job.Token)
	assert.Nil(t, reserve(t, s), "group must not be reservable while its head is reserved")
}

func testCompletePromotesNext(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, "g", "1", 1)
	enqueue(t, s, "g", "2", 2)

	job := reserve(t, s)
	require.NoError(t, s.Complete(ctx, job))
	next := reserve(t, s)
	require.NotNil(t, next)
	assert.Equal(t, "2", next.ID)
	require.NoError(t, s.Complete(ctx, next))

	groups, err := s.Groups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func testFailRetryKeepsHead(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueueWith(t, s, &store.EnqueueRequest{ID: "a", GroupID: "g", MaxAttempts: 3, OrderMs: ptr(int64(1000))})
	enqueueWith(t, s, &store.EnqueueRequest{ID: "b", GroupID: "g", MaxAttempts: 3, OrderMs: ptr(int64(2000))})

	job := reserve(t, s)
	require.Equal(t, "a", job.ID)
	dead, err := s.Fail(ctx, job, 200*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, dead)

	assert.Nil(t, reserve(t, s), "retried head must block its group during backoff")
	delayed, err := s.Jobs(ctx, store.StateDelayed, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(delayed))

	var retried *store.Job
	require.Eventually(t, func() bool {
		retried = reserve(t, s)
		return retried != nil
	}, 2*max, delay)
	assert.Equal(t, "a", retried.ID)
	assert.Equal(t, 2, retried.Attempts)
	require.NoError(t, s.Complete(ctx, retried))
	assert.Equal(t, "b", reserve(t, s).ID)
}

func testFailExhaustedDeadLetters(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueueWith(t, s, &store.EnqueueRequest{ID: "a", GroupID: "g", MaxAttempts: 1, OrderMs: ptr(int64(1))})
	enqueue(t, s, "g", "b", 2)

	job := reserve(t, s)
	dead, err := s.Fail(ctx, job, time.Hour)
	require.NoError(t, err)
	assert.True(t, dead)

	next := reserve(t, s)
	require.NotNil(t, next, "next job must be promoted when the head is dead-lettered")
	assert.Equal(t, "b", next.ID)
	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total)
}

func testStaleReservation(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, "g", "a", 1)
	job := reserve(t, s)

	stale := *job
	stale.Token = "stale"
	assert.ErrorIs(t, s.Complete(ctx, &stale), store.ErrReservationLost)
	_, err := s.Fail(ctx, &stale, 0)
	assert.ErrorIs(t, err, store.ErrReservationLost)
	assert.ErrorIs(t, s.Heartbeat(ctx, &stale, time.Minute), store.ErrReservationLost)

	require.NoError(t, s.Complete(ctx, job))
	assert.ErrorIs(t, s.Complete(ctx, job), store.ErrReservationLost, "second ack must not apply")
}

func testReclaimExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, "g", "1", 1)
	enqueue(t, s, "g", "2", 2)

	job, err := s.Reserve(ctx, &store.ReserveRequest{WorkerID: "crashed", Token: ulid.Make().String(), VisibilityTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, "1", job.ID)

	res, err := s.Reclaim(ctx, &store.ReclaimRequest{})
	require.NoError(t, err)
	assert.Empty(t, res.Requeued, "reservation is still visible")

	require.Eventually(t, func() bool {
		res, err = s.Reclaim(ctx, &store.ReclaimRequest{})
		return err == nil && len(res.Requeued) == 1
	}, max, delay)
	assert.Equal(t, []string{"1"}, res.Requeued)
	assert.Empty(t, res.Dead)

	again := reserve(t, s)
	require.NotNil(t, again)
	assert.Equal(t, "1", again.ID)
	assert.Equal(t, 2, again.Attempts, "reclaimed reservations keep their attempt")
	assert.ErrorIs(t, s.Complete(ctx, job), store.ErrReservationLost)
	require.NoError(t, s.Complete(ctx, again))
	assert.Equal(t, "2", reserve(t, s).ID)
}

func testReclaimExhausted(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueueWith(t, s, &store.EnqueueRequest{ID: "a", GroupID: "g", MaxAttempts: 1, OrderMs: ptr(int64(1)), Payload: []byte("p")})
	enqueue(t, s, "g", "b", 2)

	_, err := s.Reserve(ctx, &store.ReserveRequest{WorkerID: "crashed", Token: "t", VisibilityTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	var res *store.ReclaimResult
	require.Eventually(t, func() bool {
		res, err = s.Reclaim(ctx, &store.ReclaimRequest{})
		return err == nil && len(res.Dead) == 1
	}, max, delay)
	assert.Equal(t, "a", res.Dead[0].ID)
	assert.Equal(t, []byte("p"), res.Dead[0].Payload)
	assert.Equal(t, "b", reserve(t, s).ID)
}

func testHeartbeatExtends(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, "g", "a", 1)
	job, err := s.Reserve(ctx, &store.ReserveRequest{WorkerID: "w", Token: "t", VisibilityTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.Heartbeat(ctx, job, 10*time.Second))

	time.Sleep(200 * time.Millisecond)
	res, err := s.Reclaim(ctx, &store.ReclaimRequest{})
	require.NoError(t, err)
	assert.Empty(t, res.Requeued)
	require.NoError(t, s.Complete(ctx, job))
}

func testUpsertByID(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := enqueueWith(t, s, &store.EnqueueRequest{ID: "x", GroupID: "g", MaxAttempts: 3, Payload: []byte("v1")})
	assert.False(t, first.Updated)
	second := enqueueWith(t, s, &store.EnqueueRequest{ID: "x", GroupID: "g", MaxAttempts: 3, Payload: []byte("v2")})
	assert.True(t, second.Updated)
	assert.Equal(t, first.Seq, second.Seq)

	_, err := s.Enqueue(ctx, &store.EnqueueRequest{ID: "x", GroupID: "other", MaxAttempts: 3})
	assert.ErrorIs(t, err, store.ErrGroupMismatch)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total)

	// Rescheduling an unreserved job delays its group.
	enqueueWith(t, s, &store.EnqueueRequest{ID: "x", GroupID: "g", MaxAttempts: 3, Payload: []byte("v3"), Delay: ptr(time.Hour)})
	assert.Nil(t, reserve(t, s))
	enqueueWith(t, s, &store.EnqueueRequest{ID: "x", GroupID: "g", MaxAttempts: 3, Payload: []byte("v4"), Delay: ptr(time.Duration(0))})
	job := reserve(t, s)
	require.NotNil(t, job)
	assert.Equal(t, []byte("v4"), job.Payload)
}

func testBackdatedWhileReserved(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, "g", "a", 1000)
	job := reserve(t, s)
	require.Equal(t, "a", job.ID)

	enqueue(t, s, "g", "early", 500)
	assert.Nil(t, reserve(t, s), "enqueue must not re-arm a reserved group")

	require.NoError(t, s.Complete(ctx, job))
	assert.Equal(t, "early", reserve(t, s).ID)
}

func testCrossGroupTieBreak(t *testing.T, s store.Store) {
	ctx := context.Background()
	order := time.Now().Add(50 * time.Millisecond).UnixMilli()
	for _, g := range []string{"c", "a", "b"} {
		enqueueWith(t, s, &store.EnqueueRequest{ID: "job-" + g, GroupID: g, MaxAttempts: 1, OrderMs: ptr(order), OrderingDelay: time.Millisecond})
	}
	require.Eventually(t, func() bool {
		c, err := s.Counts(ctx)
		return err == nil && c.Delayed == 0
	}, max, delay)

	var got []string
	for i := 0; i < 3; i++ {
		job := reserve(t, s)
		require.NotNil(t, job)
		got = append(got, job.GroupID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func testCountsAndListings(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, "g1", "1", 1)
	enqueue(t, s, "g1", "2", 2)
	enqueue(t, s, "g2", "3", 3)
	enqueueWith(t, s, &store.EnqueueRequest{ID: "4", GroupID: "g3", MaxAttempts: 1, Delay: ptr(time.Hour)})

	job := reserve(t, s)
	require.Equal(t, "1", job.ID)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, &store.Counts{Active: 1, Waiting: 2, Delayed: 1, Total: 4, Groups: 3}, counts)

	active, err := s.Jobs(ctx, store.StateActive, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(active))
	assert.Equal(t, "w", active[0].WorkerID)
	waiting, err := s.Jobs(ctx, store.StateWaiting, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, ids(waiting))
	limited, err := s.Jobs(ctx, store.StateWaiting, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
	delayed, err := s.Jobs(ctx, store.StateDelayed, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, ids(delayed))

	groups, err := s.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2", "g3"}, groups)
}

func testAwaitReady(t *testing.T, s store.Store) {
	ctx := context.Background()
	start := time.Now()
	require.NoError(t, s.AwaitReady(ctx, 100*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "empty store waits for the timeout")

	done := make(chan error, 1)
	go func() { done <- s.AwaitReady(ctx, 5*time.Second) }()
	time.Sleep(100 * time.Millisecond)
	enqueue(t, s, "g", "a", 1)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("AwaitReady did not return after enqueue")
	}

	start = time.Now()
	require.NoError(t, s.AwaitReady(ctx, 5*time.Second))
	assert.Less(t, time.Since(start), time.Second, "due work returns immediately")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	job := reserve(t, s)
	require.NotNil(t, job)
	assert.Error(t, s.AwaitReady(cctx, time.Second))
}

func testConcurrentReserve(t *testing.T, s store.Store) {
	ctx := context.Background()
	const (
		numGroups  = 5
		perGroup   = 6
		numWorkers = 8
	)
	for g := 0; g < numGroups; g++ {
		for i := 0; i < perGroup; i++ {
			enqueue(t, s, fmt.Sprintf("g%d", g), fmt.Sprintf("g%d-%d", g, i), int64(i))
		}
	}
	var (
		lock     sync.Mutex
		inFlight = make(map[string]string)
		seen     = make(map[string]int)
		order    = make(map[string][]string)
		wg       sync.WaitGroup
	)
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idle := 0
			for idle < 20 {
				job, err := s.Reserve(ctx, &store.ReserveRequest{WorkerID: "w", Token: ulid.Make().String(), VisibilityTimeout: vt})
				if !assert.NoError(t, err) {
					return
				}
				if job == nil {
					idle++
					time.Sleep(5 * time.Millisecond)
					continue
				}
				idle = 0
				lock.Lock()
				if other, ok := inFlight[job.GroupID]; ok {
					t.Errorf("group %s has two jobs in flight: %s and %s", job.GroupID, other, job.ID)
				}
				inFlight[job.GroupID] = job.ID
				seen[job.ID]++
				order[job.GroupID] = append(order[job.GroupID], job.ID)
				lock.Unlock()

				time.Sleep(time.Millisecond)

				lock.Lock()
				delete(inFlight, job.GroupID)
				lock.Unlock()
				assert.NoError(t, s.Complete(ctx, job))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, numGroups*perGroup)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s delivered %d times", id, n)
	}
	for g := 0; g < numGroups; g++ {
		gid := fmt.Sprintf("g%d", g)
		for i, id := range order[gid] {
			assert.Equal(t, fmt.Sprintf("%s-%d", gid, i), id)
		}
	}
}

func enqueue(t *testing.T, s store.Store, group, id string, orderMs int64) *store.JobDescriptor {
	t.Helper()
	return enqueueWith(t, s, &store.EnqueueRequest{ID: id, GroupID: group, MaxAttempts: 3, OrderMs: &orderMs, Payload: []byte(id)})
}

func enqueueWith(t *testing.T, s store.Store, req *store.EnqueueRequest) *store.JobDescriptor {
	t.Helper()
	desc, err := s.Enqueue(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, req.ID, desc.ID)
	return desc
}

func reserve(t *testing.T, s store.Store) *store.Job {
	t.Helper()
	job, err := s.Reserve(context.Background(), &store.ReserveRequest{WorkerID: "w", Token: ulid.Make().String(), VisibilityTimeout: vt})
	require.NoError(t, err)
	return job
}

func ids(jobs []*store.Job) []string {
	res := make([]string, len(jobs))
	for i, j := range jobs {
		res[i] = j.ID
	}
	return res
}

func ptr[T any](v T) *T { return &v }
