package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/groupmq/store"
	ptesting "goa.design/groupmq/testing"
)

func TestWorkerProcessesGroupInOrder(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)
	base := time.Now().Add(-time.Minute).UnixMilli()
	for i := 5; i >= 1; i-- {
		_, err := q.Add(ctx, "g", nil, WithJobID(fmt.Sprintf("j%d", i)), WithOrderMs(base+int64(i)))
		require.NoError(t, err)
	}

	var rec recorder
	w := newTestWorker(t, q, func(_ context.Context, job *Job) error {
		rec.add(job.ID)
		return nil
	})
	runWorker(t, w)

	require.Eventually(t, func() bool { return rec.len() == 5 }, max, delay)
	assert.Equal(t, []string{"j1", "j2", "j3", "j4", "j5"}, rec.list())
	empty, err := q.WaitForEmpty(ctx, max)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestWorkerNoOvertakeOnRetry(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := q.Add(ctx, "A", nil, WithJobID(id))
		require.NoError(t, err)
	}
	_, err := q.Add(ctx, "B", nil, WithJobID("b1"))
	require.NoError(t, err)

	var (
		rec      recorder
		failedA1 atomic.Bool
	)
	handler := func(_ context.Context, job *Job) error {
		rec.add(fmt.Sprintf("%s#%d", job.ID, job.Attempts))
		if job.ID == "a1" && failedA1.CompareAndSwap(false, true) {
			return errors.New("transient")
		}
		return nil
	}
	for i := 0; i < 2; i++ {
		w := newTestWorker(t, q, handler, WithBackoff(ConstantBackoff(50*time.Millisecond)))
		runWorker(t, w)
	}

	empty, err := q.WaitForEmpty(ctx, max)
	require.NoError(t, err)
	require.True(t, empty)

	var groupA []string
	for _, e := range rec.list() {
		if e[0] == 'a' {
			groupA = append(groupA, e)
		}
	}
	assert.Equal(t, []string{"a1#1", "a1#2", "a2#1", "a3#1"}, groupA)
	assert.Contains(t, rec.list(), "b1#1")
}

func TestWorkerMaxAttempts(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t, WithDefaultMaxAttempts(2))
	_, err := q.Add(ctx, "g", nil, WithJobID("j"))
	require.NoError(t, err)
	_, err = q.Add(ctx, "g", nil, WithJobID("next"))
	require.NoError(t, err)

	var (
		rec      recorder
		lock     sync.Mutex
		reported []error
	)
	boom := errors.New("boom")
	w := newTestWorker(t, q, func(_ context.Context, job *Job) error {
		rec.add(fmt.Sprintf("%s#%d", job.ID, job.Attempts))
		if job.ID == "j" {
			return boom
		}
		return nil
	},
		WithBackoff(ConstantBackoff(10*time.Millisecond)),
		WithOnError(func(err error, job *Job) {
			lock.Lock()
			defer lock.Unlock()
			assert.Equal(t, "j", job.ID)
			reported = append(reported, err)
		}))
	runWorker(t, w)

	empty, err := q.WaitForEmpty(ctx, max)
	require.NoError(t, err)
	require.True(t, empty)
	assert.Equal(t, []string{"j#1", "j#2", "next#1"}, rec.list())
	lock.Lock()
	defer lock.Unlock()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], boom)
}

func TestWorkerHandlerPanic(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t, WithDefaultMaxAttempts(1))
	_, err := q.Add(ctx, "g", nil)
	require.NoError(t, err)

	errc := make(chan error, 1)
	w := newTestWorker(t, q, func(context.Context, *Job) error { panic("kaboom") },
		WithOnError(func(err error, _ *Job) { errc <- err }))
	runWorker(t, w)

	select {
	case err := <-errc:
		assert.ErrorContains(t, err, "kaboom")
	case <-time.After(max):
		t.Fatal("error handler not called")
	}
}

func TestWorkerCrashRecovery(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)
	_, err := q.Add(ctx, "g", nil, WithJobID("1"))
	require.NoError(t, err)
	_, err = q.Add(ctx, "g", nil, WithJobID("2"))
	require.NoError(t, err)

	// Simulate a worker crashing after reserving the first job.
	crashed, err := q.Reserve(ctx, "crashed", 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, crashed)
	assert.Equal(t, "1", crashed.ID)

	var (
		rec      recorder
		attempts atomic.Int32
	)
	w := newTestWorker(t, q, func(_ context.Context, job *Job) error {
		if job.ID == "1" {
			attempts.Store(int32(job.Attempts))
		}
		rec.add(job.ID)
		return nil
	}, WithCleanup(50*time.Millisecond))
	runWorker(t, w)

	require.Eventually(t, func() bool { return rec.len() == 2 }, max, delay)
	assert.Equal(t, []string{"1", "2"}, rec.list())
	assert.Equal(t, int32(2), attempts.Load())
	assert.ErrorIs(t, q.Complete(ctx, crashed), store.ErrReservationLost)
}

func TestWorkerReclaimDeadReportsVisibilityTimeout(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t, WithDefaultMaxAttempts(1))
	_, err := q.Add(ctx, "g", nil, WithJobID("j"))
	require.NoError(t, err)
	_, err = q.Reserve(ctx, "crashed", 50*time.Millisecond)
	require.NoError(t, err)

	errc := make(chan error, 1)
	w := newTestWorker(t, q, func(context.Context, *Job) error { return nil },
		WithCleanup(20*time.Millisecond),
		WithOnError(func(err error, job *Job) {
			assert.Equal(t, "j", job.ID)
			errc <- err
		}))
	runWorker(t, w)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrVisibilityTimeout)
	case <-time.After(max):
		t.Fatal("error handler not called")
	}
	empty, err := q.WaitForEmpty(ctx, max)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestWorkerHeartbeat(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)
	_, err := q.Add(ctx, "g", nil, WithJobID("j"))
	require.NoError(t, err)

	var calls atomic.Int32
	w := newTestWorker(t, q, func(context.Context, *Job) error {
		calls.Add(1)
		time.Sleep(400 * time.Millisecond)
		return nil
	},
		WithVisibilityTimeout(150*time.Millisecond),
		WithHeartbeat(30*time.Millisecond),
		WithCleanup(20*time.Millisecond))
	runWorker(t, w)

	empty, err := q.WaitForEmpty(ctx, max)
	require.NoError(t, err)
	require.True(t, empty)
	assert.Equal(t, int32(1), calls.Load(), "heartbeats must prevent redelivery")
}

func TestWorkerExclusivityUnderLoad(t *testing.T) {
	const (
		numGroups = 8
		numJobs   = 10
		numWorker = 6
	)
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)

	type payload struct {
		Name  string `faker:"name"`
		Email string `faker:"email"`
	}
	expected := make(map[string][]string)
	for g := 0; g < numGroups; g++ {
		gid := fmt.Sprintf("group-%d", g)
		for i := 0; i < numJobs; i++ {
			var p payload
			require.NoError(t, faker.FakeData(&p))
			id := fmt.Sprintf("%s-%02d", gid, i)
			_, err := q.Add(ctx, gid, []byte(p.Name+" <"+p.Email+">"), WithJobID(id))
			require.NoError(t, err)
			expected[gid] = append(expected[gid], id)
		}
	}

	var (
		lock      sync.Mutex
		inFlight  = make(map[string]int)
		processed = make(map[string][]string)
		violation atomic.Bool
	)
	handler := func(_ context.Context, job *Job) error {
		lock.Lock()
		inFlight[job.GroupID]++
		if inFlight[job.GroupID] > 1 {
			violation.Store(true)
		}
		lock.Unlock()
		time.Sleep(time.Millisecond)
		lock.Lock()
		inFlight[job.GroupID]--
		processed[job.GroupID] = append(processed[job.GroupID], job.ID)
		lock.Unlock()
		return nil
	}
	for i := 0; i < numWorker; i++ {
		runWorker(t, newTestWorker(t, q, handler))
	}

	empty, err := q.WaitForEmpty(ctx, 10*time.Second)
	require.NoError(t, err)
	require.True(t, empty)
	assert.False(t, violation.Load(), "two jobs of the same group were processed concurrently")
	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, expected, processed)
}

func TestWorkerCrossGroupParallelism(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)
	_, err := q.Add(ctx, "a", nil)
	require.NoError(t, err)
	_, err = q.Add(ctx, "b", nil)
	require.NoError(t, err)

	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()
	handler := func(context.Context, *Job) error {
		started.Done()
		select {
		case <-both:
			return nil
		case <-time.After(max):
			return errors.New("groups were not processed in parallel")
		}
	}
	runWorker(t, newTestWorker(t, q, handler))
	runWorker(t, newTestWorker(t, q, handler))

	select {
	case <-both:
	case <-time.After(max):
		t.Fatal("jobs of different groups were not processed in parallel")
	}
}

func TestWorkerBlockingDispatch(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)
	var rec recorder
	w := newTestWorker(t, q, func(_ context.Context, job *Job) error {
		rec.add(job.ID)
		return nil
	}, WithBlocking(time.Second))
	runWorker(t, w)

	time.Sleep(20 * time.Millisecond)
	_, err := q.Add(ctx, "g", nil, WithJobID("j"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.len() == 1 }, max, delay)
}

func TestWorkerStop(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)
	_, err := q.Add(ctx, "g", nil, WithJobID("j"))
	require.NoError(t, err)

	release := make(chan struct{})
	var handlerErr atomic.Value
	w := newTestWorker(t, q, func(hctx context.Context, _ *Job) error {
		<-release
		if err := hctx.Err(); err != nil {
			handlerErr.Store(err)
		}
		return nil
	})
	runErr := runWorker(t, w)
	require.Eventually(t, w.IsProcessing, max, delay)

	st := w.Status()
	assert.Equal(t, w.ID, st.WorkerID)
	assert.True(t, st.Running)
	assert.True(t, st.Processing)
	assert.Equal(t, "j", st.JobID)
	assert.Equal(t, "g", st.GroupID)
	assert.Equal(t, 1, st.Attempts)
	require.NotNil(t, w.CurrentJob())

	// Stopping is bounded by the given context.
	sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Stop(sctx), context.DeadlineExceeded)

	// Concurrent stops wait for the job in progress to complete.
	var wg sync.WaitGroup
	stopErrs := make([]error, 2)
	for i := range stopErrs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stopErrs[i] = w.Stop(ctx)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.NoError(t, stopErrs[0])
	assert.NoError(t, stopErrs[1])
	assert.NoError(t, <-runErr)
	assert.Nil(t, handlerErr.Load(), "handler context must not be canceled by stop")
	assert.False(t, w.IsProcessing())
	assert.False(t, w.Status().Running)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Total, "in-flight job must be completed")

	assert.NoError(t, w.Stop(ctx))
	assert.ErrorIs(t, w.Run(ctx), ErrWorkerStopped)
}

func TestWorkerRunTwice(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWorker(t, q, func(context.Context, *Job) error { return nil })
	runWorker(t, w)
	require.Eventually(t, func() bool { return w.Status().Running }, max, delay)
	assert.ErrorIs(t, w.Run(ptesting.NewTestContext(t)), ErrWorkerRunning)
}

func TestWorkerRunCanceled(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWorker(t, q, func(context.Context, *Job) error { return nil }, WithBlocking(time.Second))
	ctx, cancel := context.WithCancel(ptesting.NewTestContext(t))
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return w.Status().Running }, max, delay)
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(max):
		t.Fatal("worker did not exit")
	}
}

func TestNewWorkerValidatesOptions(t *testing.T) {
	q := newTestQueue(t)
	h := func(context.Context, *Job) error { return nil }
	_, err := q.NewWorker(nil)
	assert.Error(t, err)
	_, err = q.NewWorker(h, WithVisibilityTimeout(0))
	assert.Error(t, err)
	_, err = q.NewWorker(h, WithPolling(0))
	assert.Error(t, err)
	_, err = q.NewWorker(h, WithBlocking(0))
	assert.Error(t, err)
	w, err := q.NewWorker(h)
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.True(t, w.blocking)
	assert.Equal(t, 30*time.Second, w.visibilityTimeout)
	assert.NotNil(t, w.reclaimer)
}
