package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/groupmq/groupmq"
	"goa.design/groupmq/queue"
	"goa.design/groupmq/store/memstore"
	ptesting "goa.design/groupmq/testing"
)

const (
	max   = 3 * time.Second
	delay = 10 * time.Millisecond
)

// fakeWorker records stop calls.
type fakeWorker struct {
	stops   atomic.Int32
	stopFor time.Duration
}

func (w *fakeWorker) Stop(ctx context.Context) error {
	w.stops.Add(1)
	select {
	case <-time.After(w.stopFor):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *fakeWorker) Status() queue.WorkerStatus {
	return queue.WorkerStatus{WorkerID: "fake"}
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.New(memstore.New(t.Name()))
	require.NoError(t, err)
	return q
}

func setup(t *testing.T, workers []Worker, queues []Queue, opts ...Option) *Coordinator {
	t.Helper()
	ctx := ptesting.NewTestContext(t)
	opts = append([]Option{WithLogger(groupmq.ClueLogger(ctx)), WithSignals()}, opts...)
	c := Setup(workers, queues, opts...)
	t.Cleanup(c.Close)
	return c
}

func TestShutdownDrainsThenStops(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)
	for i := 0; i < 5; i++ {
		_, err := q.Add(ctx, "g", nil)
		require.NoError(t, err)
	}
	var processed atomic.Int32
	w, err := q.NewWorker(func(context.Context, *queue.Job) error {
		time.Sleep(5 * time.Millisecond)
		processed.Add(1)
		return nil
	}, queue.WithPolling(5*time.Millisecond), queue.WithCleanup(0))
	require.NoError(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	c := setup(t, []Worker{w}, []Queue{q}, WithQueueEmptyTimeout(max), WithWorkerStopTimeout(time.Second))
	assert.Equal(t, StateRunning, c.Status().State)
	require.NoError(t, c.Shutdown(ctx, "test"))

	assert.Equal(t, int32(5), processed.Load(), "queue must be drained before workers stop")
	assert.NoError(t, <-runErr)
	st := c.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, "test", st.Reason)
	require.Len(t, st.Workers, 1)
	assert.Equal(t, w.ID, st.Workers[0].WorkerID)
	assert.False(t, st.Workers[0].Running)
	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestShutdownProceedsOnQueueTimeout(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)
	_, err := q.Add(ctx, "g", nil, queue.WithDelay(time.Hour))
	require.NoError(t, err)
	w := &fakeWorker{}
	logCtx, buf := ptesting.NewBufferedLogContext(t)

	c := setup(t, []Worker{w}, []Queue{q},
		WithQueueEmptyTimeout(50*time.Millisecond),
		WithLogger(groupmq.ClueLogger(logCtx)))
	start := time.Now()
	require.NoError(t, c.Shutdown(ctx, "test"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int32(1), w.stops.Load())
	assert.Contains(t, buf.String(), "queue not empty after timeout")
}

func TestShutdownReportsWorkerTimeout(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	slow := &fakeWorker{stopFor: time.Hour}
	fast := &fakeWorker{}

	c := setup(t, []Worker{slow, fast}, nil, WithWorkerStopTimeout(50*time.Millisecond))
	err := c.Shutdown(ctx, "test")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), slow.stops.Load())
	assert.Equal(t, int32(1), fast.stops.Load())
	assert.Equal(t, StateStopped, c.Status().State)
}

func TestShutdownIsIdempotent(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	w := &fakeWorker{stopFor: 50 * time.Millisecond}
	c := setup(t, []Worker{w}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Shutdown(ctx, "test"))
		}()
	}
	wg.Wait()
	assert.NoError(t, c.Shutdown(ctx, "again"))
	assert.Equal(t, int32(1), w.stops.Load())
	assert.Equal(t, "test", c.Status().Reason)
}

func TestStatusReportsProcessingWorker(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)
	_, err := q.Add(ctx, "g", nil, queue.WithJobID("j"))
	require.NoError(t, err)
	release := make(chan struct{})
	w, err := q.NewWorker(func(context.Context, *queue.Job) error {
		<-release
		return nil
	}, queue.WithPolling(5*time.Millisecond), queue.WithCleanup(0))
	require.NoError(t, err)
	go func() { _ = w.Run(ctx) }()

	c := setup(t, []Worker{w}, []Queue{q})
	require.Eventually(t, func() bool { return c.Status().Workers[0].Processing }, max, delay)
	st := c.Status().Workers[0]
	assert.Equal(t, "j", st.JobID)
	assert.Equal(t, "g", st.GroupID)
	time.Sleep(20 * time.Millisecond)
	assert.GreaterOrEqual(t, c.Status().Workers[0].Elapsed, 20*time.Millisecond)

	close(release)
	require.NoError(t, c.Shutdown(ctx, "test"))
}

func TestFatalExits(t *testing.T) {
	w := &fakeWorker{}
	codes := make(chan int, 1)
	c := setup(t, []Worker{w}, nil, WithExitFunc(func(code int) { codes <- code }))

	c.Fatal(errors.New("boom"))
	assert.Equal(t, 1, <-codes)
	assert.Equal(t, int32(1), w.stops.Load())
	assert.Equal(t, "fatal: boom", c.Status().Reason)
}

func TestRecoverExits(t *testing.T) {
	w := &fakeWorker{}
	codes := make(chan int, 1)
	c := setup(t, []Worker{w}, nil, WithExitFunc(func(code int) { codes <- code }))

	func() {
		defer c.Recover()
		panic("kaboom")
	}()
	assert.Equal(t, 1, <-codes)
	assert.Equal(t, "fatal: panic: kaboom", c.Status().Reason)
}
