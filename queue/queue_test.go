package queue

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/groupmq/store"
	"goa.design/groupmq/store/memstore"
	ptesting "goa.design/groupmq/testing"
)

func TestNewValidatesOptions(t *testing.T) {
	st := memstore.New("validate")
	_, err := New(st, WithDefaultMaxAttempts(0))
	assert.Error(t, err)
	_, err = New(st, WithOrderingDelay(-time.Second))
	assert.Error(t, err)
	q, err := New(st)
	require.NoError(t, err)
	assert.Equal(t, "validate", q.Name)
	assert.Equal(t, st, q.Store())
}

func TestAdd(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)

	d, err := q.Add(ctx, "g", []byte("payload"))
	require.NoError(t, err)
	_, err = ulid.ParseStrict(d.ID)
	assert.NoError(t, err, "default job id must be a ULID")
	assert.False(t, d.Updated)

	d2, err := q.Add(ctx, "g", []byte("payload"), WithJobID("custom"), WithMaxAttempts(7))
	require.NoError(t, err)
	assert.Equal(t, "custom", d2.ID)
	assert.Greater(t, d2.Seq, d.Seq)

	jobs, err := q.Jobs(ctx, store.StateWaiting, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, 3, jobs[0].MaxAttempts)
	assert.Equal(t, 7, jobs[1].MaxAttempts)

	_, err = q.Add(ctx, "", nil)
	assert.Error(t, err)
	_, err = q.Add(ctx, "g", nil, WithOrderMs(store.MaxOrderMs))
	assert.ErrorIs(t, err, store.ErrInvalidOrder)
	_, err = q.Add(ctx, "g", nil, WithDelay(-time.Second))
	assert.Error(t, err)
}

func TestAddUpsert(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)

	_, err := q.Add(ctx, "g", []byte("v1"), WithJobID("j"))
	require.NoError(t, err)
	d, err := q.Add(ctx, "g", []byte("v2"), WithJobID("j"))
	require.NoError(t, err)
	assert.True(t, d.Updated)
	_, err = q.Add(ctx, "other", []byte("v3"), WithJobID("j"))
	assert.ErrorIs(t, err, store.ErrGroupMismatch)

	job, err := q.Reserve(ctx, "w", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, []byte("v2"), job.Payload)
}

func TestOrderTime(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)
	base := time.Now().Add(-time.Hour)

	_, err := q.Add(ctx, "g", []byte("late"), WithJobID("late"), WithOrderTime(base.Add(time.Second)))
	require.NoError(t, err)
	_, err = q.Add(ctx, "g", []byte("early"), WithJobID("early"), WithOrderTime(base))
	require.NoError(t, err)

	job, err := q.Reserve(ctx, "w", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "early", job.ID)
	assert.Equal(t, base.UnixMilli(), job.OrderMs)
}

func TestOrderingDelay(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t, WithOrderingDelay(150*time.Millisecond))

	_, err := q.Add(ctx, "g", nil, WithJobID("j"))
	require.NoError(t, err)
	job, err := q.Reserve(ctx, "w", time.Second)
	require.NoError(t, err)
	assert.Nil(t, job, "job must be held for the ordering delay")

	delayed, err := q.GetDelayed(ctx)
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	assert.Equal(t, "j", delayed[0].ID)

	job, err = q.ReserveBlocking(ctx, "w", time.Second, max)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j", job.ID)
}

func TestReserveBlocking(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)

	start := time.Now()
	job, err := q.ReserveBlocking(ctx, "w", time.Second, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Add(ctx, "g", nil, WithJobID("j"))
	}()
	job, err = q.ReserveBlocking(ctx, "w", time.Second, max)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j", job.ID)
	assert.Equal(t, "w", job.WorkerID)
	assert.NotEmpty(t, job.Token)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = q.ReserveBlocking(cctx, "w", time.Second, max)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIntrospection(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)

	_, err := q.Add(ctx, "a", nil, WithJobID("a1"))
	require.NoError(t, err)
	_, err = q.Add(ctx, "a", nil, WithJobID("a2"))
	require.NoError(t, err)
	_, err = q.Add(ctx, "b", nil, WithJobID("b1"), WithDelay(time.Hour))
	require.NoError(t, err)

	job, err := q.Reserve(ctx, "w", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a1", job.ID)

	active, err := q.GetActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	delayed, err := q.GetDelayed(ctx)
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	assert.Equal(t, "b1", delayed[0].ID)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Counts{Active: 1, Waiting: 1, Delayed: 1, Total: 3, Groups: 2}, counts)

	groups, err := q.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, groups)
}

func TestWaitForEmpty(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	q := newTestQueue(t)

	empty, err := q.WaitForEmpty(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, empty)

	_, err = q.Add(ctx, "g", nil, WithJobID("j"))
	require.NoError(t, err)
	empty, err = q.WaitForEmpty(ctx, 150*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, empty)

	go func() {
		time.Sleep(50 * time.Millisecond)
		job, _ := q.Reserve(ctx, "w", time.Second)
		if job != nil {
			_ = q.Complete(ctx, job)
		}
	}()
	empty, err = q.WaitForEmpty(ctx, max)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestMetrics(t *testing.T) {
	ctx := ptesting.NewTestContext(t)
	reg := prometheus.NewRegistry()
	q := newTestQueue(t, WithMetrics(reg), WithDefaultMaxAttempts(1))

	_, err := q.Add(ctx, "g", nil, WithJobID("ok"))
	require.NoError(t, err)
	_, err = q.Add(ctx, "g", nil, WithJobID("ko"))
	require.NoError(t, err)

	job, err := q.Reserve(ctx, "w", time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job))
	job, err = q.Reserve(ctx, "w", time.Second)
	require.NoError(t, err)
	dead, err := q.Fail(ctx, job, 0)
	require.NoError(t, err)
	assert.True(t, dead)

	assert.Equal(t, 2.0, testutil.ToFloat64(q.metrics.enqueued.WithLabelValues(q.Name)))
	assert.Equal(t, 1.0, testutil.ToFloat64(q.metrics.completed.WithLabelValues(q.Name)))
	assert.Equal(t, 1.0, testutil.ToFloat64(q.metrics.dead.WithLabelValues(q.Name)))
	assert.Equal(t, 0.0, testutil.ToFloat64(q.metrics.retried.WithLabelValues(q.Name)))

	// A second queue registered with the same registry shares the collectors.
	other, err := New(memstore.New("other"), WithMetrics(reg))
	require.NoError(t, err)
	_, err = other.Add(ctx, "g", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(q.metrics.enqueued.WithLabelValues("other")))
}
