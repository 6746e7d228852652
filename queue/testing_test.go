package queue

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/groupmq/groupmq"
	"goa.design/groupmq/store/memstore"
	ptesting "goa.design/groupmq/testing"
)

const (
	max   = 3 * time.Second
	delay = 10 * time.Millisecond
)

// newTestQueue creates a queue backed by an in-memory store named after the
// test.
func newTestQueue(t *testing.T, opts ...QueueOption) *Queue {
	t.Helper()
	ctx := ptesting.NewTestContext(t)
	st := memstore.New(strings.ReplaceAll(t.Name(), "/", "_"))
	t.Cleanup(func() { _ = st.Close() })
	opts = append([]QueueOption{WithLogger(groupmq.ClueLogger(ctx))}, opts...)
	q, err := New(st, opts...)
	require.NoError(t, err)
	return q
}

// newTestWorker creates a polling worker that does not run reclaim sweeps
// unless opts say otherwise. The worker is stopped when the test ends.
func newTestWorker(t *testing.T, q *Queue, h Handler, opts ...WorkerOption) *Worker {
	t.Helper()
	opts = append([]WorkerOption{WithPolling(5 * time.Millisecond), WithCleanup(0)}, opts...)
	w, err := q.NewWorker(h, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := ptesting.NewTestContext(t)
		_ = w.Stop(ctx)
	})
	return w
}

// runWorker runs w in the background and returns a channel receiving the Run
// error.
func runWorker(t *testing.T, w *Worker) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	ctx := ptesting.NewTestContext(t)
	go func() { errc <- w.Run(ctx) }()
	return errc
}

// recorder records the handled jobs.
type recorder struct {
	lock sync.Mutex
	ids  []string
}

func (r *recorder) add(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recorder) list() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.ids...)
}

func (r *recorder) len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.ids)
}
