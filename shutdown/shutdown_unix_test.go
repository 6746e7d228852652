//go:build unix

package shutdown

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalTriggersShutdown(t *testing.T) {
	w := &fakeWorker{}
	codes := make(chan int, 1)
	c := setup(t, []Worker{w}, nil,
		WithSignals(syscall.SIGUSR1),
		WithExitFunc(func(code int) { codes <- code }))

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	select {
	case code := <-codes:
		assert.Equal(t, 0, code)
	case <-time.After(max):
		t.Fatal("signal did not trigger shutdown")
	}
	assert.Equal(t, int32(1), w.stops.Load())
	assert.Equal(t, StateStopped, c.Status().State)
	assert.Equal(t, "signal: user defined signal 1", c.Status().Reason)
}
