package testing

import (
	"bytes"
	"sync"
)

// Buffer is a goroutine-safe bytes.Buffer used to capture log output in
// tests.
type Buffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

// Write appends p to the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

// String returns the content written so far.
func (b *Buffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}
