package testing

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"goa.design/clue/log"
)

// reset is the ANSI escape code for resetting the terminal color.
const reset = "\033[0m"

// epoch is the time used for formatting log timestamps.
var epoch = time.Now()

// NewTestContext returns a context with a logger tagged with the test name.
// Debug logs are enabled when tests run in verbose mode.
func NewTestContext(t *testing.T) context.Context {
	t.Helper()
	opts := []log.LogOption{}
	if testing.Verbose() {
		opts = append(opts, log.WithDebug())
	}
	if log.IsTerminal() {
		opts = append(opts, log.WithFormat(FormatTerminal))
	}
	ctx := log.Context(context.Background(), opts...)
	return log.With(ctx, log.KV{K: "test", V: t.Name()})
}

// NewBufferedLogContext returns a context whose logger writes text entries,
// debug included, to the returned buffer as soon as they are logged.
func NewBufferedLogContext(t *testing.T) (context.Context, *Buffer) {
	t.Helper()
	var buf Buffer
	ctx := log.Context(context.Background(), log.WithOutput(&buf), log.WithFormat(log.FormatText), log.WithDebug())
	log.FlushAndDisableBuffering(ctx)
	return ctx, &buf
}

// FormatTerminal formats a log entry for terminal output with timestamps in
// milliseconds elapsed since the test binary started.
func FormatTerminal(e *log.Entry) []byte {
	var b bytes.Buffer
	b.WriteString(e.Severity.Color())
	b.WriteString(e.Severity.Code())
	b.WriteString(reset)
	fmt.Fprintf(&b, "[%05d]", e.Time.Sub(epoch).Milliseconds())
	for _, kv := range e.KeyVals {
		b.WriteByte(' ')
		b.WriteString(e.Severity.Color())
		b.WriteString(kv.K)
		b.WriteString(reset)
		fmt.Fprintf(&b, "=%v", kv.V)
	}
	b.WriteByte('\n')
	return b.Bytes()
}
