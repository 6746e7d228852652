package groupmq

import (
	"context"
	"fmt"
	stdlog "log"
	"strings"

	"github.com/sirupsen/logrus"
	cluelog "goa.design/clue/log"
)

type (
	// Logger is the interface used by queues, workers and stores to write log
	// entries. Key-value pairs are given as alternating keys (strings) and
	// values.
	Logger interface {
		// EnableDebug turns on debug logging.
		EnableDebug()
		// WithPrefix returns a logger that prefixes all log entries with the
		// given key-value pairs.
		WithPrefix(kvs ...any) Logger
		// Debug logs a debug message.
		Debug(msg string, kvs ...any)
		// Info logs an info message.
		Info(msg string, kvs ...any)
		// Error logs an error message.
		Error(err error, kvs ...any)
	}

	noopLogger struct{}

	// stdLogger is a Go standard library logger adapter.
	stdLogger struct {
		debugEnabled bool
		prefix       string
		logger       *stdlog.Logger
	}

	// clueLogger is a clue logger adapter.
	clueLogger struct {
		logContext context.Context
	}

	// logrusLogger is a logrus logger adapter.
	logrusLogger struct {
		entry *logrus.Entry
	}
)

var (
	_ Logger = (*noopLogger)(nil)
	_ Logger = (*stdLogger)(nil)
	_ Logger = (*clueLogger)(nil)
	_ Logger = (*logrusLogger)(nil)
)

// NoopLogger returns a logger that discards all entries.
func NoopLogger() Logger {
	return &noopLogger{}
}

// StdLogger adapts a Go standard library logger.
func StdLogger(logger *stdlog.Logger) Logger {
	return &stdLogger{logger: logger}
}

// ClueLogger adapts a clue logger. logCtx must have been initialized with
// log.Context.
func ClueLogger(logCtx context.Context) Logger {
	cluelog.MustContainLogger(logCtx)
	return &clueLogger{logCtx}
}

// LogrusLogger adapts a logrus logger.
func LogrusLogger(logger *logrus.Logger) Logger {
	return &logrusLogger{entry: logrus.NewEntry(logger)}
}

func (l *noopLogger) EnableDebug()               {}
func (l *noopLogger) WithPrefix(_ ...any) Logger { return l }
func (l *noopLogger) Debug(_ string, _ ...any)   {}
func (l *noopLogger) Info(_ string, _ ...any)    {}
func (l *noopLogger) Error(_ error, _ ...any)    {}

func (l *stdLogger) EnableDebug() {
	l.debugEnabled = true
}

func (l *stdLogger) WithPrefix(kvs ...any) Logger {
	return &stdLogger{
		debugEnabled: l.debugEnabled,
		prefix:       l.prefix + strings.TrimSpace(fmt.Sprintf(format(kvs), args(kvs)...)) + " ",
		logger:       l.logger,
	}
}

func (l *stdLogger) Debug(msg string, kvs ...any) {
	if l.debugEnabled {
		l.logger.Printf("[DEBUG] "+l.prefix+"%s"+format(kvs), append([]any{msg}, args(kvs)...)...)
	}
}

func (l *stdLogger) Info(msg string, kvs ...any) {
	l.logger.Printf("[INFO] "+l.prefix+"%s"+format(kvs), append([]any{msg}, args(kvs)...)...)
}

func (l *stdLogger) Error(err error, kvs ...any) {
	l.logger.Printf("[ERROR] "+l.prefix+"%s"+format(kvs), append([]any{err.Error()}, args(kvs)...)...)
}

// format returns a format string with one "%v=%v" directive per pair.
func format(kvs []any) string {
	var f string
	for i := 0; i+1 < len(kvs); i += 2 {
		f += " %v=%v"
	}
	return f
}

func args(kvs []any) (args []any) {
	for i := 0; i+1 < len(kvs); i += 2 {
		args = append(args, kvs[i], kvs[i+1])
	}
	return args
}

func (l *clueLogger) EnableDebug() {
	l.logContext = cluelog.Context(l.logContext, cluelog.WithDebug())
}

func (l *clueLogger) WithPrefix(kvs ...any) Logger {
	return &clueLogger{
		logContext: cluelog.With(l.logContext, toFields(kvs...)...),
	}
}

func (l *clueLogger) Debug(msg string, kvs ...any) {
	kvs = append([]any{"msg", msg}, kvs...)
	cluelog.Debug(l.logContext, toFields(kvs...)...)
}

func (l *clueLogger) Info(msg string, kvs ...any) {
	kvs = append([]any{"msg", msg}, kvs...)
	cluelog.Info(l.logContext, toFields(kvs...)...)
}

func (l *clueLogger) Error(err error, kvs ...any) {
	cluelog.Error(l.logContext, err, toFields(kvs...)...)
}

func toFields(kvs ...any) []cluelog.Fielder {
	fields := make([]cluelog.Fielder, 0, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		fields = append(fields, cluelog.KV{K: fmt.Sprint(kvs[i]), V: kvs[i+1]})
	}
	return fields
}

func (l *logrusLogger) EnableDebug() {
	l.entry.Logger.SetLevel(logrus.DebugLevel)
}

func (l *logrusLogger) WithPrefix(kvs ...any) Logger {
	return &logrusLogger{entry: l.entry.WithFields(toLogrusFields(kvs))}
}

func (l *logrusLogger) Debug(msg string, kvs ...any) {
	l.entry.WithFields(toLogrusFields(kvs)).Debug(msg)
}

func (l *logrusLogger) Info(msg string, kvs ...any) {
	l.entry.WithFields(toLogrusFields(kvs)).Info(msg)
}

func (l *logrusLogger) Error(err error, kvs ...any) {
	l.entry.WithFields(toLogrusFields(kvs)).WithError(err).Error(err.Error())
}

func toLogrusFields(kvs []any) logrus.Fields {
	fields := make(logrus.Fields, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		fields[fmt.Sprint(kvs[i])] = kvs[i+1]
	}
	return fields
}
