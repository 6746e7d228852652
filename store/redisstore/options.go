package redisstore

import "goa.design/groupmq/groupmq"

type (
	// Option is a store creation option.
	Option func(*options)

	options struct {
		// Prefix of all keys
		prefix string
		// Logger
		logger groupmq.Logger
	}
)

// WithKeyPrefix sets the prefix of all Redis keys, the default is "groupmq".
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithLogger sets the logger used by the store.
func WithLogger(logger groupmq.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// parseOptions parses the given options and returns the corresponding
// options.
func parseOptions(opts ...Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// defaultOptions returns the default options.
func defaultOptions() *options {
	return &options{
		prefix: "groupmq",
		logger: groupmq.NoopLogger(),
	}
}
