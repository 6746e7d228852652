package pgstore

import "goa.design/groupmq/groupmq"

type (
	// Option is a store creation option.
	Option func(*options)

	options struct {
		channel string
		migrate bool
		logger  groupmq.Logger
	}
)

// WithChannel sets the LISTEN/NOTIFY channel used to wake up blocked
// workers, the default is "groupmq_ready".
func WithChannel(channel string) Option {
	return func(o *options) {
		o.channel = channel
	}
}

// WithMigrate applies pending schema migrations when the store is created.
func WithMigrate() Option {
	return func(o *options) {
		o.migrate = true
	}
}

// WithLogger sets the logger used by the store.
func WithLogger(logger groupmq.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func parseOptions(opts ...Option) *options {
	o := &options{
		channel: "groupmq_ready",
		logger:  groupmq.NoopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
