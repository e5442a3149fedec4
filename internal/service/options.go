package service

import "github.com/phrazzld/taskqueue/internal/domain"

// Option configures TaskService and DLQService.
type Option func(*options)

type options struct {
	maxRetries int
}

func newOptions(opts []Option) options {
	o := options{maxRetries: domain.DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxRetries sets the retry ceiling stamped on every task the service
// creates. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.maxRetries = n
		}
	}
}
