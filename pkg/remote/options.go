package remote

import "time"

const (
	DefaultPublisherPort = 53136
	DefaultControlPort   = 53137

	DefaultAcceptTimeout = 5 * time.Second
	DefaultDialTimeout   = 5 * time.Second
)

type Op struct {
	callbackHost  string
	acceptTimeout time.Duration
	dialTimeout   time.Duration
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}
	if op.acceptTimeout <= 0 {
		op.acceptTimeout = DefaultAcceptTimeout
	}
	if op.dialTimeout <= 0 {
		op.dialTimeout = DefaultDialTimeout
	}
}

// WithCallbackHost sets the interface a stub listens on for the reverse
// connection. Defaults to all interfaces.
func WithCallbackHost(host string) OpOption {
	return func(op *Op) {
		op.callbackHost = host
	}
}

// WithAcceptTimeout bounds how long Subscribe waits for the skeleton to
// dial back.
func WithAcceptTimeout(d time.Duration) OpOption {
	return func(op *Op) {
		op.acceptTimeout = d
	}
}

// WithDialTimeout bounds connection setup, including the skeleton's
// reverse dial.
func WithDialTimeout(d time.Duration) OpOption {
	return func(op *Op) {
		op.dialTimeout = d
	}
}
