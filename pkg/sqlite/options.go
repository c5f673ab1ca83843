package sqlite

type Op struct {
	readOnly bool
	cache    string
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) error {
	for _, opt := range opts {
		opt(op)
	}
	return nil
}

// ref. https://github.com/mattn/go-sqlite3/issues/1179#issuecomment-1638083995
func WithReadOnly(b bool) OpOption {
	return func(op *Op) {
		op.readOnly = b
	}
}

// WithCache sets the cache mode, e.g. "shared" for an in-memory database
// opened by more than one handle.
func WithCache(mode string) OpOption {
	return func(op *Op) {
		op.cache = mode
	}
}
