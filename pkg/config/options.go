package config

const (
	DefaultProcRoot = "/proc"
	DefaultSysRoot  = "/sys"
)

type Op struct {
	ProcRoot string
	SysRoot  string
}

type OpOption func(*Op)

func (op *Op) ApplyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}

	if op.ProcRoot == "" {
		op.ProcRoot = DefaultProcRoot
	}
	if op.SysRoot == "" {
		op.SysRoot = DefaultSysRoot
	}
}

// Specifies the mount point of the proc filesystem.
func WithProcRoot(p string) OpOption {
	return func(op *Op) {
		op.ProcRoot = p
	}
}

// Specifies the mount point of the sys filesystem.
func WithSysRoot(p string) OpOption {
	return func(op *Op) {
		op.SysRoot = p
	}
}
