package errsig

import (
	"os"
	"sync"

	"github.com/leptonai/gpuprof/pkg/log"
)

// Signal is the handler stack of one goroutine of control.
// Raise may be called from other goroutines (e.g. a subscriber stub driven
// by the poll loop but owned by a dispatch loop), so it is locked.
type Signal struct {
	name string
	exit func(int)

	mu        sync.Mutex
	stack     []*Scope
	unhandled int
}

type Op struct {
	name string
	exit func(int)
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}
	if op.exit == nil {
		op.exit = os.Exit
	}
}

// WithName names the goroutine of control in log messages.
func WithName(name string) OpOption {
	return func(op *Op) {
		op.name = name
	}
}

// WithExitFunc replaces os.Exit for fatal and unclaimed errors.
func WithExitFunc(exit func(int)) OpOption {
	return func(op *Op) {
		op.exit = exit
	}
}

// NewSignal creates an empty handler stack.
func NewSignal(opts ...OpOption) *Signal {
	op := &Op{}
	op.applyOpts(opts)
	return &Signal{
		name: op.name,
		exit: op.exit,
	}
}

var _ Raiser = (*Signal)(nil)

// Raise delivers e to the most recently installed handler that claims it.
//
// Fatal errors terminate immediately. Debug and info errors are logged
// and never disturb control flow. Warn and error errors are counted as
// outstanding until a handler claims them; an unclaimed warn is logged
// and swallowed, an unclaimed error terminates the process.
func (s *Signal) Raise(e *Error) {
	if e == nil {
		return
	}

	switch e.Severity {
	case SeverityFatal:
		log.Logger.Errorw("fatal error raised", "signal", s.name, "type", e.Type.String(), "message", e.Message)
		s.exit(1)
		return
	case SeverityDebug:
		log.Logger.Debugw("raised", "signal", s.name, "type", e.Type.String(), "message", e.Message)
		return
	case SeverityInfo:
		log.Logger.Infow("raised", "signal", s.name, "type", e.Type.String(), "message", e.Message)
		return
	}

	s.mu.Lock()
	s.unhandled++
	var claimer *Scope
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i].handler.OnError(e) {
			claimer = s.stack[i]
			claimer.claimed++
			break
		}
	}
	s.mu.Unlock()

	if claimer != nil {
		log.Logger.Debugw("error claimed", "signal", s.name, "type", e.Type.String(), "message", e.Message)
		return
	}

	if e.Severity == SeverityWarn {
		log.Logger.Warnw("unclaimed warning", "signal", s.name, "type", e.Type.String(), "message", e.Message)
		return
	}
	log.Logger.Errorw("unclaimed error, terminating", "signal", s.name, "type", e.Type.String(), "message", e.Message)
	s.exit(1)
}

// Install pushes h onto the stack. The returned Scope must be closed,
// usually with defer, to pop it.
func (s *Signal) Install(h Handler) *Scope {
	sc := &Scope{sig: s, handler: h}
	s.mu.Lock()
	s.stack = append(s.stack, sc)
	s.mu.Unlock()
	return sc
}

// NoError reports whether there are no outstanding warn/error raises.
// Errors claimed by a scope stay outstanding until that scope closes.
func (s *Signal) NoError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unhandled == 0
}

// Outstanding returns the number of outstanding warn/error raises.
func (s *Signal) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unhandled
}

// Depth returns the number of installed handlers.
func (s *Signal) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

// Scope is one installed handler.
type Scope struct {
	sig     *Signal
	handler Handler
	claimed int
	closed  bool
}

// Claimed returns how many errors this scope has claimed so far.
func (sc *Scope) Claimed() int {
	sc.sig.mu.Lock()
	defer sc.sig.mu.Unlock()
	return sc.claimed
}

// Close pops the scope and forgets the errors it claimed, so they are no
// longer outstanding for the code above it. Closing twice is a no-op.
func (sc *Scope) Close() {
	s := sc.sig
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc.closed {
		return
	}
	sc.closed = true

	idx := -1
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i] == sc {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	if idx != len(s.stack)-1 {
		log.Logger.Warnw("handler scope closed out of order", "signal", s.name, "depth", len(s.stack), "index", idx)
	}
	s.stack = append(s.stack[:idx], s.stack[idx+1:]...)
	s.unhandled -= sc.claimed
}
