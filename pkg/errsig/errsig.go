// Package errsig implements scoped error signaling for code paths that
// cannot return errors to the place that has to react to them.
//
// A Signal is owned by one goroutine of control (the render/poll loop, or a
// connection's dispatch loop). Code deep inside that control flow raises
// errors into it; handlers installed higher up claim them. Handlers are
// installed with Install and removed by closing the returned Scope, normally
// with defer, so the stack unwinds on every exit path.
package errsig

import (
	"fmt"
)

// Severity orders how disruptive an error is.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Type classifies a raised error.
type Type int

const (
	TypeInformationalLogEvent Type = iota
	TypeSocketWriteFailure
	TypeSocketReadFailure
	// TypeProtocolViolation is raised when a peer breaks the remote
	// protocol, e.g. a second Subscribe while a subscriber is live.
	TypeProtocolViolation
)

func (t Type) String() string {
	switch t {
	case TypeInformationalLogEvent:
		return "informational"
	case TypeSocketWriteFailure:
		return "socket-write-failure"
	case TypeSocketReadFailure:
		return "socket-read-failure"
	case TypeProtocolViolation:
		return "protocol-violation"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Error is the value raised into a Signal. It also satisfies the error
// interface so the same value can be returned and wrapped.
type Error struct {
	Type     Type
	Severity Severity
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Severity, e.Message)
}

// New creates an Error with a formatted message.
func New(typ Type, sev Severity, format string, args ...any) *Error {
	return &Error{
		Type:     typ,
		Severity: sev,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Raiser accepts raised errors. *Signal implements it.
type Raiser interface {
	Raise(*Error)
}

// Handler decides whether it claims an error.
type Handler interface {
	OnError(*Error) bool
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(*Error) bool

func (f HandlerFunc) OnError(e *Error) bool { return f(e) }

// ClaimTypes returns a handler claiming every error of the given types.
func ClaimTypes(types ...Type) Handler {
	return HandlerFunc(func(e *Error) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	})
}

// ClaimSocketFailures claims read and write failures, the handler every
// session and dispatch loop installs around its network operations.
func ClaimSocketFailures() Handler {
	return ClaimTypes(TypeSocketReadFailure, TypeSocketWriteFailure)
}

// Discard is a Raiser that drops everything.
var Discard Raiser = discard{}

type discard struct{}

func (discard) Raise(*Error) {}
