package remote

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/leptonai/gpuprof/pkg/errsig"
	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/wire"
)

// listenReverse opens the ephemeral port a skeleton dials back to.
func listenReverse(host string) (*wire.ServerSocket, error) {
	return wire.Listen(net.JoinHostPort(host, "0"))
}

// acceptReverse waits for the skeleton's reverse connection. ss is closed
// on return either way.
func acceptReverse(ss *wire.ServerSocket, timeout time.Duration) (*wire.Socket, error) {
	type result struct {
		sock *wire.Socket
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		sock, err := ss.Accept(errsig.Discard)
		ch <- result{sock: sock, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		_ = ss.Close()
		return r.sock, r.err
	case <-timer.C:
		_ = ss.Close()
		if r := <-ch; r.sock != nil {
			_ = r.sock.Close()
		}
		return nil, fmt.Errorf("no reverse connection within %s: %w", timeout, context.DeadlineExceeded)
	}
}

// receiver dispatches the pushes arriving on a reverse connection to a
// local subscriber, on its own goroutine and with its own Signal.
type receiver struct {
	name   string
	sock   *wire.Socket
	sig    *errsig.Signal
	handle func(m *Message) bool
	done   chan struct{}
}

// startReceiver runs handle for every message on sock. handle returns
// false for a method the receiver does not understand.
func startReceiver(name string, sock *wire.Socket, handle func(m *Message) bool) *receiver {
	r := &receiver{
		name:   name,
		sock:   sock,
		sig:    errsig.NewSignal(errsig.WithName(name + " " + sock.RemoteAddr().String())),
		handle: handle,
		done:   make(chan struct{}),
	}
	sock.SetRaiser(r.sig)
	go r.loop()
	return r
}

func (r *receiver) loop() {
	defer close(r.done)

	scope := r.sig.Install(errsig.ClaimTypes(
		errsig.TypeSocketReadFailure,
		errsig.TypeSocketWriteFailure,
		errsig.TypeProtocolViolation,
	))
	defer scope.Close()

	for {
		payload, err := r.sock.Read()
		if err != nil {
			break
		}
		m, err := Unmarshal(payload)
		if err != nil {
			protocolViolations.Inc()
			r.sig.Raise(errsig.New(errsig.TypeProtocolViolation, errsig.SeverityError, "malformed push: %v", err))
			break
		}
		calls.WithLabelValues(m.Method.String(), "received").Inc()

		if !r.handle(m) {
			protocolViolations.Inc()
			r.sig.Raise(errsig.New(errsig.TypeProtocolViolation, errsig.SeverityError, "unexpected push %s", m.Method))
			break
		}
	}
	_ = r.sock.Close()
	log.Logger.Debugw("reverse connection closed", "name", r.name, "failures", scope.Claimed())
}

// Healthy reports whether the receive loop is still running.
func (r *receiver) Healthy() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *receiver) close() error {
	err := r.sock.Close()
	<-r.done
	return err
}
