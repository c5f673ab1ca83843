package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/leptonai/gpuprof/pkg/errdefs"
)

// stub is the calling side shared by the publisher and control stubs.
type stub struct {
	name string
	op   Op
	fwd  *link

	// callMu pairs each synchronous request with its reply.
	callMu sync.Mutex

	subMu sync.Mutex
	recv  *receiver
}

func dialStub(ctx context.Context, name, addr string, opts []OpOption) (*stub, error) {
	op := Op{}
	op.applyOpts(opts)

	cctx, cancel := context.WithTimeout(ctx, op.dialTimeout)
	defer cancel()

	fwd, err := dialLink(cctx, name, addr)
	if err != nil {
		return nil, err
	}
	return &stub{name: name, op: op, fwd: fwd}, nil
}

// call sends m and blocks for its reply.
func (s *stub) call(m *Message) (*Message, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	if err := s.fwd.send(m); err != nil {
		return nil, err
	}
	reply, err := s.fwd.recv()
	if err != nil {
		return nil, fmt.Errorf("%s: no reply to %s: %w", s.name, m.Method, err)
	}
	if reply.Method != MethodReply {
		protocolViolations.Inc()
		_ = s.fwd.close()
		return nil, fmt.Errorf("%s: got %s in reply to %s: %w", s.name, reply.Method, m.Method, errdefs.ErrFailedPrecondition)
	}
	if reply.Error != "" {
		return reply, errors.New(reply.Error)
	}
	return reply, nil
}

// subscribe performs the reverse handshake: listen on an ephemeral port,
// ask the skeleton to dial it, accept, then wait for the skeleton to have
// processed everything sent so far.
func (s *stub) subscribe(handle func(m *Message) bool) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.recv != nil {
		if s.recv.Healthy() {
			return fmt.Errorf("%s: already subscribed: %w", s.name, errdefs.ErrAlreadyExists)
		}
		_ = s.recv.close()
		s.recv = nil
	}

	ss, err := listenReverse(s.op.callbackHost)
	if err != nil {
		return fmt.Errorf("%s: failed to listen for subscriber connection: %w", s.name, err)
	}
	if err := s.fwd.send(&Message{Method: MethodSubscribe, Port: uint32(ss.Port())}); err != nil {
		_ = ss.Close()
		return err
	}

	sock, err := acceptReverse(ss, s.op.acceptTimeout)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	s.recv = startReceiver(s.name+" subscriber", sock, handle)

	return s.Flush()
}

// Flush blocks until the peer has dispatched every message sent before it.
func (s *stub) Flush() error {
	_, err := s.call(&Message{Method: MethodFlush})
	return err
}

// Healthy reports whether the forward connection is usable.
func (s *stub) Healthy() bool {
	return s.fwd.Healthy()
}

// Subscribed reports whether a reverse connection is live.
func (s *stub) Subscribed() bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.recv != nil && s.recv.Healthy()
}

// Close closes both connections and waits for the receive loop.
func (s *stub) Close() error {
	err := s.fwd.close()

	s.subMu.Lock()
	r := s.recv
	s.recv = nil
	s.subMu.Unlock()

	if r != nil {
		_ = r.close()
	}
	return err
}

// skeleton is the serving side shared by the publisher and control
// skeletons.
type skeleton struct {
	srv *server
	sub *subscription
}

func newSkeleton(name, addr string, opts []OpOption, handle handlerFunc) (*skeleton, error) {
	op := Op{}
	op.applyOpts(opts)

	srv, err := newServer(name, addr, handle)
	if err != nil {
		return nil, err
	}
	return &skeleton{
		srv: srv,
		sub: &subscription{name: name, dialTimeout: op.dialTimeout},
	}, nil
}

// Start begins accepting connections.
func (s *skeleton) Start() {
	s.srv.start()
}

// Port returns the bound port, useful when listening on ":0".
func (s *skeleton) Port() int {
	return s.srv.port()
}

// Reap detaches the subscriber if its reverse connection failed. Called
// from the owner's poll loop; reports whether a subscriber was dropped.
func (s *skeleton) Reap() bool {
	return s.sub.reap()
}

// Subscribed reports whether a healthy reverse connection exists.
func (s *skeleton) Subscribed() bool {
	return s.sub.healthy()
}

// Close stops serving and drops the subscriber.
func (s *skeleton) Close() error {
	err := s.srv.close()
	s.sub.close()
	return err
}
