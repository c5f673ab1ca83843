package remote

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/leptonai/gpuprof/pkg/errsig"
	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/wire"
)

// conn is one accepted connection. Its Signal belongs to the goroutine
// dispatching it.
type conn struct {
	sock *wire.Socket
	sig  *errsig.Signal
}

func (c *conn) reply(m *Message) {
	m.Method = MethodReply
	if err := c.sock.Write(Marshal(m)); err == nil {
		calls.WithLabelValues(MethodReply.String(), "sent").Inc()
	}
}

// violation raises a protocol violation on the connection; the dispatch
// loop closes it once the handler returns.
func (c *conn) violation(format string, args ...any) {
	protocolViolations.Inc()
	c.sig.Raise(errsig.New(errsig.TypeProtocolViolation, errsig.SeverityError, format, args...))
}

type handlerFunc func(c *conn, m *Message)

// server runs the accept loop and one dispatch goroutine per connection.
type server struct {
	name   string
	ss     *wire.ServerSocket
	handle handlerFunc

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool

	wg sync.WaitGroup
}

func newServer(name, addr string, handle handlerFunc) (*server, error) {
	ss, err := wire.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen %s on %s: %w", name, addr, err)
	}
	return &server{
		name:   name,
		ss:     ss,
		handle: handle,
		conns:  make(map[*conn]struct{}),
	}, nil
}

func (s *server) start() {
	log.Logger.Infow("serving", "name", s.name, "address", s.ss.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop()
}

func (s *server) port() int {
	return s.ss.Port()
}

func (s *server) acceptLoop() {
	defer s.wg.Done()

	for {
		sock, err := s.ss.Accept(errsig.Discard)
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Logger.Warnw("failed to accept", "name", s.name, "error", err)
			continue
		}

		c := &conn{
			sock: sock,
			sig:  errsig.NewSignal(errsig.WithName(s.name + " " + sock.RemoteAddr().String())),
		}
		sock.SetRaiser(c.sig)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = sock.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serve(c)
	}
}

func (s *server) serve(c *conn) {
	defer s.wg.Done()

	remote := c.sock.RemoteAddr().String()
	log.Logger.Debugw("connection accepted", "name", s.name, "remote", remote)

	scope := c.sig.Install(errsig.ClaimTypes(
		errsig.TypeSocketReadFailure,
		errsig.TypeSocketWriteFailure,
		errsig.TypeProtocolViolation,
	))
	s.dispatch(c)

	_ = c.sock.Close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	log.Logger.Debugw("connection closed", "name", s.name, "remote", remote, "failures", scope.Claimed())
	scope.Close()
}

func (s *server) dispatch(c *conn) {
	for {
		payload, err := c.sock.Read()
		if err != nil {
			return
		}
		m, err := Unmarshal(payload)
		if err != nil {
			c.violation("malformed message from %s: %v", c.sock.RemoteAddr(), err)
			return
		}
		calls.WithLabelValues(m.Method.String(), "received").Inc()

		s.handle(c, m)
		if !c.sig.NoError() {
			return
		}
	}
}

func (s *server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close stops accepting, closes every connection and waits for the
// dispatch goroutines.
func (s *server) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.ss.Close()
	for _, c := range conns {
		_ = c.sock.Close()
	}
	s.wg.Wait()
	return err
}
