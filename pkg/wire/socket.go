// Package wire implements the framed TCP transport: every message is a
// 4-byte host-endian length followed by that many payload bytes.
package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/leptonai/gpuprof/pkg/errsig"
)

const (
	headerSize = 4

	// MaxFrameSize bounds a single payload. A larger length header means
	// the stream is out of sync.
	MaxFrameSize = 64 << 20

	DefaultDialTimeout = 5 * time.Second
)

var ErrFrameTooLarge = errors.New("frame too large")

// Socket is a framed connection. Writes are serialized; reads are
// expected from one goroutine. Every failure is raised into the socket's
// Raiser as an ERROR besides being returned.
type Socket struct {
	conn net.Conn

	raiserMu sync.RWMutex
	raiser   errsig.Raiser

	wmu sync.Mutex
	rmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, raiser errsig.Raiser) (*Socket, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return Wrap(conn, raiser), nil
}

// Wrap frames an established connection. A nil raiser discards.
func Wrap(conn net.Conn, raiser errsig.Raiser) *Socket {
	if raiser == nil {
		raiser = errsig.Discard
	}
	return &Socket{conn: conn, raiser: raiser}
}

// SetRaiser hands the socket to another control flow.
func (s *Socket) SetRaiser(r errsig.Raiser) {
	if r == nil {
		r = errsig.Discard
	}
	s.raiserMu.Lock()
	s.raiser = r
	s.raiserMu.Unlock()
}

func (s *Socket) raise(typ errsig.Type, err error) {
	s.raiserMu.RLock()
	r := s.raiser
	s.raiserMu.RUnlock()
	r.Raise(errsig.New(typ, errsig.SeverityError, "%s: %v", s.conn.RemoteAddr(), err))
}

// Write sends payload as one frame.
func (s *Socket) Write(payload []byte) error {
	if len(payload) > MaxFrameSize {
		err := fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
		s.raise(errsig.TypeSocketWriteFailure, err)
		return err
	}

	frame := make([]byte, headerSize, headerSize+len(payload))
	binary.NativeEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	s.wmu.Lock()
	_, err := s.conn.Write(frame)
	s.wmu.Unlock()

	if err != nil {
		s.raise(errsig.TypeSocketWriteFailure, err)
		return err
	}
	framesSent.Inc()
	bytesSent.Add(float64(len(frame)))
	return nil
}

// Read blocks until one whole frame has arrived and returns its payload.
func (s *Socket) Read() ([]byte, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		s.raise(errsig.TypeSocketReadFailure, err)
		return nil, err
	}
	n := binary.NativeEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		err := fmt.Errorf("%w: header announces %d bytes", ErrFrameTooLarge, n)
		s.raise(errsig.TypeSocketReadFailure, err)
		return nil, err
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		s.raise(errsig.TypeSocketReadFailure, err)
		return nil, err
	}
	framesReceived.Inc()
	bytesReceived.Add(float64(headerSize + len(payload)))
	return payload, nil
}

// RemoteHost returns the peer's host without port.
func (s *Socket) RemoteHost() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return s.conn.RemoteAddr().String()
	}
	return host
}

func (s *Socket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Close is idempotent. A goroutine blocked in Read returns with an error.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// IsClosed reports whether err is the result of either side closing the
// connection, as opposed to a protocol or I/O fault.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

// ServerSocket accepts framed connections.
type ServerSocket struct {
	ln net.Listener
}

// Listen binds addr, e.g. ":53136" or "127.0.0.1:0" for an ephemeral port.
func Listen(addr string) (*ServerSocket, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &ServerSocket{ln: ln}, nil
}

// Accept blocks for the next connection and frames it with raiser.
func (s *ServerSocket) Accept(raiser errsig.Raiser) (*Socket, error) {
	conn, err := s.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return Wrap(conn, raiser), nil
}

func (s *ServerSocket) Addr() net.Addr { return s.ln.Addr() }

// Port returns the bound port.
func (s *ServerSocket) Port() int {
	if ta, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return ta.Port
	}
	_, p, _ := net.SplitHostPort(s.ln.Addr().String())
	port, _ := strconv.Atoi(p)
	return port
}

// Close stops Accept.
func (s *ServerSocket) Close() error {
	return s.ln.Close()
}
