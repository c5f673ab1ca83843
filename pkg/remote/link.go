package remote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/leptonai/gpuprof/pkg/errdefs"
	"github.com/leptonai/gpuprof/pkg/errsig"
	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/wire"
)

// link is an outbound connection with its own Signal. Socket failures
// are claimed for the link's whole lifetime, so they never terminate the
// process; callers learn about them from returned errors or Healthy.
// The claiming scope is never popped: a write racing with close may
// still raise, and the signal dies with the link.
type link struct {
	name  string
	sock  *wire.Socket
	sig   *errsig.Signal
	scope *errsig.Scope

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func dialLink(ctx context.Context, name, addr string) (*link, error) {
	sig := errsig.NewSignal(errsig.WithName(name + " " + addr))
	scope := sig.Install(errsig.ClaimSocketFailures())

	sock, err := wire.Dial(ctx, addr, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s to %s: %w", name, addr, err)
	}
	return &link{name: name, sock: sock, sig: sig, scope: scope}, nil
}

func (l *link) send(m *Message) error {
	if !l.Healthy() {
		return fmt.Errorf("%s connection is down: %w", l.name, errdefs.ErrUnavailable)
	}
	if err := l.sock.Write(Marshal(m)); err != nil {
		return err
	}
	calls.WithLabelValues(m.Method.String(), "sent").Inc()
	return nil
}

func (l *link) recv() (*Message, error) {
	payload, err := l.sock.Read()
	if err != nil {
		return nil, err
	}
	return Unmarshal(payload)
}

// Healthy reports whether the link is open and no socket failure has
// been raised on it.
func (l *link) Healthy() bool {
	return !l.closed.Load() && l.sig.NoError()
}

func (l *link) close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.sock.Close()
		log.Logger.Debugw("connection closed", "name", l.name, "remote", l.sock.RemoteAddr().String(), "failures", l.scope.Claimed())
	})
	return l.closeErr
}

// pushLink is the skeleton's end of a reverse connection. Nothing is sent
// back on it, so a watcher goroutine blocks in Read only to notice the
// peer going away.
type pushLink struct {
	*link
	done     chan struct{}
	released atomic.Bool
}

func dialPush(ctx context.Context, name, addr string) (*pushLink, error) {
	l, err := dialLink(ctx, name, addr)
	if err != nil {
		return nil, err
	}
	p := &pushLink{link: l, done: make(chan struct{})}
	subscriberConnections.Inc()
	go p.watch()
	return p, nil
}

func (p *pushLink) watch() {
	defer close(p.done)
	for {
		if _, err := p.sock.Read(); err != nil {
			return
		}
	}
}

// Close closes the connection and waits for the watcher.
func (p *pushLink) Close() error {
	err := p.close()
	<-p.done
	if p.released.CompareAndSwap(false, true) {
		subscriberConnections.Dec()
	}
	return err
}
