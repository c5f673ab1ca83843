package remote

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/leptonai/gpuprof/pkg/log"
)

// subscription is a skeleton's single reverse connection. A Subscribe
// while the current one is healthy is a protocol violation; one arriving
// after it failed replaces it.
type subscription struct {
	name        string
	dialTimeout time.Duration

	mu        sync.Mutex
	link      *pushLink
	detach    func()
	attaching bool
	closed    bool
}

// attachFunc hands the freshly dialed link to the target and returns how
// to detach it again.
type attachFunc func(p *pushLink) (detach func(), err error)

func (s *subscription) attach(c *conn, m *Message, fn attachFunc) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.attaching || (s.link != nil && s.link.Healthy()) {
		s.mu.Unlock()
		c.violation("%s: subscribe from %s while a subscriber is live", s.name, c.sock.RemoteAddr())
		return
	}
	old, oldDetach := s.link, s.detach
	s.link, s.detach = nil, nil
	s.attaching = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.attaching = false
		s.mu.Unlock()
	}()

	if old != nil {
		log.Logger.Infow("replacing failed subscriber", "name", s.name, "remote", old.sock.RemoteAddr().String())
		release(old, oldDetach)
	}

	if m.Port == 0 {
		c.violation("%s: subscribe from %s without a callback port", s.name, c.sock.RemoteAddr())
		return
	}
	addr := net.JoinHostPort(c.sock.RemoteHost(), strconv.Itoa(int(m.Port)))

	ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)
	p, err := dialPush(ctx, s.name+" subscriber", addr)
	cancel()
	if err != nil {
		log.Logger.Warnw("failed to dial subscriber back", "name", s.name, "address", addr, "error", err)
		return
	}

	detach, err := fn(p)
	if err != nil {
		log.Logger.Warnw("failed to attach subscriber", "name", s.name, "address", addr, "error", err)
		_ = p.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		release(p, detach)
		return
	}
	s.link, s.detach = p, detach
	s.mu.Unlock()

	log.Logger.Infow("subscriber connected", "name", s.name, "address", addr)
}

// reap drops the current subscriber if its connection failed and reports
// whether it did.
func (s *subscription) reap() bool {
	s.mu.Lock()
	p, detach := s.link, s.detach
	if p == nil || p.Healthy() {
		s.mu.Unlock()
		return false
	}
	s.link, s.detach = nil, nil
	s.mu.Unlock()

	log.Logger.Infow("subscriber disconnected", "name", s.name, "remote", p.sock.RemoteAddr().String())
	release(p, detach)
	return true
}

func (s *subscription) healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil && s.link.Healthy()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	p, detach := s.link, s.detach
	s.link, s.detach = nil, nil
	s.mu.Unlock()

	if p != nil {
		release(p, detach)
	}
}

func release(p *pushLink, detach func()) {
	if detach != nil {
		detach()
	}
	_ = p.Close()
}
