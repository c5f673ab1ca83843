package remote

import (
	"context"

	"github.com/leptonai/gpuprof/pkg/control"
	"github.com/leptonai/gpuprof/pkg/log"
)

var (
	_ control.Target     = (*ControlStub)(nil)
	_ control.Subscriber = (*ControlSubscriberStub)(nil)
)

// ControlStub drives a remote control target.
type ControlStub struct {
	*stub
}

// DialControl connects to a control skeleton at addr.
func DialControl(ctx context.Context, addr string, opts ...OpOption) (*ControlStub, error) {
	s, err := dialStub(ctx, "control", addr, opts)
	if err != nil {
		return nil, err
	}
	return &ControlStub{stub: s}, nil
}

// Set is asynchronous; follow with Flush to know it was applied.
func (c *ControlStub) Set(key, value string) error {
	return c.fwd.send(&Message{Method: MethodSet, Key: key, Value: value})
}

// Subscribe routes control changes to sub, called from the reverse
// connection's goroutine.
func (c *ControlStub) Subscribe(sub control.Subscriber) error {
	return c.subscribe(func(m *Message) bool {
		if m.Method != MethodOnControlChanged {
			return false
		}
		sub.OnControlChanged(m.Key, m.Value)
		return true
	})
}

// ControlSubscriberStub pushes control changes over a reverse
// connection.
type ControlSubscriberStub struct {
	p *pushLink
}

func (s *ControlSubscriberStub) OnControlChanged(key, value string) {
	_ = s.p.send(&Message{Method: MethodOnControlChanged, Key: key, Value: value})
}

func (s *ControlSubscriberStub) Healthy() bool {
	return s.p.Healthy()
}

// ControlSkeleton serves a local control target to remote stubs.
type ControlSkeleton struct {
	*skeleton
	target control.Target
}

// NewControlSkeleton listens on addr. Call Start to serve.
func NewControlSkeleton(addr string, target control.Target, opts ...OpOption) (*ControlSkeleton, error) {
	cs := &ControlSkeleton{target: target}
	sk, err := newSkeleton("control", addr, opts, cs.dispatch)
	if err != nil {
		return nil, err
	}
	cs.skeleton = sk
	return cs, nil
}

func (cs *ControlSkeleton) dispatch(c *conn, m *Message) {
	switch m.Method {
	case MethodSet:
		if err := cs.target.Set(m.Key, m.Value); err != nil {
			log.Logger.Warnw("remote set failed", "key", m.Key, "value", m.Value, "error", err)
		}

	case MethodSubscribe:
		cs.sub.attach(c, m, func(p *pushLink) (func(), error) {
			stub := &ControlSubscriberStub{p: p}
			if err := cs.target.Subscribe(stub); err != nil {
				return nil, err
			}
			return func() {
				if u, ok := cs.target.(interface{ Unsubscribe(control.Subscriber) }); ok {
					u.Unsubscribe(stub)
				}
			}, nil
		})

	case MethodFlush:
		c.reply(&Message{})

	default:
		c.violation("control: unexpected method %s", m.Method)
	}
}
