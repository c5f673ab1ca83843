package remote

import (
	"context"
	"fmt"

	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

var (
	_ metrics.Publisher  = (*PublisherStub)(nil)
	_ metrics.Subscriber = (*SubscriberStub)(nil)
)

// PublisherStub drives a remote publisher.
type PublisherStub struct {
	*stub
}

// DialPublisher connects to a publisher skeleton at addr.
func DialPublisher(ctx context.Context, addr string, opts ...OpOption) (*PublisherStub, error) {
	s, err := dialStub(ctx, "publisher", addr, opts)
	if err != nil {
		return nil, err
	}
	return &PublisherStub{stub: s}, nil
}

// Enable is asynchronous; an error only means the message was not sent.
func (p *PublisherStub) Enable(id int32) error {
	return p.fwd.send(&Message{Method: MethodEnable, ID: id})
}

// Disable is asynchronous.
func (p *PublisherStub) Disable(id int32) error {
	return p.fwd.send(&Message{Method: MethodDisable, ID: id})
}

func (p *PublisherStub) GetDescriptions() ([]metrics.Description, error) {
	reply, err := p.call(&Message{Method: MethodGetDescriptions})
	if err != nil {
		return nil, err
	}
	return reply.Descriptions, nil
}

// Subscribe routes the remote publisher's output to sub. sub is called
// from the reverse connection's goroutine.
func (p *PublisherStub) Subscribe(sub metrics.Subscriber) error {
	return p.subscribe(func(m *Message) bool {
		switch m.Method {
		case MethodOnDescriptions:
			sub.OnDescriptions(m.Descriptions)
		case MethodOnMetric:
			sub.OnMetric(m.DataSet)
		case MethodClear:
			sub.Clear(m.ID)
		default:
			return false
		}
		return true
	})
}

// SubscriberStub forwards a publisher's output over a reverse
// connection. Sends are fire-and-forget; a failed send marks the stub
// unhealthy and the owning skeleton reaps it.
type SubscriberStub struct {
	p *pushLink
}

func (s *SubscriberStub) OnDescriptions(descs []metrics.Description) {
	_ = s.p.send(&Message{Method: MethodOnDescriptions, Descriptions: descs})
}

func (s *SubscriberStub) OnMetric(ds metrics.DataSet) {
	if len(ds) == 0 {
		return
	}
	_ = s.p.send(&Message{Method: MethodOnMetric, DataSet: ds})
}

func (s *SubscriberStub) Clear(id int32) {
	_ = s.p.send(&Message{Method: MethodClear, ID: id})
}

func (s *SubscriberStub) Healthy() bool {
	return s.p.Healthy()
}

// PublisherSkeleton serves a local publisher to remote stubs.
type PublisherSkeleton struct {
	*skeleton
	target metrics.Publisher
}

// NewPublisherSkeleton listens on addr. Call Start to serve.
func NewPublisherSkeleton(addr string, target metrics.Publisher, opts ...OpOption) (*PublisherSkeleton, error) {
	ps := &PublisherSkeleton{target: target}
	sk, err := newSkeleton("publisher", addr, opts, ps.dispatch)
	if err != nil {
		return nil, err
	}
	ps.skeleton = sk
	return ps, nil
}

func (ps *PublisherSkeleton) dispatch(c *conn, m *Message) {
	switch m.Method {
	case MethodEnable:
		if err := ps.target.Enable(m.ID); err != nil {
			log.Logger.Warnw("remote enable failed", "id", m.ID, "error", err)
		}

	case MethodDisable:
		if err := ps.target.Disable(m.ID); err != nil {
			log.Logger.Warnw("remote disable failed", "id", m.ID, "error", err)
		}

	case MethodGetDescriptions:
		descs, err := ps.target.GetDescriptions()
		reply := &Message{Descriptions: descs}
		if err != nil {
			reply.Error = err.Error()
		}
		c.reply(reply)

	case MethodSubscribe:
		ps.sub.attach(c, m, func(p *pushLink) (func(), error) {
			stub := &SubscriberStub{p: p}
			if err := ps.target.Subscribe(stub); err != nil {
				return nil, err
			}
			return func() { ps.unsubscribe(stub) }, nil
		})

	case MethodFlush:
		c.reply(&Message{})

	default:
		c.violation("publisher: unexpected method %s", m.Method)
	}
}

func (ps *PublisherSkeleton) unsubscribe(stub *SubscriberStub) {
	if u, ok := ps.target.(interface{ Unsubscribe(metrics.Subscriber) }); ok {
		u.Unsubscribe(stub)
		return
	}
	log.Logger.Debugw("publisher has no Unsubscribe, leaving the dead stub attached", "target", fmt.Sprintf("%T", ps.target))
}
