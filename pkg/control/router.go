package control

import (
	"fmt"
	"sort"
	"sync"

	"github.com/leptonai/gpuprof/pkg/errdefs"
	"github.com/leptonai/gpuprof/pkg/log"
)

var _ Target = (*Router)(nil)

// Router is the session's control Target. Subscribers are notified
// outside the lock since a remote subscriber writes to a socket.
type Router struct {
	mu       sync.Mutex
	controls map[string]Control
	subs     []Subscriber
}

func NewRouter(controls ...Control) (*Router, error) {
	r := &Router{controls: make(map[string]Control)}
	for _, c := range controls {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Router) Register(c Control) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.controls[c.Name()]; ok {
		return fmt.Errorf("control %q: %w", c.Name(), errdefs.ErrAlreadyExists)
	}
	r.controls[c.Name()] = c
	return nil
}

// Set applies value to the control named key and notifies every
// subscriber of the resulting value.
func (r *Router) Set(key, value string) error {
	r.mu.Lock()
	c, ok := r.controls[key]
	r.mu.Unlock()
	if !ok {
		log.Logger.Warnw("set of unknown control ignored", "key", key)
		return fmt.Errorf("control %q: %w", key, errdefs.ErrNotFound)
	}

	if err := c.Set(value); err != nil {
		log.Logger.Warnw("failed to set control", "key", key, "value", value, "error", err)
		return err
	}
	cur := c.Value()
	log.Logger.Infow("control changed", "key", key, "value", cur)

	r.mu.Lock()
	subs := append([]Subscriber(nil), r.subs...)
	r.mu.Unlock()
	for _, sub := range subs {
		sub.OnControlChanged(key, cur)
	}
	return nil
}

// Get returns a control's current value.
func (r *Router) Get(key string) (string, bool) {
	r.mu.Lock()
	c, ok := r.controls[key]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	return c.Value(), true
}

// Values returns every control ordered by key.
func (r *Router) Values() []KeyValue {
	r.mu.Lock()
	cs := make([]Control, 0, len(r.controls))
	for _, c := range r.controls {
		cs = append(cs, c)
	}
	r.mu.Unlock()

	out := make([]KeyValue, 0, len(cs))
	for _, c := range cs {
		out = append(out, KeyValue{Key: c.Name(), Value: c.Value()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Subscribe adds sub and announces every current value to it.
func (r *Router) Subscribe(sub Subscriber) error {
	if sub == nil {
		return fmt.Errorf("nil control subscriber: %w", errdefs.ErrInvalidArgument)
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	for _, kv := range r.Values() {
		sub.OnControlChanged(kv.Key, kv.Value)
	}
	return nil
}

// Unsubscribe removes sub. Unknown subscribers are ignored.
func (r *Router) Unsubscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// Close closes every control that holds external state.
func (r *Router) Close() error {
	r.mu.Lock()
	cs := make([]Control, 0, len(r.controls))
	for _, c := range r.controls {
		cs = append(cs, c)
	}
	r.subs = nil
	r.mu.Unlock()

	var firstErr error
	for _, c := range cs {
		closer, ok := c.(interface{ Close() error })
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
