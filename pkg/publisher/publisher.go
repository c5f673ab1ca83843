// Package publisher aggregates metric sources and forwards their data to
// the current subscriber.
package publisher

import (
	"fmt"
	"sort"
	"sync"

	"github.com/leptonai/gpuprof/pkg/errdefs"
	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

var (
	_ metrics.Sink      = (*Publisher)(nil)
	_ metrics.Publisher = (*Publisher)(nil)
	_ metrics.Announcer = (*Publisher)(nil)
)

// Publisher owns the id→source routing table and at most one subscriber.
//
// mu guards the tables and the subscriber reference. It is never held
// while calling into a subscriber or polling a source, since either may
// block on socket I/O or take the source's own lock.
type Publisher struct {
	mu      sync.Mutex
	sources []metrics.Source
	owners  map[int32]metrics.Source
	descs   map[int32]metrics.Description
	sub     metrics.Subscriber
}

func New() *Publisher {
	return &Publisher{
		owners: make(map[int32]metrics.Source),
		descs:  make(map[int32]metrics.Description),
	}
}

// RegisterSource adds src, maps each of its descriptions to it and, if a
// subscriber is attached, re-announces the full description set.
//
// An id already owned by another source is a hash collision between two
// paths; the second description is dropped and an error returned after
// the rest of the source is registered.
func (p *Publisher) RegisterSource(src metrics.Source) error {
	src.Subscribe(p)
	descs := src.Descriptions()

	p.mu.Lock()
	p.sources = append(p.sources, src)
	_, collisions := p.mapLocked(src, descs)
	sub := p.sub
	all := p.sortedDescriptionsLocked()
	p.mu.Unlock()

	registeredSources.Inc()
	log.Logger.Debugw("registered source", "source", fmt.Sprintf("%T", src), "descriptions", len(descs))

	if sub != nil {
		sub.OnDescriptions(all)
	}

	if len(collisions) > 0 {
		return fmt.Errorf("metric id collision: %v: %w", collisions, errdefs.ErrAlreadyExists)
	}
	return nil
}

// mapLocked maps each description to src and returns how many ids were
// new. Ids owned by another source are reported as collisions.
func (p *Publisher) mapLocked(src metrics.Source, descs []metrics.Description) (int, []string) {
	added := 0
	var collisions []string
	for _, d := range descs {
		owner, ok := p.owners[d.ID]
		if ok && owner != src {
			collisions = append(collisions, fmt.Sprintf("%q collides with %q", d.Path, p.descs[d.ID].Path))
			continue
		}
		if !ok {
			added++
		}
		p.owners[d.ID] = src
		p.descs[d.ID] = d
	}
	return added, collisions
}

// Announce maps descriptions a registered source added after
// registration, such as cores that came online, and re-announces the
// full set to the subscriber when any id is new.
func (p *Publisher) Announce(src metrics.Source) {
	descs := src.Descriptions()

	p.mu.Lock()
	registered := false
	for _, s := range p.sources {
		if s == src {
			registered = true
			break
		}
	}
	if !registered {
		p.mu.Unlock()
		return
	}
	added, collisions := p.mapLocked(src, descs)
	sub := p.sub
	all := p.sortedDescriptionsLocked()
	p.mu.Unlock()

	if len(collisions) > 0 {
		log.Logger.Warnw("metric id collision", "source", fmt.Sprintf("%T", src), "collisions", collisions)
	}
	if added == 0 {
		return
	}
	log.Logger.Debugw("source announced new descriptions", "source", fmt.Sprintf("%T", src), "added", added)
	if sub != nil {
		sub.OnDescriptions(all)
	}
}

// UnregisterSource removes src and every id it owns. An attached
// subscriber gets Clear for each removed id followed by the reduced
// description set.
func (p *Publisher) UnregisterSource(src metrics.Source) {
	var removed []int32

	p.mu.Lock()
	for i, s := range p.sources {
		if s == src {
			p.sources = append(p.sources[:i], p.sources[i+1:]...)
			break
		}
	}
	for id, owner := range p.owners {
		if owner == src {
			delete(p.owners, id)
			delete(p.descs, id)
			removed = append(removed, id)
		}
	}
	sub := p.sub
	all := p.sortedDescriptionsLocked()
	p.mu.Unlock()

	log.Logger.Debugw("unregistered source", "source", fmt.Sprintf("%T", src), "descriptions", len(removed))

	if sub == nil || len(removed) == 0 {
		return
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	for _, id := range removed {
		sub.Clear(id)
	}
	sub.OnDescriptions(all)
}

// Enable activates id on its owning source. Unknown ids are logged and
// reported as errdefs.ErrNotFound, never fatal.
func (p *Publisher) Enable(id int32) error {
	p.mu.Lock()
	src, ok := p.owners[id]
	p.mu.Unlock()

	if !ok {
		unknownIDs.WithLabelValues("enable").Inc()
		log.Logger.Warnw("enable of unknown metric id ignored", "id", id)
		return fmt.Errorf("metric id %d: %w", id, errdefs.ErrNotFound)
	}
	if err := src.Activate(id); err != nil {
		log.Logger.Warnw("failed to activate metric", "id", id, "error", err)
		return err
	}
	return nil
}

// Disable deactivates id on its source and then tells the subscriber to
// clear it, in that order.
func (p *Publisher) Disable(id int32) error {
	p.mu.Lock()
	src, ok := p.owners[id]
	p.mu.Unlock()

	if !ok {
		unknownIDs.WithLabelValues("disable").Inc()
		log.Logger.Warnw("disable of unknown metric id ignored", "id", id)
		return fmt.Errorf("metric id %d: %w", id, errdefs.ErrNotFound)
	}

	src.Deactivate(id)

	p.mu.Lock()
	sub := p.sub
	p.mu.Unlock()
	if sub != nil {
		sub.Clear(id)
	}
	return nil
}

// EnablePaths enables metrics by path and returns the paths it does not know.
func (p *Publisher) EnablePaths(paths ...string) []string {
	var unknown []string
	for _, path := range paths {
		if err := p.Enable(metrics.HashPath(path)); err != nil {
			unknown = append(unknown, path)
		}
	}
	return unknown
}

// OnMetric forwards ds to the current subscriber. No-op without one.
func (p *Publisher) OnMetric(ds metrics.DataSet) {
	if len(ds) == 0 {
		return
	}

	p.mu.Lock()
	sub := p.sub
	p.mu.Unlock()
	if sub == nil {
		return
	}

	forwardedDataSets.Inc()
	forwardedDataPoints.Add(float64(len(ds)))
	sub.OnMetric(ds)
}

// GetDescriptions returns all registered descriptions ordered by path.
func (p *Publisher) GetDescriptions() ([]metrics.Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedDescriptionsLocked(), nil
}

// Description looks up one registered description.
func (p *Publisher) Description(id int32) (metrics.Description, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.descs[id]
	return d, ok
}

func (p *Publisher) sortedDescriptionsLocked() []metrics.Description {
	out := make([]metrics.Description, 0, len(p.descs))
	for _, d := range p.descs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Subscribe replaces the current subscriber and announces every known
// description to it.
func (p *Publisher) Subscribe(sub metrics.Subscriber) error {
	if sub == nil {
		return fmt.Errorf("nil subscriber: %w", errdefs.ErrInvalidArgument)
	}

	p.mu.Lock()
	p.sub = sub
	all := p.sortedDescriptionsLocked()
	p.mu.Unlock()

	log.Logger.Infow("subscriber attached", "subscriber", fmt.Sprintf("%T", sub), "descriptions", len(all))
	sub.OnDescriptions(all)
	return nil
}

// Unsubscribe detaches sub if it is still the current subscriber.
func (p *Publisher) Unsubscribe(sub metrics.Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub == sub {
		p.sub = nil
		log.Logger.Infow("subscriber detached")
	}
}

// Detach drops the current subscriber, whatever it is, and returns it.
func (p *Publisher) Detach() metrics.Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := p.sub
	p.sub = nil
	return sub
}

// Subscribed reports whether a subscriber is attached.
func (p *Publisher) Subscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sub != nil
}

// Poll polls every registered source once. Called on each buffer swap.
func (p *Publisher) Poll() {
	p.mu.Lock()
	srcs := make([]metrics.Source, len(p.sources))
	copy(srcs, p.sources)
	p.mu.Unlock()

	for _, src := range srcs {
		src.Poll()
	}
	polls.Inc()
}
