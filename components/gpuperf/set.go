package gpuperf

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/leptonai/gpuprof/pkg/errdefs"
	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

// DefaultCounterFilter excludes counters of shader stages that are rarely
// used by the applications we profile.
const DefaultCounterFilter = `(?i)\b(hull|domain|geometry|tessellation)\b`

// Set is every query type the driver exposes. At most one group has
// enabled counters at a time.
type Set struct {
	mu      sync.Mutex
	driver  Driver
	groups  []*Group
	byID    map[int32]*Metric
	enabled *Group
}

// NewSet enumerates the driver's query types and their counters. A
// counter with an unknown data type fails discovery.
func NewSet(driver Driver, exclude *regexp.Regexp) (*Set, error) {
	ids, err := driver.QueryIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to list gpu queries: %w", err)
	}

	s := &Set{
		driver: driver,
		byID:   make(map[int32]*Metric),
	}
	for _, qid := range ids {
		g, err := newGroup(driver, qid, exclude)
		if err != nil {
			return nil, err
		}
		s.groups = append(s.groups, g)

		for _, m := range g.metrics {
			if prev, ok := s.byID[m.desc.ID]; ok {
				log.Logger.Warnw("gpu counter id collision, dropping counter", "path", m.desc.Path, "existing", prev.desc.Path)
				continue
			}
			s.byID[m.desc.ID] = m
		}
	}
	return s, nil
}

func (s *Set) Groups() []*Group {
	return s.groups
}

// Descriptions returns every counter ordered by path.
func (s *Set) Descriptions() []metrics.Description {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]metrics.Description, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Enable turns on one counter. Enabling a counter of a second group
// while another group has enabled counters fails with
// errdefs.ErrFailedPrecondition.
func (s *Set) Enable(id int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("gpu counter id %d: %w", id, errdefs.ErrNotFound)
	}
	if m.enabled {
		return nil
	}
	if s.enabled != nil && s.enabled != m.group {
		return fmt.Errorf("cannot enable %q while query %q has enabled counters: %w",
			m.desc.Path, s.enabled.info.Name, errdefs.ErrFailedPrecondition)
	}

	m.enabled = true
	m.group.numEnabled++
	s.enabled = m.group
	return nil
}

// Disable turns off one counter. Disabling the last counter of the
// enabled group drains and deletes all of its queries; this is the only
// call that blocks on the GPU.
func (s *Set) Disable(id int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("gpu counter id %d: %w", id, errdefs.ErrNotFound)
	}
	if !m.enabled {
		return nil
	}

	m.enabled = false
	g := m.group
	g.numEnabled--
	if g.numEnabled == 0 {
		start := time.Now()
		g.release()
		log.Logger.Debugw("released gpu query group", "query", g.info.Name, "took", time.Since(start))
		s.enabled = nil
	}
	return nil
}

// EnabledIDs returns the ids of the enabled counters in ascending order.
func (s *Set) EnabledIDs() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled == nil {
		return nil
	}
	var ids []int32
	for _, m := range s.enabled.metrics {
		if m.enabled {
			ids = append(ids, m.desc.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// OnSwap advances the enabled group by one frame and returns the counter
// values that became available.
func (s *Set) OnSwap(ts uint64) metrics.DataSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled == nil {
		return nil
	}
	return s.enabled.onSwap(ts)
}

// Close disables every counter, draining the enabled group.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled == nil {
		return
	}
	for _, m := range s.enabled.metrics {
		m.enabled = false
	}
	s.enabled.numEnabled = 0
	s.enabled.release()
	s.enabled = nil
}
