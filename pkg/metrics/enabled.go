package metrics

import "sync"

// EnabledSet tracks which of a source's ids are active. A source is
// active while the set is non-empty.
type EnabledSet struct {
	mu  sync.RWMutex
	ids map[int32]struct{}
}

func NewEnabledSet() *EnabledSet {
	return &EnabledSet{ids: make(map[int32]struct{})}
}

func (s *EnabledSet) Add(id int32) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *EnabledSet) Remove(id int32) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

func (s *EnabledSet) Has(id int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *EnabledSet) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids) > 0
}

func (s *EnabledSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
