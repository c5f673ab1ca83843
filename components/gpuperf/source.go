package gpuperf

import (
	"regexp"
	"sync"
	"time"

	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

type Op struct {
	exclude *regexp.Regexp
	now     func() time.Time
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}
	if op.exclude == nil {
		op.exclude = regexp.MustCompile(DefaultCounterFilter)
	}
	if op.now == nil {
		op.now = time.Now
	}
}

// WithCounterFilter excludes counters whose name matches re.
func WithCounterFilter(re *regexp.Regexp) OpOption {
	return func(op *Op) {
		op.exclude = re
	}
}

func WithTimeNow(now func() time.Time) OpOption {
	return func(op *Op) {
		op.now = now
	}
}

var _ metrics.Source = (*Source)(nil)

// Source publishes hardware counters of one graphics context. Poll must
// be called once per buffer swap.
type Source struct {
	set *Set
	now func() time.Time

	sinkMu sync.RWMutex
	sink   metrics.Sink
}

func New(driver Driver, opts ...OpOption) (*Source, error) {
	op := &Op{}
	op.applyOpts(opts)

	set, err := NewSet(driver, op.exclude)
	if err != nil {
		return nil, err
	}
	return &Source{set: set, now: op.now}, nil
}

func (s *Source) Set() *Set { return s.set }

func (s *Source) Subscribe(sink metrics.Sink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *Source) Descriptions() []metrics.Description {
	return s.set.Descriptions()
}

func (s *Source) Activate(id int32) error {
	return s.set.Enable(id)
}

func (s *Source) Deactivate(id int32) {
	if err := s.set.Disable(id); err != nil {
		log.Logger.Warnw("failed to disable gpu counter", "id", id, "error", err)
	}
}

func (s *Source) Poll() {
	ds := s.set.OnSwap(metrics.TimestampMs(s.now()))
	if len(ds) == 0 {
		return
	}

	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink != nil {
		sink.OnMetric(ds)
	}
}

// Close drains and deletes all outstanding queries.
func (s *Source) Close() {
	s.set.Close()
}
