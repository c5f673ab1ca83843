// Package frame derives frame rate and frame time from buffer swaps.
// Every Poll call counts as one presented frame.
package frame

import (
	"sync"
	"time"

	"github.com/leptonai/gpuprof/pkg/metrics"
)

const (
	DefaultInterval = 500 * time.Millisecond

	FPSPath       = "gpu/frame/fps"
	FrameTimePath = "gpu/frame/time_ms"
)

var (
	fpsID       = metrics.HashPath(FPSPath)
	frameTimeID = metrics.HashPath(FrameTimePath)
)

type Op struct {
	interval time.Duration
	now      func() time.Time
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}
	if op.interval <= 0 {
		op.interval = DefaultInterval
	}
	if op.now == nil {
		op.now = time.Now
	}
}

// WithInterval sets the averaging window.
func WithInterval(d time.Duration) OpOption {
	return func(op *Op) {
		op.interval = d
	}
}

func WithTimeNow(now func() time.Time) OpOption {
	return func(op *Op) {
		op.now = now
	}
}

var _ metrics.Source = (*Source)(nil)

type Source struct {
	interval time.Duration
	now      func() time.Time
	enabled  *metrics.EnabledSet

	sinkMu sync.RWMutex
	sink   metrics.Sink

	mu          sync.Mutex
	windowStart time.Time
	frames      int
}

func New(opts ...OpOption) *Source {
	op := &Op{}
	op.applyOpts(opts)
	return &Source{
		interval: op.interval,
		now:      op.now,
		enabled:  metrics.NewEnabledSet(),
	}
}

func (s *Source) Subscribe(sink metrics.Sink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *Source) Descriptions() []metrics.Description {
	return []metrics.Description{
		metrics.NewDescription(FPSPath, "frames presented per second", "FPS", metrics.TypeRate),
		metrics.NewDescription(FrameTimePath, "average time between buffer swaps in milliseconds", "Frame time (ms)", metrics.TypeCount),
	}
}

func (s *Source) Activate(id int32) error {
	s.enabled.Add(id)
	return nil
}

func (s *Source) Deactivate(id int32) {
	s.enabled.Remove(id)
	if !s.enabled.Active() {
		s.mu.Lock()
		s.windowStart = time.Time{}
		s.frames = 0
		s.mu.Unlock()
	}
}

// Poll counts a frame and publishes once the window has elapsed.
func (s *Source) Poll() {
	if !s.enabled.Active() {
		return
	}
	now := s.now()

	s.mu.Lock()
	if s.windowStart.IsZero() {
		s.windowStart = now
		s.frames = 0
		s.mu.Unlock()
		return
	}
	s.frames++
	elapsed := now.Sub(s.windowStart)
	if elapsed < s.interval {
		s.mu.Unlock()
		return
	}
	frames := s.frames
	s.windowStart = now
	s.frames = 0
	s.mu.Unlock()

	elapsedMs := float64(elapsed) / float64(time.Millisecond)
	ts := metrics.TimestampMs(now)

	var ds metrics.DataSet
	if s.enabled.Has(fpsID) {
		ds = append(ds, metrics.DataPoint{TimestampMs: ts, ID: fpsID, Value: float32(float64(frames) * 1000 / elapsedMs)})
	}
	if s.enabled.Has(frameTimeID) {
		ds = append(ds, metrics.DataPoint{TimestampMs: ts, ID: frameTimeID, Value: float32(elapsedMs / float64(frames))})
	}

	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink != nil && len(ds) > 0 {
		sink.OnMetric(ds)
	}
}
