// Package cpu publishes system-wide and per-core CPU utilization parsed
// from /proc/stat.
package cpu

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

const (
	DefaultInterval = 500 * time.Millisecond

	SystemUtilizationPath = "cpu/system/utilization"
)

// CoreUtilizationPath returns the metric path of one core.
func CoreUtilizationPath(core int) string {
	return fmt.Sprintf("cpu/core/%d/utilization", core)
}

type Op struct {
	procRoot string
	interval time.Duration
	readStat func() (procfs.Stat, error)
	now      func() time.Time
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) error {
	for _, opt := range opts {
		opt(op)
	}
	if op.interval <= 0 {
		op.interval = DefaultInterval
	}
	if op.now == nil {
		op.now = time.Now
	}
	if op.readStat == nil {
		root := op.procRoot
		if root == "" {
			root = procfs.DefaultMountPoint
		}
		fs, err := procfs.NewFS(root)
		if err != nil {
			return err
		}
		op.readStat = fs.Stat
	}
	return nil
}

// WithProcRoot reads "stat" under root instead of /proc.
func WithProcRoot(root string) OpOption {
	return func(op *Op) {
		op.procRoot = root
	}
}

// WithInterval sets the minimum sampling interval.
func WithInterval(d time.Duration) OpOption {
	return func(op *Op) {
		op.interval = d
	}
}

// WithStatFunc replaces the /proc/stat reader.
func WithStatFunc(f func() (procfs.Stat, error)) OpOption {
	return func(op *Op) {
		op.readStat = f
	}
}

// WithTimeNow replaces time.Now.
func WithTimeNow(now func() time.Time) OpOption {
	return func(op *Op) {
		op.now = now
	}
}

var _ metrics.Source = (*Source)(nil)

// Source publishes utilization for the aggregate cpu line and each core.
type Source struct {
	readStat func() (procfs.Stat, error)
	now      func() time.Time
	interval *metrics.Interval
	enabled  *metrics.EnabledSet

	sinkMu sync.RWMutex
	sink   metrics.Sink

	// refreshMu serializes refreshes; Poll skips instead of waiting.
	refreshMu sync.Mutex
	system    lineState
	cores     []lineState
	coreIDs   []int32

	descMu sync.RWMutex
	descs  []metrics.Description
}

// New creates the source and reads /proc/stat once to discover cores.
func New(opts ...OpOption) (*Source, error) {
	op := &Op{}
	if err := op.applyOpts(opts); err != nil {
		return nil, err
	}

	s := &Source{
		readStat: op.readStat,
		now:      op.now,
		interval: metrics.NewInterval(op.interval),
		enabled:  metrics.NewEnabledSet(),
	}
	s.descs = append(s.descs, metrics.NewDescription(
		SystemUtilizationPath,
		"percentage of time all cpus spent busy",
		"CPU Busy",
		metrics.TypePercent,
	))

	st, err := s.readStat()
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu stat: %w", err)
	}
	s.growCores(maxCore(st))
	return s, nil
}

func maxCore(st procfs.Stat) int {
	max := -1
	for idx := range st.CPU {
		if int(idx) > max {
			max = int(idx)
		}
	}
	return max
}

// growCores extends per-core state up to and including core index max
// and reports whether any core was added.
func (s *Source) growCores(max int) bool {
	if max < len(s.cores) {
		return false
	}

	s.descMu.Lock()
	defer s.descMu.Unlock()
	for core := len(s.cores); core <= max; core++ {
		d := metrics.NewDescription(
			CoreUtilizationPath(core),
			fmt.Sprintf("percentage of time cpu %d spent busy", core),
			fmt.Sprintf("CPU %d Busy", core),
			metrics.TypePercent,
		)
		s.cores = append(s.cores, lineState{})
		s.coreIDs = append(s.coreIDs, d.ID)
		s.descs = append(s.descs, d)
	}
	return true
}

func (s *Source) Subscribe(sink metrics.Sink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *Source) Descriptions() []metrics.Description {
	s.descMu.RLock()
	defer s.descMu.RUnlock()
	return append([]metrics.Description(nil), s.descs...)
}

func (s *Source) Activate(id int32) error {
	s.enabled.Add(id)
	return nil
}

func (s *Source) Deactivate(id int32) {
	s.enabled.Remove(id)
}

// Poll refreshes and publishes at most once per interval, and only while
// at least one id is enabled.
func (s *Source) Poll() {
	if !s.enabled.Active() {
		return
	}
	now := s.now()
	if !s.interval.Ready(now) {
		return
	}
	if !s.refreshMu.TryLock() {
		return
	}
	ds, grown, err := s.refresh(now)
	s.refreshMu.Unlock()
	if err != nil {
		log.Logger.Warnw("failed to refresh cpu stat", "error", err)
		return
	}

	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink == nil {
		return
	}
	if grown {
		metrics.Announce(sink, s)
	}
	if len(ds) > 0 {
		sink.OnMetric(ds)
	}
}

// refresh reads /proc/stat once and returns points for enabled ids
// that have a delta, and whether new cores appeared. Caller holds
// refreshMu.
func (s *Source) refresh(now time.Time) (metrics.DataSet, bool, error) {
	st, err := s.readStat()
	if err != nil {
		return nil, false, err
	}
	grown := s.growCores(maxCore(st))

	ts := metrics.TimestampMs(now)
	var ds metrics.DataSet

	systemID := metrics.HashPath(SystemUtilizationPath)
	if s.system.update(timesFromProcfs(st.CPUTotal)) && s.enabled.Has(systemID) {
		ds = append(ds, metrics.DataPoint{TimestampMs: ts, ID: systemID, Value: float32(s.system.last)})
	}

	idxs := make([]int, 0, len(st.CPU))
	for idx := range st.CPU {
		idxs = append(idxs, int(idx))
	}
	sort.Ints(idxs)
	for _, core := range idxs {
		if !s.cores[core].update(timesFromProcfs(st.CPU[int64(core)])) {
			continue
		}
		id := s.coreIDs[core]
		if s.enabled.Has(id) {
			ds = append(ds, metrics.DataPoint{TimestampMs: ts, ID: id, Value: float32(s.cores[core].last)})
		}
	}
	return ds, grown, nil
}

// NumCores returns the number of per-core lines seen so far.
func (s *Source) NumCores() int {
	s.descMu.RLock()
	defer s.descMu.RUnlock()
	return len(s.coreIDs)
}
