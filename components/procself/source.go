// Package procself publishes CPU, memory and thread statistics of the
// profiled process itself.
package procself

import (
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

const (
	DefaultInterval = 500 * time.Millisecond

	CPUUtilizationPath = "process/cpu/utilization"
	RSSPath            = "process/memory/rss_mb"
	ThreadsPath        = "process/threads"
)

var (
	cpuID     = metrics.HashPath(CPUUtilizationPath)
	rssID     = metrics.HashPath(RSSPath)
	threadsID = metrics.HashPath(ThreadsPath)
)

type Op struct {
	procRoot string
	interval time.Duration
	readStat func() (procfs.ProcStat, error)
	numCPU   func() (int, error)
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
	if op.numCPU == nil {
		op.numCPU = func() (int, error) { return cpu.Counts(true) }
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
		op.readStat = func() (procfs.ProcStat, error) {
			p, err := fs.Self()
			if err != nil {
				return procfs.ProcStat{}, err
			}
			return p.Stat()
		}
	}
	return nil
}

func WithProcRoot(root string) OpOption {
	return func(op *Op) {
		op.procRoot = root
	}
}

func WithInterval(d time.Duration) OpOption {
	return func(op *Op) {
		op.interval = d
	}
}

// WithStatFunc replaces the /proc/self/stat reader.
func WithStatFunc(f func() (procfs.ProcStat, error)) OpOption {
	return func(op *Op) {
		op.readStat = f
	}
}

// WithNumCPUFunc replaces the logical core counter used to normalize
// CPU utilization.
func WithNumCPUFunc(f func() (int, error)) OpOption {
	return func(op *Op) {
		op.numCPU = f
	}
}

func WithTimeNow(now func() time.Time) OpOption {
	return func(op *Op) {
		op.now = now
	}
}

var _ metrics.Source = (*Source)(nil)

type Source struct {
	readStat func() (procfs.ProcStat, error)
	now      func() time.Time
	numCPU   int
	interval *metrics.Interval
	enabled  *metrics.EnabledSet

	sinkMu sync.RWMutex
	sink   metrics.Sink

	refreshMu sync.Mutex
	primed    bool
	lastCPU   float64
	lastWall  time.Time
}

func New(opts ...OpOption) (*Source, error) {
	op := &Op{}
	if err := op.applyOpts(opts); err != nil {
		return nil, err
	}

	n, err := op.numCPU()
	if err != nil || n <= 0 {
		log.Logger.Warnw("failed to count logical cpus, not normalizing", "count", n, "error", err)
		n = 1
	}

	return &Source{
		readStat: op.readStat,
		now:      op.now,
		numCPU:   n,
		interval: metrics.NewInterval(op.interval),
		enabled:  metrics.NewEnabledSet(),
	}, nil
}

func (s *Source) Subscribe(sink metrics.Sink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *Source) Descriptions() []metrics.Description {
	return []metrics.Description{
		metrics.NewDescription(CPUUtilizationPath, "cpu time of this process as a share of all logical cores", "Process CPU %", metrics.TypePercent),
		metrics.NewDescription(RSSPath, "resident set size of this process in MiB", "Process RSS (MiB)", metrics.TypeCount),
		metrics.NewDescription(ThreadsPath, "number of threads in this process", "Process threads", metrics.TypeCount),
	}
}

func (s *Source) Activate(id int32) error {
	s.enabled.Add(id)
	return nil
}

func (s *Source) Deactivate(id int32) {
	s.enabled.Remove(id)
}

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
	ds, err := s.refresh(now)
	s.refreshMu.Unlock()
	if err != nil {
		log.Logger.Warnw("failed to read process stat", "error", err)
		return
	}

	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink != nil && len(ds) > 0 {
		sink.OnMetric(ds)
	}
}

// refresh must be called with refreshMu held.
func (s *Source) refresh(now time.Time) (metrics.DataSet, error) {
	st, err := s.readStat()
	if err != nil {
		return nil, err
	}
	ts := metrics.TimestampMs(now)

	var ds metrics.DataSet
	cpuSeconds := st.CPUTime()
	if s.primed && s.enabled.Has(cpuID) {
		wall := now.Sub(s.lastWall).Seconds()
		if wall > 0 {
			util := (cpuSeconds - s.lastCPU) / wall / float64(s.numCPU) * 100
			ds = append(ds, metrics.DataPoint{TimestampMs: ts, ID: cpuID, Value: float32(clamp(util))})
		}
	}
	s.primed = true
	s.lastCPU = cpuSeconds
	s.lastWall = now

	if s.enabled.Has(rssID) {
		ds = append(ds, metrics.DataPoint{TimestampMs: ts, ID: rssID, Value: float32(float64(st.ResidentMemory()) / (1 << 20))})
	}
	if s.enabled.Has(threadsID) {
		ds = append(ds, metrics.DataPoint{TimestampMs: ts, ID: threadsID, Value: float32(st.NumThreads)})
	}
	return ds, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
