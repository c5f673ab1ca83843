// Package cpufreq publishes the current clock frequency of every core,
// read from the cpufreq sysfs tree.
package cpufreq

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/procfs/sysfs"

	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

const DefaultInterval = 500 * time.Millisecond

// FrequencyPath returns the metric path of one core's frequency.
func FrequencyPath(core int) string {
	return fmt.Sprintf("cpu/core/%d/frequency", core)
}

type Op struct {
	sysRoot   string
	interval  time.Duration
	readFreqs func() ([]sysfs.SystemCPUCpufreqStats, error)
	now       func() time.Time
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
	if op.readFreqs == nil {
		root := op.sysRoot
		if root == "" {
			root = sysfs.DefaultMountPoint
		}
		fs, err := sysfs.NewFS(root)
		if err != nil {
			return err
		}
		op.readFreqs = fs.SystemCpufreq
	}
	return nil
}

// WithSysRoot reads the cpufreq tree under root instead of /sys.
func WithSysRoot(root string) OpOption {
	return func(op *Op) {
		op.sysRoot = root
	}
}

func WithInterval(d time.Duration) OpOption {
	return func(op *Op) {
		op.interval = d
	}
}

// WithReadFunc replaces the sysfs reader.
func WithReadFunc(f func() ([]sysfs.SystemCPUCpufreqStats, error)) OpOption {
	return func(op *Op) {
		op.readFreqs = f
	}
}

func WithTimeNow(now func() time.Time) OpOption {
	return func(op *Op) {
		op.now = now
	}
}

var _ metrics.Source = (*Source)(nil)

type Source struct {
	readFreqs func() ([]sysfs.SystemCPUCpufreqStats, error)
	now       func() time.Time
	interval  *metrics.Interval
	enabled   *metrics.EnabledSet

	sinkMu sync.RWMutex
	sink   metrics.Sink

	readMu sync.Mutex

	descMu sync.RWMutex
	descs  []metrics.Description
	known  map[int]struct{}
}

// New creates the source. Cores without a cpufreq directory (e.g. in
// most VMs) produce no descriptions; that is not an error.
func New(opts ...OpOption) (*Source, error) {
	op := &Op{}
	if err := op.applyOpts(opts); err != nil {
		return nil, err
	}

	s := &Source{
		readFreqs: op.readFreqs,
		now:       op.now,
		interval:  metrics.NewInterval(op.interval),
		enabled:   metrics.NewEnabledSet(),
		known:     make(map[int]struct{}),
	}

	stats, err := s.readFreqs()
	if err != nil {
		log.Logger.Warnw("cpufreq not available", "error", err)
		return s, nil
	}
	for _, st := range stats {
		if core, ok := coreIndex(st); ok {
			s.addCore(core)
		}
	}
	return s, nil
}

func coreIndex(st sysfs.SystemCPUCpufreqStats) (int, bool) {
	core, err := strconv.Atoi(st.Name)
	if err != nil {
		return 0, false
	}
	return core, true
}

// currentMHz prefers the scaling driver's view; cpuinfo_cur_freq is
// root-only on most kernels.
func currentMHz(st sysfs.SystemCPUCpufreqStats) (float32, bool) {
	switch {
	case st.ScalingCurrentFrequency != nil:
		return float32(*st.ScalingCurrentFrequency) / 1000, true
	case st.CpuinfoCurrentFrequency != nil:
		return float32(*st.CpuinfoCurrentFrequency) / 1000, true
	default:
		return 0, false
	}
}

// addCore adds the description of core and reports whether it was new.
func (s *Source) addCore(core int) bool {
	s.descMu.Lock()
	defer s.descMu.Unlock()

	if _, ok := s.known[core]; ok {
		return false
	}
	s.known[core] = struct{}{}
	s.descs = append(s.descs, metrics.NewDescription(
		FrequencyPath(core),
		fmt.Sprintf("current clock frequency of cpu %d in MHz", core),
		fmt.Sprintf("CPU %d MHz", core),
		metrics.TypeCount,
	))
	sort.Slice(s.descs, func(i, j int) bool { return s.descs[i].Path < s.descs[j].Path })
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

func (s *Source) Poll() {
	if !s.enabled.Active() {
		return
	}
	now := s.now()
	if !s.interval.Ready(now) {
		return
	}
	if !s.readMu.TryLock() {
		return
	}
	stats, err := s.readFreqs()
	s.readMu.Unlock()
	if err != nil {
		log.Logger.Warnw("failed to read cpufreq", "error", err)
		return
	}

	ts := metrics.TimestampMs(now)
	var ds metrics.DataSet
	grown := false
	for _, st := range stats {
		core, ok := coreIndex(st)
		if !ok {
			continue
		}
		if s.addCore(core) {
			grown = true
		}

		id := metrics.HashPath(FrequencyPath(core))
		if !s.enabled.Has(id) {
			continue
		}
		mhz, ok := currentMHz(st)
		if !ok {
			continue
		}
		ds = append(ds, metrics.DataPoint{TimestampMs: ts, ID: id, Value: mhz})
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
