// Package session ties the sources, the publisher, the controls and the
// remote skeletons into one profiling session driven by the host
// application's graphics events.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/leptonai/gpuprof/components/cpu"
	"github.com/leptonai/gpuprof/components/cpufreq"
	"github.com/leptonai/gpuprof/components/frame"
	"github.com/leptonai/gpuprof/components/gpuperf"
	"github.com/leptonai/gpuprof/components/procself"
	"github.com/leptonai/gpuprof/pkg/config"
	"github.com/leptonai/gpuprof/pkg/control"
	"github.com/leptonai/gpuprof/pkg/errdefs"
	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
	"github.com/leptonai/gpuprof/pkg/nvidia-query/gpm"
	"github.com/leptonai/gpuprof/pkg/publisher"
	"github.com/leptonai/gpuprof/pkg/remote"
)

// DriverFunc opens the GPU counter driver. The returned function
// releases it.
type DriverFunc func() (gpuperf.Driver, func(), error)

type Op struct {
	driverFunc DriverFunc
	remoteOpts []remote.OpOption
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption, cfg *config.Config) {
	for _, opt := range opts {
		opt(op)
	}
	if op.driverFunc == nil {
		op.driverFunc = func() (gpuperf.Driver, func(), error) {
			drv, shutdown, err := gpm.Open(gpm.WithDrainTimeout(cfg.GPU.DrainTimeout.Duration))
			if err != nil {
				return nil, nil, err
			}
			return drv, shutdown, nil
		}
	}
}

// WithDriverFunc replaces the NVML-backed GPU driver.
func WithDriverFunc(f DriverFunc) OpOption {
	return func(op *Op) {
		op.driverFunc = f
	}
}

// WithRemoteOptions passes options to both skeletons.
func WithRemoteOptions(opts ...remote.OpOption) OpOption {
	return func(op *Op) {
		op.remoteOpts = append(op.remoteOpts, opts...)
	}
}

// Session replaces the process-wide singletons of a profiler: one per
// profiled process.
//
// OnContextChanged, OnBufferSwap and OnDrawCall are called on the host's
// render goroutine and return quickly; remote calls arrive on the
// skeletons' goroutines and meet the render goroutine only inside the
// publisher and the sources, which guard their own state.
type Session struct {
	id  string
	cfg *config.Config
	op  Op

	pub         *publisher.Publisher
	router      *control.Router
	experiments *control.Experiments
	frame       *frame.Source

	pubSkel  *remote.PublisherSkeleton
	ctrlSkel *remote.ControlSkeleton

	gpuMu      sync.Mutex
	contextID  uint64
	gpuCurrent *gpuperf.Source
	gpuSources map[uint64]*gpuperf.Source
	gpuDriver  gpuperf.Driver
	gpuRelease func()
	gpuOpened  bool

	wantMu sync.Mutex
	want   map[string]struct{}

	closeOnce sync.Once
}

// New builds the session. Sources that cannot read their filesystem are
// skipped with a warning; nothing listens until Start.
func New(cfg *config.Config, opts ...OpOption) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:          uuid.New().String(),
		cfg:         cfg,
		pub:         publisher.New(),
		experiments: control.NewExperiments(),
		gpuSources:  make(map[uint64]*gpuperf.Source),
		want:        make(map[string]struct{}),
	}
	s.op.applyOpts(opts, cfg)

	s.frame = frame.New(frame.WithInterval(cfg.Intervals.Frame.Duration))
	srcs := []metrics.Source{s.frame}

	if src, err := cpu.New(
		cpu.WithProcRoot(cfg.ProcRoot),
		cpu.WithInterval(cfg.Intervals.CPU.Duration),
	); err != nil {
		log.Logger.Warnw("cpu utilization unavailable", "error", err)
	} else {
		srcs = append(srcs, src)
	}
	if src, err := cpufreq.New(
		cpufreq.WithSysRoot(cfg.SysRoot),
		cpufreq.WithInterval(cfg.Intervals.CPUFreq.Duration),
	); err != nil {
		log.Logger.Warnw("cpu frequency unavailable", "error", err)
	} else {
		srcs = append(srcs, src)
	}
	if src, err := procself.New(
		procself.WithProcRoot(cfg.ProcRoot),
		procself.WithInterval(cfg.Intervals.Process.Duration),
	); err != nil {
		log.Logger.Warnw("process statistics unavailable", "error", err)
	} else {
		srcs = append(srcs, src)
	}

	for _, src := range srcs {
		if err := s.pub.RegisterSource(src); err != nil {
			log.Logger.Warnw("source registered with collisions", "source", fmt.Sprintf("%T", src), "error", err)
		}
	}

	controls := s.experiments.Controls()
	if policy, err := control.NewCPUFreqPolicy(cfg.SysRoot); err != nil {
		log.Logger.Infow("cpu policy control unavailable", "error", err)
	} else {
		controls = append(controls, policy)
	}
	router, err := control.NewRouter(controls...)
	if err != nil {
		return nil, err
	}
	s.router = router

	s.pubSkel, err = remote.NewPublisherSkeleton(cfg.PublisherAddress, s.pub, s.op.remoteOpts...)
	if err != nil {
		_ = router.Close()
		return nil, err
	}
	s.ctrlSkel, err = remote.NewControlSkeleton(cfg.ControlAddress, router, s.op.remoteOpts...)
	if err != nil {
		_ = s.pubSkel.Close()
		_ = router.Close()
		return nil, err
	}

	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Publisher() *publisher.Publisher { return s.pub }

func (s *Session) Router() *control.Router { return s.router }

// PublisherPort and ControlPort return the bound ports.
func (s *Session) PublisherPort() int { return s.pubSkel.Port() }

func (s *Session) ControlPort() int { return s.ctrlSkel.Port() }

// Subscribed reports whether an observer is attached to the publisher.
func (s *Session) Subscribed() bool { return s.pub.Subscribed() }

// Start serves both channels and enables the configured metrics.
func (s *Session) Start(ctx context.Context) error {
	if info, err := host.InfoWithContext(ctx); err != nil {
		log.Logger.Warnw("failed to read host info", "error", err)
	} else {
		log.Logger.Infow("starting profiling session",
			"id", s.id,
			"hostname", info.Hostname,
			"platform", info.Platform,
			"platformVersion", info.PlatformVersion,
			"kernel", info.KernelVersion,
			"arch", info.KernelArch,
		)
	}

	s.pubSkel.Start()
	s.ctrlSkel.Start()

	s.ApplyConfig(s.cfg)
	return nil
}

// OnContextChanged switches the GPU counters to the given graphics
// context. Counters enabled on the previous context stay enabled.
func (s *Session) OnContextChanged(contextID uint64) {
	if !s.cfg.GPU.Enable {
		return
	}

	s.gpuMu.Lock()
	defer s.gpuMu.Unlock()

	if s.gpuCurrent != nil && s.contextID == contextID {
		return
	}
	s.contextID = contextID

	var carry []int32
	if prev := s.gpuCurrent; prev != nil {
		carry = prev.Set().EnabledIDs()
		// drain before the subscriber sees Clear for its ids
		prev.Close()
		s.pub.UnregisterSource(prev)
		s.gpuCurrent = nil
	}

	src, err := s.gpuSourceLocked(contextID)
	if err != nil {
		log.Logger.Warnw("gpu counters unavailable for context", "context", contextID, "error", err)
		return
	}
	if err := s.pub.RegisterSource(src); err != nil {
		log.Logger.Warnw("gpu source registered with collisions", "context", contextID, "error", err)
	}
	s.gpuCurrent = src

	for _, id := range carry {
		if err := s.pub.Enable(id); err != nil {
			log.Logger.Warnw("failed to carry gpu counter over to new context", "context", contextID, "id", id, "error", err)
		}
	}
	s.enableWanted(src.Descriptions())
	log.Logger.Infow("gpu context changed", "context", contextID, "counters", len(src.Descriptions()))
}

func (s *Session) gpuSourceLocked(contextID uint64) (*gpuperf.Source, error) {
	if src, ok := s.gpuSources[contextID]; ok {
		return src, nil
	}

	if !s.gpuOpened {
		s.gpuOpened = true
		drv, release, err := s.op.driverFunc()
		if err != nil {
			log.Logger.Warnw("failed to open gpu counter driver", "error", err)
		} else {
			s.gpuDriver, s.gpuRelease = drv, release
		}
	}
	if s.gpuDriver == nil {
		return nil, fmt.Errorf("no gpu counter driver: %w", errdefs.ErrUnavailable)
	}

	var opts []gpuperf.OpOption
	re, err := s.cfg.CounterFilter()
	if err != nil {
		return nil, err
	}
	if re != nil {
		opts = append(opts, gpuperf.WithCounterFilter(re))
	}
	src, err := gpuperf.New(s.gpuDriver, opts...)
	if err != nil {
		return nil, err
	}
	s.gpuSources[contextID] = src
	return src, nil
}

// OnBufferSwap polls every source once, then drops remote subscribers
// whose connection failed. Profiling carries on locally without them.
func (s *Session) OnBufferSwap() {
	s.pub.Poll()

	if s.pubSkel.Reap() {
		log.Logger.Infow("remote metrics subscriber dropped", "session", s.id)
	}
	if s.ctrlSkel.Reap() {
		log.Logger.Infow("remote control subscriber dropped", "session", s.id)
	}
}

// OnDrawCall returns the experiment switches the draw-call hook applies.
func (s *Session) OnDrawCall() control.Flags {
	return s.experiments.Snapshot()
}

// ApplyConfig enables the metrics cfg lists and disables the ones a
// previous config listed but cfg does not. Only EnableMetrics is applied
// at runtime; other fields take effect on the next session.
func (s *Session) ApplyConfig(cfg *config.Config) {
	next := make(map[string]struct{}, len(cfg.EnableMetrics))
	for _, p := range cfg.EnableMetrics {
		next[p] = struct{}{}
	}

	s.wantMu.Lock()
	var added, removed []string
	for p := range next {
		if _, ok := s.want[p]; !ok {
			added = append(added, p)
		}
	}
	for p := range s.want {
		if _, ok := next[p]; !ok {
			removed = append(removed, p)
		}
	}
	s.want = next
	s.wantMu.Unlock()

	for _, p := range removed {
		if err := s.pub.Disable(metrics.HashPath(p)); err != nil && !errdefs.IsNotFound(err) {
			log.Logger.Warnw("failed to disable metric", "path", p, "error", err)
		}
	}
	// paths of sources that are not registered yet (gpu counters before
	// the first context) are enabled when the source appears
	if unknown := s.pub.EnablePaths(added...); len(unknown) > 0 {
		log.Logger.Debugw("metrics not enabled yet", "paths", unknown)
	}
	log.Logger.Infow("applied metric config", "enabled", len(added), "disabled", len(removed))
}

func (s *Session) enableWanted(descs []metrics.Description) {
	s.wantMu.Lock()
	var ids []int32
	for _, d := range descs {
		if _, ok := s.want[d.Path]; ok {
			ids = append(ids, d.ID)
		}
	}
	s.wantMu.Unlock()

	for _, id := range ids {
		if err := s.pub.Enable(id); err != nil {
			log.Logger.Warnw("failed to enable configured metric", "id", id, "error", err)
		}
	}
}

// Close stops both channels, drains the GPU queries, restores the CPU
// policy and detaches any subscriber.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if cerr := s.pubSkel.Close(); cerr != nil {
			log.Logger.Warnw("failed to close publisher skeleton", "error", cerr)
		}
		if cerr := s.ctrlSkel.Close(); cerr != nil {
			log.Logger.Warnw("failed to close control skeleton", "error", cerr)
		}

		s.gpuMu.Lock()
		for _, src := range s.gpuSources {
			src.Close()
		}
		s.gpuSources = nil
		s.gpuCurrent = nil
		if s.gpuRelease != nil {
			s.gpuRelease()
		}
		s.gpuMu.Unlock()

		err = s.router.Close()
		s.pub.Detach()
		log.Logger.Infow("profiling session closed", "id", s.id)
	})
	return err
}
