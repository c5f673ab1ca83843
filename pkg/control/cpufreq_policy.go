package control

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/procfs/sysfs"

	"github.com/leptonai/gpuprof/pkg/errdefs"
	"github.com/leptonai/gpuprof/pkg/log"
)

const (
	KeyCPUPolicy = "cpu/policy"

	PolicyDefault     = "default"
	PolicyPerformance = "performance"
	PolicyPowersave   = "powersave"
)

// CPUFreqPolicy switches the cpufreq governor of every core. The
// governors found on the first switch are restored on "default" and on
// Close.
type CPUFreqPolicy struct {
	sysRoot   string
	readFreqs func() ([]sysfs.SystemCPUCpufreqStats, error)

	mu    sync.Mutex
	value string
	saved map[string]string
}

// NewCPUFreqPolicy reads and writes the cpufreq tree under sysRoot
// (normally /sys). It fails with errdefs.ErrUnavailable when no core
// exposes cpufreq.
func NewCPUFreqPolicy(sysRoot string) (*CPUFreqPolicy, error) {
	if sysRoot == "" {
		sysRoot = sysfs.DefaultMountPoint
	}
	fs, err := sysfs.NewFS(sysRoot)
	if err != nil {
		return nil, err
	}
	stats, err := fs.SystemCpufreq()
	if err != nil {
		return nil, fmt.Errorf("failed to read cpufreq under %s: %v: %w", sysRoot, err, errdefs.ErrUnavailable)
	}
	if len(cpufreqCores(stats)) == 0 {
		return nil, fmt.Errorf("no cpufreq cores under %s: %w", sysRoot, errdefs.ErrUnavailable)
	}
	return &CPUFreqPolicy{
		sysRoot:   sysRoot,
		readFreqs: fs.SystemCpufreq,
		value:     PolicyDefault,
	}, nil
}

func (p *CPUFreqPolicy) Name() string { return KeyCPUPolicy }

func (p *CPUFreqPolicy) Value() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

func (p *CPUFreqPolicy) Set(value string) error {
	value = strings.TrimSpace(value)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch value {
	case PolicyDefault:
		if err := p.restoreLocked(); err != nil {
			return err
		}
	case PolicyPerformance, PolicyPowersave:
		if err := p.applyLocked(value); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cpu policy %q (want %s|%s|%s): %w", value, PolicyDefault, PolicyPerformance, PolicyPowersave, errdefs.ErrInvalidArgument)
	}
	p.value = value
	return nil
}

// cpufreqCores drops the zero entries procfs returns for cores without
// a cpufreq directory.
func cpufreqCores(stats []sysfs.SystemCPUCpufreqStats) []sysfs.SystemCPUCpufreqStats {
	return slices.DeleteFunc(stats, func(st sysfs.SystemCPUCpufreqStats) bool { return st.Name == "" })
}

func (p *CPUFreqPolicy) applyLocked(governor string) error {
	stats, err := p.readFreqs()
	if err != nil {
		return err
	}
	stats = cpufreqCores(stats)
	if len(stats) == 0 {
		return fmt.Errorf("no cpufreq policy found: %w", errdefs.ErrUnavailable)
	}
	for _, st := range stats {
		avail := strings.Fields(st.AvailableGovernors)
		if len(avail) > 0 && !slices.Contains(avail, governor) {
			return fmt.Errorf("cpu %s does not offer governor %q (has %v): %w", st.Name, governor, avail, errdefs.ErrInvalidArgument)
		}
	}

	if p.saved == nil {
		p.saved = make(map[string]string, len(stats))
		for _, st := range stats {
			p.saved[st.Name] = st.Governor
		}
	}
	for _, st := range stats {
		if err := p.writeGovernor(st.Name, governor); err != nil {
			return err
		}
	}
	log.Logger.Infow("switched cpu governor", "governor", governor, "cpus", len(stats))
	return nil
}

func (p *CPUFreqPolicy) restoreLocked() error {
	if p.saved == nil {
		return nil
	}
	var firstErr error
	for cpu, governor := range p.saved {
		if err := p.writeGovernor(cpu, governor); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	log.Logger.Infow("restored cpu governors", "cpus", len(p.saved))
	p.saved = nil
	return nil
}

func (p *CPUFreqPolicy) writeGovernor(cpu, governor string) error {
	path := filepath.Join(p.sysRoot, "devices", "system", "cpu", "cpu"+cpu, "cpufreq", "scaling_governor")
	if err := os.WriteFile(path, []byte(governor), 0o644); err != nil {
		return fmt.Errorf("failed to set governor of cpu %s: %w", cpu, err)
	}
	return nil
}

// Close restores the original governors.
func (p *CPUFreqPolicy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = PolicyDefault
	return p.restoreLocked()
}
