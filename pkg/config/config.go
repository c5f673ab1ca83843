// Package config provides the gpuprof configuration data for a profiling
// session.
package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/leptonai/gpuprof/pkg/log"
)

// Config provides gpuprof configuration data for a profiling session.
type Config struct {
	APIVersion string `json:"api_version"`

	// Address the publisher skeleton listens on.
	PublisherAddress string `json:"publisher_address"`
	// Address the control skeleton listens on.
	ControlAddress string `json:"control_address"`

	// Host a stub listens on for reverse subscriber connections.
	// Empty means all interfaces.
	CallbackHost string `json:"callback_host,omitempty"`

	// Root of the proc and sys filesystems, overridden in containers.
	ProcRoot string `json:"proc_root"`
	SysRoot  string `json:"sys_root"`

	Intervals Intervals `json:"intervals"`

	GPU GPU `json:"gpu"`

	// EnableMetrics lists the metric paths enabled at start and on every
	// config reload. Unknown paths are ignored.
	EnableMetrics []string `json:"enable_metrics,omitempty"`

	// Address of the debug HTTP server. Empty disables it.
	DebugAddress string `json:"debug_address,omitempty"`

	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file,omitempty"`
}

// Intervals are the minimum periods between two publishes of each
// periodic source.
type Intervals struct {
	CPU     metav1.Duration `json:"cpu"`
	CPUFreq metav1.Duration `json:"cpufreq"`
	Frame   metav1.Duration `json:"frame"`
	Process metav1.Duration `json:"process"`
}

type GPU struct {
	// Set false to skip the GPU counter source.
	Enable bool `json:"enable"`
	// Counters whose name matches are never exposed.
	CounterFilter string `json:"counter_filter"`
	// Bound on waiting for in-flight queries when a group is disabled.
	DrainTimeout metav1.Duration `json:"drain_timeout"`
}

const minInterval = 10 * time.Millisecond

var (
	ErrAddressRequired = errors.New("publisher_address and control_address are required")
	ErrSameAddress     = errors.New("publisher_address and control_address must differ")
)

func (config *Config) Validate() error {
	if config.PublisherAddress == "" || config.ControlAddress == "" {
		return ErrAddressRequired
	}
	var port string
	for _, addr := range []string{config.PublisherAddress, config.ControlAddress} {
		_, p, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", addr, err)
		}
		port = p
	}
	// port 0 binds a distinct ephemeral port for each listener
	if config.PublisherAddress == config.ControlAddress && port != "0" {
		return ErrSameAddress
	}
	if config.DebugAddress != "" {
		if _, _, err := net.SplitHostPort(config.DebugAddress); err != nil {
			return fmt.Errorf("invalid debug_address %q: %w", config.DebugAddress, err)
		}
	}

	for name, d := range map[string]metav1.Duration{
		"cpu":     config.Intervals.CPU,
		"cpufreq": config.Intervals.CPUFreq,
		"frame":   config.Intervals.Frame,
		"process": config.Intervals.Process,
	} {
		if d.Duration < minInterval {
			return fmt.Errorf("intervals.%s must be at least %s, got %s", name, minInterval, d.Duration)
		}
	}

	if config.GPU.CounterFilter != "" {
		if _, err := regexp.Compile(config.GPU.CounterFilter); err != nil {
			return fmt.Errorf("invalid gpu.counter_filter: %w", err)
		}
	}
	if config.GPU.DrainTimeout.Duration < 0 {
		return fmt.Errorf("gpu.drain_timeout must not be negative, got %s", config.GPU.DrainTimeout.Duration)
	}

	for _, p := range config.EnableMetrics {
		if strings.TrimSpace(p) == "" {
			return errors.New("enable_metrics must not contain empty paths")
		}
	}

	if _, err := log.ParseLogLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", config.LogLevel, err)
	}
	return nil
}

// CounterFilter compiles GPU.CounterFilter. Nil when unset.
func (config *Config) CounterFilter() (*regexp.Regexp, error) {
	if config.GPU.CounterFilter == "" {
		return nil, nil
	}
	return regexp.Compile(config.GPU.CounterFilter)
}
