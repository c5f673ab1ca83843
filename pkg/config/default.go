package config

import (
	"fmt"
	stdos "os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/leptonai/gpuprof/components/cpu"
	"github.com/leptonai/gpuprof/components/cpufreq"
	"github.com/leptonai/gpuprof/components/frame"
	"github.com/leptonai/gpuprof/components/gpuperf"
	"github.com/leptonai/gpuprof/components/procself"
	"github.com/leptonai/gpuprof/pkg/nvidia-query/gpm"
	"github.com/leptonai/gpuprof/pkg/remote"
)

const (
	DefaultAPIVersion = "v1"

	defaultConfigFileName = "gpuprof.yaml"
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig(opts ...OpOption) *Config {
	options := &Op{}
	options.ApplyOpts(opts)

	return &Config{
		APIVersion:       DefaultAPIVersion,
		PublisherAddress: fmt.Sprintf(":%d", remote.DefaultPublisherPort),
		ControlAddress:   fmt.Sprintf(":%d", remote.DefaultControlPort),
		ProcRoot:         options.ProcRoot,
		SysRoot:          options.SysRoot,
		Intervals: Intervals{
			CPU:     metav1.Duration{Duration: cpu.DefaultInterval},
			CPUFreq: metav1.Duration{Duration: cpufreq.DefaultInterval},
			Frame:   metav1.Duration{Duration: frame.DefaultInterval},
			Process: metav1.Duration{Duration: procself.DefaultInterval},
		},
		GPU: GPU{
			Enable:        true,
			CounterFilter: gpuperf.DefaultCounterFilter,
			DrainTimeout:  metav1.Duration{Duration: gpm.DefaultDrainTimeout},
		},
		LogLevel: "info",
	}
}

func setupDefaultDir() (string, error) {
	homeDir, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	d := filepath.Join(homeDir, ".gpuprof")

	if _, err := stdos.Stat(d); stdos.IsNotExist(err) {
		if err = stdos.MkdirAll(d, 0755); err != nil {
			return "", err
		}
	}
	return d, nil
}

// DefaultConfigFile returns ~/.gpuprof/gpuprof.yaml, creating the
// directory if needed.
func DefaultConfigFile() (string, error) {
	dir, err := setupDefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultConfigFileName), nil
}
