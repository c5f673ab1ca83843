package gpm

import (
	"fmt"

	"github.com/NVIDIA/go-nvlib/pkg/nvlib/device"
	nvinfo "github.com/NVIDIA/go-nvlib/pkg/nvlib/info"
	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/leptonai/gpuprof/pkg/errdefs"
)

// Open initializes NVML and returns a driver over every GPM-capable
// device. The returned function shuts NVML down.
func Open(opts ...OpOption) (*Driver, func(), error) {
	nvmlLib := nvml.New()
	infoLib := nvinfo.New(nvinfo.WithNvmlLib(nvmlLib))
	if ok, msg := infoLib.HasNvml(); !ok {
		return nil, nil, fmt.Errorf("NVML not found: %s: %w", msg, errdefs.ErrUnavailable)
	}
	if ret := nvmlLib.Init(); ret != nvml.SUCCESS {
		return nil, nil, fmt.Errorf("failed to initialize NVML: %v", nvml.ErrorString(ret))
	}
	shutdown := func() {
		_ = nvmlLib.Shutdown()
	}

	devices, err := device.New(nvmlLib).GetDevices()
	if err != nil {
		shutdown()
		return nil, nil, err
	}
	devs := make([]nvml.Device, 0, len(devices))
	for _, d := range devices {
		devs = append(devs, d)
	}

	drv, err := New(nvmlLib, devs, opts...)
	if err != nil {
		shutdown()
		return nil, nil, err
	}
	if drv.NumDevices() == 0 {
		shutdown()
		return nil, nil, fmt.Errorf("no gpm capable device: %w", errdefs.ErrUnavailable)
	}
	return drv, shutdown, nil
}
