// Package gpm implements gpuperf.Driver on top of NVML GPU performance
// monitoring (GPM).
//
// Each GPM-capable device is one query type. A query handle is a pair of
// GPM samples: BeginQuery takes the first sample, EndQuery the second, and
// QueryData asks NVML for the metrics between the two, written as float64
// values at 8-byte offsets in metric order.
package gpm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/leptonai/gpuprof/components/gpuperf"
	"github.com/leptonai/gpuprof/pkg/log"
)

const (
	DefaultDrainTimeout  = 2 * time.Second
	defaultRetryInterval = 10 * time.Millisecond
)

type Op struct {
	metricIDs     []nvml.GpmMetricId
	drainTimeout  time.Duration
	retryInterval time.Duration
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) error {
	for _, opt := range opts {
		opt(op)
	}
	if len(op.metricIDs) == 0 {
		op.metricIDs = DefaultMetricIDs
	}
	maxMetrics := len(nvml.GpmMetricsGetType{}.Metrics)
	if len(op.metricIDs) > maxMetrics {
		return fmt.Errorf("too many metric IDs provided (%d > %d)", len(op.metricIDs), maxMetrics)
	}
	if op.drainTimeout <= 0 {
		op.drainTimeout = DefaultDrainTimeout
	}
	if op.retryInterval <= 0 {
		op.retryInterval = defaultRetryInterval
	}
	return nil
}

// WithMetricIDs overrides DefaultMetricIDs.
func WithMetricIDs(ids ...nvml.GpmMetricId) OpOption {
	return func(op *Op) {
		op.metricIDs = append(op.metricIDs, ids...)
	}
}

// WithDrainTimeout bounds how long a ReadWait read retries while NVML
// reports the samples as not ready.
func WithDrainTimeout(d time.Duration) OpOption {
	return func(op *Op) {
		op.drainTimeout = d
	}
}

func withRetryInterval(d time.Duration) OpOption {
	return func(op *Op) {
		op.retryInterval = d
	}
}

var _ gpuperf.Driver = (*Driver)(nil)

type gpmDevice struct {
	uuid string
	dev  nvml.Device
}

type query struct {
	queryID      uint32
	sample1      nvml.GpmSample
	sample2      nvml.GpmSample
	begun, ended bool
}

type Driver struct {
	lib           nvml.Interface
	devices       []gpmDevice
	metricIDs     []nvml.GpmMetricId
	drainTimeout  time.Duration
	retryInterval time.Duration

	mu      sync.Mutex
	next    gpuperf.Handle
	queries map[gpuperf.Handle]*query
}

// New wraps the GPM-capable devices among devs. Devices without GPM
// support are skipped.
func New(lib nvml.Interface, devs []nvml.Device, opts ...OpOption) (*Driver, error) {
	op := &Op{}
	if err := op.applyOpts(opts); err != nil {
		return nil, err
	}

	d := &Driver{
		lib:           lib,
		metricIDs:     op.metricIDs,
		drainTimeout:  op.drainTimeout,
		retryInterval: op.retryInterval,
		queries:       make(map[gpuperf.Handle]*query),
	}
	for i, dev := range devs {
		uuid, ret := dev.GetUUID()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("failed to get uuid of device %d: %v", i, nvml.ErrorString(ret))
		}
		supported, err := SupportedByDevice(dev)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", uuid, err)
		}
		if !supported {
			log.Logger.Infow("gpm not supported, skipping device", "uuid", uuid)
			continue
		}
		d.devices = append(d.devices, gpmDevice{uuid: uuid, dev: dev})
	}
	return d, nil
}

// SupportedByDevice returns false without error when the driver or the
// NVML library predates GPM.
func SupportedByDevice(dev nvml.Device) (bool, error) {
	support, ret := dev.GpmQueryDeviceSupport()
	if IsNotSupportError(ret) || IsVersionMismatchError(ret) {
		return false, nil
	}
	if ret != nvml.SUCCESS {
		return false, fmt.Errorf("could not query GPM support: %v", nvml.ErrorString(ret))
	}
	return support.IsSupportedDevice != 0, nil
}

// NumDevices returns the number of GPM-capable devices.
func (d *Driver) NumDevices() int {
	return len(d.devices)
}

func (d *Driver) QueryIDs() ([]uint32, error) {
	ids := make([]uint32, len(d.devices))
	for i := range d.devices {
		ids[i] = uint32(i)
	}
	return ids, nil
}

func (d *Driver) device(queryID uint32) (gpmDevice, error) {
	if int(queryID) >= len(d.devices) {
		return gpmDevice{}, fmt.Errorf("no gpm device for query %d", queryID)
	}
	return d.devices[queryID], nil
}

func (d *Driver) QueryInfo(queryID uint32) (gpuperf.QueryInfo, error) {
	if _, err := d.device(queryID); err != nil {
		return gpuperf.QueryInfo{}, err
	}
	return gpuperf.QueryInfo{
		Name:        fmt.Sprintf("gpu%d", queryID),
		DataSize:    8 * len(d.metricIDs),
		NumCounters: len(d.metricIDs),
	}, nil
}

func (d *Driver) CounterInfo(queryID, counterID uint32) (gpuperf.CounterInfo, error) {
	dev, err := d.device(queryID)
	if err != nil {
		return gpuperf.CounterInfo{}, err
	}
	if int(counterID) >= len(d.metricIDs) {
		return gpuperf.CounterInfo{}, fmt.Errorf("no counter %d on query %d", counterID, queryID)
	}
	n := nameOf(d.metricIDs[counterID])
	return gpuperf.CounterInfo{
		Name:        n.name,
		Description: n.help + " (" + dev.uuid + ")",
		Offset:      8 * int(counterID),
		Size:        8,
		DataType:    gpuperf.DataTypeDouble,
	}, nil
}

func (d *Driver) CreateQuery(queryID uint32) (gpuperf.Handle, error) {
	if _, err := d.device(queryID); err != nil {
		return 0, err
	}

	s1, ret := d.lib.GpmSampleAlloc()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("could not allocate sample: %v", nvml.ErrorString(ret))
	}
	s2, ret := d.lib.GpmSampleAlloc()
	if ret != nvml.SUCCESS {
		_ = s1.Free()
		return 0, fmt.Errorf("could not allocate sample: %v", nvml.ErrorString(ret))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.queries[d.next] = &query{queryID: queryID, sample1: s1, sample2: s2}
	return d.next, nil
}

func (d *Driver) lookup(h gpuperf.Handle) (*query, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queries[h]
	if !ok {
		return nil, fmt.Errorf("unknown gpm query handle %d", h)
	}
	return q, nil
}

func (d *Driver) DeleteQuery(h gpuperf.Handle) error {
	q, err := d.lookup(h)
	if err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.queries, h)
	d.mu.Unlock()

	ret1 := q.sample1.Free()
	ret2 := q.sample2.Free()
	if ret1 != nvml.SUCCESS {
		return fmt.Errorf("could not free sample: %v", nvml.ErrorString(ret1))
	}
	if ret2 != nvml.SUCCESS {
		return fmt.Errorf("could not free sample: %v", nvml.ErrorString(ret2))
	}
	return nil
}

func (d *Driver) BeginQuery(h gpuperf.Handle) error {
	q, err := d.lookup(h)
	if err != nil {
		return err
	}
	if q.begun {
		return fmt.Errorf("gpm query %d already begun", h)
	}
	if ret := d.devices[q.queryID].dev.GpmSampleGet(q.sample1); ret != nvml.SUCCESS {
		return fmt.Errorf("could not get sample: %v", nvml.ErrorString(ret))
	}
	q.begun, q.ended = true, false
	return nil
}

func (d *Driver) EndQuery(h gpuperf.Handle) error {
	q, err := d.lookup(h)
	if err != nil {
		return err
	}
	if !q.begun {
		return fmt.Errorf("gpm query %d not begun", h)
	}
	q.begun = false
	if ret := d.devices[q.queryID].dev.GpmSampleGet(q.sample2); ret != nvml.SUCCESS {
		return fmt.Errorf("could not get sample: %v", nvml.ErrorString(ret))
	}
	q.ended = true
	return nil
}

// QueryData returns 0 bytes while the query is still open or NVML
// reports the samples as not ready. With gpuperf.ReadWait it retries
// until the drain timeout.
func (d *Driver) QueryData(h gpuperf.Handle, flag gpuperf.ReadFlag, buf []byte) (int, error) {
	q, err := d.lookup(h)
	if err != nil {
		return 0, err
	}
	if !q.ended {
		return 0, nil
	}
	size := 8 * len(d.metricIDs)
	if len(buf) < size {
		return 0, fmt.Errorf("result buffer too small (%d < %d)", len(buf), size)
	}

	deadline := time.Now().Add(d.drainTimeout)
	for {
		get := nvml.GpmMetricsGetType{
			NumMetrics: uint32(len(d.metricIDs)),
			Sample1:    q.sample1,
			Sample2:    q.sample2,
		}
		for i := range d.metricIDs {
			get.Metrics[i].MetricId = uint32(d.metricIDs[i])
		}

		ret := d.lib.GpmMetricsGet(&get)
		if ret == nvml.SUCCESS {
			for i := range d.metricIDs {
				binary.NativeEndian.PutUint64(buf[8*i:], math.Float64bits(get.Metrics[i].Value))
			}
			return size, nil
		}
		if !IsNotReadyError(ret) {
			return 0, fmt.Errorf("failed to get gpm metric: %v", nvml.ErrorString(ret))
		}
		if flag != gpuperf.ReadWait {
			return 0, nil
		}
		if time.Now().After(deadline) {
			log.Logger.Warnw("gpm samples not ready before drain timeout", "handle", h, "timeout", d.drainTimeout)
			return 0, nil
		}
		time.Sleep(d.retryInterval)
	}
}
