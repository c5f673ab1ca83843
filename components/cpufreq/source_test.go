package cpufreq

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/procfs/sysfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuprof/pkg/metrics"
)

type recordingSink struct {
	sets []metrics.DataSet
}

func (r *recordingSink) OnMetric(ds metrics.DataSet) { r.sets = append(r.sets, ds) }

func u64(v uint64) *uint64 { return &v }

func TestPollPublishesEnabledCores(t *testing.T) {
	stats := []sysfs.SystemCPUCpufreqStats{
		{Name: "0", ScalingCurrentFrequency: u64(2_400_000)},
		{Name: "1", CpuinfoCurrentFrequency: u64(1_200_000)},
		{Name: "2"},
	}
	now := time.Unix(1_700_000_000, 0)
	src, err := New(
		WithReadFunc(func() ([]sysfs.SystemCPUCpufreqStats, error) { return stats, nil }),
		WithTimeNow(func() time.Time { return now }),
	)
	require.NoError(t, err)

	descs := src.Descriptions()
	require.Len(t, descs, 3)
	assert.Equal(t, "cpu/core/0/frequency", descs[0].Path)

	sink := &recordingSink{}
	src.Subscribe(sink)
	require.NoError(t, src.Activate(metrics.HashPath(FrequencyPath(0))))
	require.NoError(t, src.Activate(metrics.HashPath(FrequencyPath(1))))
	require.NoError(t, src.Activate(metrics.HashPath(FrequencyPath(2))))

	src.Poll()
	require.Len(t, sink.sets, 1)
	ds := sink.sets[0]
	require.Len(t, ds, 2)
	assert.Equal(t, float32(2400), ds[0].Value)
	assert.Equal(t, float32(1200), ds[1].Value)
	assert.Equal(t, metrics.TimestampMs(now), ds[0].TimestampMs)

	// same instant: rate limited
	src.Poll()
	assert.Len(t, sink.sets, 1)
}

type announcingSink struct {
	recordingSink
	announced int
}

func (a *announcingSink) Announce(metrics.Source) { a.announced++ }

func TestPollAnnouncesNewCores(t *testing.T) {
	stats := []sysfs.SystemCPUCpufreqStats{{Name: "0", ScalingCurrentFrequency: u64(1_000_000)}}
	now := time.Unix(1_700_000_000, 0)
	src, err := New(
		WithReadFunc(func() ([]sysfs.SystemCPUCpufreqStats, error) { return stats, nil }),
		WithTimeNow(func() time.Time { return now }),
	)
	require.NoError(t, err)
	require.Len(t, src.Descriptions(), 1)

	sink := &announcingSink{}
	src.Subscribe(sink)
	require.NoError(t, src.Activate(metrics.HashPath(FrequencyPath(0))))

	src.Poll()
	assert.Zero(t, sink.announced)

	stats = append(stats, sysfs.SystemCPUCpufreqStats{Name: "1", ScalingCurrentFrequency: u64(2_000_000)})
	now = now.Add(DefaultInterval)
	src.Poll()
	assert.Equal(t, 1, sink.announced)
	assert.Len(t, src.Descriptions(), 2)
	require.Len(t, sink.sets, 2)
}

func TestUnavailableCpufreq(t *testing.T) {
	src, err := New(WithReadFunc(func() ([]sysfs.SystemCPUCpufreqStats, error) {
		return nil, errors.New("no cpufreq")
	}))
	require.NoError(t, err)
	assert.Empty(t, src.Descriptions())

	src.Subscribe(&recordingSink{})
	require.NoError(t, src.Activate(1))
	assert.NotPanics(t, src.Poll)
}

func TestInactiveSkipsRead(t *testing.T) {
	reads := 0
	src, err := New(WithReadFunc(func() ([]sysfs.SystemCPUCpufreqStats, error) {
		reads++
		return nil, nil
	}))
	require.NoError(t, err)
	src.Poll()
	assert.Equal(t, 1, reads)
}

func TestNewFromSysFixture(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src, err := New(WithSysRoot("testdata/sys"), WithTimeNow(func() time.Time { return now }))
	require.NoError(t, err)
	require.Len(t, src.Descriptions(), 2)

	sink := &recordingSink{}
	src.Subscribe(sink)
	require.NoError(t, src.Activate(metrics.HashPath(FrequencyPath(1))))
	src.Poll()

	require.Len(t, sink.sets, 1)
	require.Len(t, sink.sets[0], 1)
	assert.Equal(t, float32(1800), sink.sets[0][0].Value)
}
