package procself

import (
	"os"
	"testing"
	"time"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuprof/pkg/metrics"
)

type recordingSink struct {
	sets []metrics.DataSet
}

func (r *recordingSink) OnMetric(ds metrics.DataSet) { r.sets = append(r.sets, ds) }

func fourCPUs() (int, error) { return 4, nil }

func TestUtilizationNormalizedByCores(t *testing.T) {
	// procfs reports ticks at USER_HZ=100
	stats := []procfs.ProcStat{
		{UTime: 100, STime: 0, NumThreads: 8, RSS: 256},
		{UTime: 300, STime: 100, NumThreads: 9, RSS: 512},
	}
	i := 0
	now := time.Unix(1_700_000_000, 0)
	src, err := New(
		WithStatFunc(func() (procfs.ProcStat, error) {
			st := stats[i]
			if i < len(stats)-1 {
				i++
			}
			return st, nil
		}),
		WithNumCPUFunc(fourCPUs),
		WithTimeNow(func() time.Time { return now }),
		WithInterval(time.Second),
	)
	require.NoError(t, err)

	sink := &recordingSink{}
	src.Subscribe(sink)
	for _, d := range src.Descriptions() {
		require.NoError(t, src.Activate(d.ID))
	}

	src.Poll()
	require.Len(t, sink.sets, 1)
	// cpu is primed on the first read; rss and threads are not deltas
	require.Len(t, sink.sets[0], 2)
	assert.Equal(t, rssID, sink.sets[0][0].ID)
	assert.Equal(t, float32(8), sink.sets[0][1].Value)

	now = now.Add(2 * time.Second)
	src.Poll()
	require.Len(t, sink.sets, 2)
	ds := sink.sets[1]
	require.Len(t, ds, 3)
	assert.Equal(t, cpuID, ds[0].ID)
	// 3 cpu seconds over 2 wall seconds on 4 cores
	assert.InDelta(t, 37.5, ds[0].Value, 0.01)
	assert.InDelta(t, float64(512*os.Getpagesize())/(1<<20), ds[1].Value, 0.01)
	assert.Equal(t, float32(9), ds[2].Value)
}

func TestPollInactiveDoesNoIO(t *testing.T) {
	reads := 0
	src, err := New(
		WithStatFunc(func() (procfs.ProcStat, error) {
			reads++
			return procfs.ProcStat{}, nil
		}),
		WithNumCPUFunc(fourCPUs),
	)
	require.NoError(t, err)
	src.Poll()
	assert.Zero(t, reads)
}

func TestNewFromProcFixture(t *testing.T) {
	src, err := New(WithProcRoot("testdata/proc"), WithNumCPUFunc(fourCPUs))
	require.NoError(t, err)

	sink := &recordingSink{}
	src.Subscribe(sink)
	require.NoError(t, src.Activate(threadsID))
	src.Poll()

	require.Len(t, sink.sets, 1)
	require.Len(t, sink.sets[0], 1)
	assert.Equal(t, float32(1), sink.sets[0][0].Value)
}
