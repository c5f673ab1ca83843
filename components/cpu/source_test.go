package cpu

import (
	"errors"
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

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestUtilization(t *testing.T) {
	delta := times{
		fieldUser:   10,
		fieldSystem: 5,
		fieldIdle:   85,
	}
	assert.InDelta(t, 15.0, utilization(delta), 1e-9)

	assert.Equal(t, 0.0, utilization(times{}))
	assert.InDelta(t, 50.0, utilization(times{fieldUser: 1, fieldIowait: 1}), 1e-9)
	assert.InDelta(t, 50.0, utilization(times{fieldSoftIRQ: 2, fieldSteal: 2}), 1e-9)
}

func TestTimesSub(t *testing.T) {
	prev := times{100, 0, 50, 200, 0, 0, 0, 0, 0, 0}
	cur := times{110, 0, 55, 285, 0, 0, 0, 0, 0, 0}
	assert.InDelta(t, 15.0, utilization(cur.sub(prev)), 1e-9)
}

// statSequence returns one procfs.Stat per call, the last one repeated.
func statSequence(stats ...procfs.Stat) func() (procfs.Stat, error) {
	i := 0
	return func() (procfs.Stat, error) {
		st := stats[i]
		if i < len(stats)-1 {
			i++
		}
		return st, nil
	}
}

func TestPollPublishesSystemAndCores(t *testing.T) {
	first := procfs.Stat{
		CPUTotal: procfs.CPUStat{User: 100, Idle: 100},
		CPU: map[int64]procfs.CPUStat{
			0: {User: 50, Idle: 50},
		},
	}
	second := procfs.Stat{
		CPUTotal: procfs.CPUStat{User: 110, System: 5, Idle: 185},
		CPU: map[int64]procfs.CPUStat{
			0: {User: 100, Idle: 50},
			1: {User: 10, Idle: 10},
		},
	}
	third := procfs.Stat{
		CPUTotal: procfs.CPUStat{User: 120, System: 5, Idle: 275},
		CPU: map[int64]procfs.CPUStat{
			0: {User: 100, Idle: 100},
			1: {User: 20, Idle: 10},
		},
	}

	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	src, err := New(WithStatFunc(statSequence(first, first, second, third)), WithTimeNow(clk.now))
	require.NoError(t, err)
	assert.Equal(t, 1, src.NumCores())

	sink := &recordingSink{}
	src.Subscribe(sink)

	sysID := metrics.HashPath(SystemUtilizationPath)
	core0 := metrics.HashPath(CoreUtilizationPath(0))
	core1 := metrics.HashPath(CoreUtilizationPath(1))
	require.NoError(t, src.Activate(sysID))
	require.NoError(t, src.Activate(core0))
	require.NoError(t, src.Activate(core1))

	// primes the snapshots, nothing to publish yet
	src.Poll()
	assert.Empty(t, sink.sets)

	clk.advance(DefaultInterval)
	src.Poll()
	require.Len(t, sink.sets, 1)
	ds := sink.sets[0]
	require.Len(t, ds, 2)
	assert.Equal(t, sysID, ds[0].ID)
	assert.InDelta(t, 15.0, ds[0].Value, 1e-4)
	assert.Equal(t, core0, ds[1].ID)
	assert.InDelta(t, 100.0, ds[1].Value, 1e-4)
	assert.Equal(t, 2, src.NumCores())

	clk.advance(DefaultInterval)
	src.Poll()
	require.Len(t, sink.sets, 2)
	ds = sink.sets[1]
	require.Len(t, ds, 3)
	assert.InDelta(t, 10.0, ds[0].Value, 1e-4)
	assert.InDelta(t, 0.0, ds[1].Value, 1e-4)
	assert.Equal(t, core1, ds[2].ID)
	assert.InDelta(t, 100.0, ds[2].Value, 1e-4)
}

type announcingSink struct {
	recordingSink
	announced int
	descs     []metrics.Description
}

func (a *announcingSink) Announce(src metrics.Source) {
	a.announced++
	a.descs = src.Descriptions()
}

func TestPollAnnouncesNewCores(t *testing.T) {
	first := procfs.Stat{
		CPUTotal: procfs.CPUStat{User: 100, Idle: 100},
		CPU:      map[int64]procfs.CPUStat{0: {User: 50, Idle: 50}},
	}
	second := procfs.Stat{
		CPUTotal: procfs.CPUStat{User: 110, Idle: 190},
		CPU: map[int64]procfs.CPUStat{
			0: {User: 60, Idle: 90},
			1: {User: 10, Idle: 10},
		},
	}

	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	src, err := New(WithStatFunc(statSequence(first, first, second)), WithTimeNow(clk.now))
	require.NoError(t, err)

	sink := &announcingSink{}
	src.Subscribe(sink)
	require.NoError(t, src.Activate(metrics.HashPath(SystemUtilizationPath)))

	src.Poll()
	assert.Zero(t, sink.announced)

	clk.advance(DefaultInterval)
	src.Poll()
	assert.Equal(t, 1, sink.announced)
	require.Len(t, sink.descs, 3)
	assert.Equal(t, CoreUtilizationPath(1), sink.descs[2].Path)

	// same cores again
	clk.advance(DefaultInterval)
	src.Poll()
	assert.Equal(t, 1, sink.announced)
}

func TestPollRateLimited(t *testing.T) {
	n := 0
	stat := func() (procfs.Stat, error) {
		n++
		return procfs.Stat{CPUTotal: procfs.CPUStat{User: float64(n), Idle: float64(n)}}, nil
	}

	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	src, err := New(WithStatFunc(stat), WithTimeNow(clk.now), WithInterval(500*time.Millisecond))
	require.NoError(t, err)
	sink := &recordingSink{}
	src.Subscribe(sink)
	require.NoError(t, src.Activate(metrics.HashPath(SystemUtilizationPath)))

	src.Poll() // prime
	clk.advance(500 * time.Millisecond)
	src.Poll()
	clk.advance(100 * time.Millisecond)
	src.Poll()
	assert.Len(t, sink.sets, 1)
}

func TestPollInactiveDoesNoIO(t *testing.T) {
	calls := 0
	stat := func() (procfs.Stat, error) {
		calls++
		return procfs.Stat{}, nil
	}
	src, err := New(WithStatFunc(stat))
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	src.Poll()
	src.Poll()
	assert.Equal(t, 1, calls)
}

func TestPollReadErrorSkips(t *testing.T) {
	fail := false
	stat := func() (procfs.Stat, error) {
		if fail {
			return procfs.Stat{}, errors.New("read failed")
		}
		return procfs.Stat{}, nil
	}
	src, err := New(WithStatFunc(stat))
	require.NoError(t, err)
	sink := &recordingSink{}
	src.Subscribe(sink)
	require.NoError(t, src.Activate(metrics.HashPath(SystemUtilizationPath)))

	fail = true
	assert.NotPanics(t, src.Poll)
	assert.Empty(t, sink.sets)
}

func TestNewFromProcFixture(t *testing.T) {
	src, err := New(WithProcRoot("testdata/proc"))
	require.NoError(t, err)
	assert.Equal(t, 4, src.NumCores())

	descs := src.Descriptions()
	require.Len(t, descs, 5)
	assert.Equal(t, SystemUtilizationPath, descs[0].Path)
	assert.Equal(t, "cpu/core/3/utilization", descs[4].Path)
	assert.Equal(t, metrics.TypePercent, descs[4].Type)
}
