package gpuperf

import (
	"regexp"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuprof/pkg/errdefs"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

var defaultFilter = regexp.MustCompile(DefaultCounterFilter)

func id(query, counter string) int32 {
	return metrics.HashPath(Path(query, counter))
}

// checkHandles asserts that every live handle of g is in exactly one of
// current, extant and free.
func checkHandles(t *testing.T, d *fakeDriver, g *Group) {
	t.Helper()

	seen := make(map[Handle]string)
	mark := func(h Handle, where string) {
		prev, dup := seen[h]
		require.False(t, dup, "handle %d in both %s and %s", h, prev, where)
		seen[h] = where
	}
	if g.hasCurrent {
		mark(g.current, "current")
	}
	for _, h := range g.extant {
		mark(h, "extant")
	}
	for _, h := range g.free {
		mark(h, "free")
	}

	live := 0
	for _, h := range d.created {
		st := d.handles[h]
		if d.queries[st.queryID].info.Name != g.info.Name || st.deleted {
			continue
		}
		live++
		_, ok := seen[h]
		assert.True(t, ok, "live handle %d not tracked", h)
	}
	assert.Equal(t, live, len(seen))
}

func TestNewSetDescribesAndFilters(t *testing.T) {
	set, err := NewSet(newFakeDriver(0), defaultFilter)
	require.NoError(t, err)

	descs := set.Descriptions()
	var paths []string
	for _, d := range descs {
		paths = append(paths, d.Path)
		assert.Equal(t, metrics.HashPath(d.Path), d.ID)
	}
	assert.Equal(t, []string{
		"gpu/perf/frame/busy",
		"gpu/perf/frame/cycles",
		"gpu/perf/frame/draws",
		"gpu/perf/frame/stalled",
		"gpu/perf/frame/util",
		"gpu/perf/memory/bytes",
	}, paths)
	assert.Equal(t, "fraction of time busy", descs[0].HelpText)
	assert.Equal(t, "Cycles", descs[1].HelpText)

	require.Len(t, set.Groups(), 2)
	assert.Equal(t, "Frame", set.Groups()[0].Name())
}

func TestNewSetWithoutFilterKeepsAll(t *testing.T) {
	set, err := NewSet(newFakeDriver(0), nil)
	require.NoError(t, err)
	assert.Len(t, set.Descriptions(), 7)
}

func TestUnknownDataTypeFailsDiscovery(t *testing.T) {
	d := newFakeDriver(0)
	d.queries[9].counters[0].info.DataType = DataType(42)

	_, err := NewSet(d, defaultFilter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown data type")
}

func TestCounterOutsideResultFailsDiscovery(t *testing.T) {
	d := newFakeDriver(0)
	d.queries[9].counters[0].info.Offset = 4

	_, err := NewSet(d, defaultFilter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds result size")
}

func TestSwapPipelinesWithoutBlocking(t *testing.T) {
	d := newFakeDriver(1)
	set, err := NewSet(d, defaultFilter)
	require.NoError(t, err)
	g := set.Groups()[0]

	require.NoError(t, set.Enable(id("Frame", "Cycles")))
	require.NoError(t, set.Enable(id("Frame", "Util")))
	checkHandles(t, d, g)

	// frame 1 opens the first query
	ds := set.OnSwap(1)
	assert.Empty(t, ds)
	require.True(t, g.hasCurrent)
	h1 := g.current
	checkHandles(t, d, g)

	// frame 2 ends it; the first read is not ready
	ds = set.OnSwap(2)
	assert.Empty(t, ds)
	assert.Equal(t, []Handle{h1}, g.extant)
	h2 := g.current
	assert.NotEqual(t, h1, h2)
	checkHandles(t, d, g)

	// frame 3 reads h1, leaves h2 in flight and reuses h1
	ds = set.OnSwap(3)
	require.Len(t, ds, 2)
	assert.Equal(t, id("Frame", "Cycles"), ds[0].ID)
	assert.Equal(t, float32(uint64(h1)*1000), ds[0].Value)
	assert.Equal(t, id("Frame", "Util"), ds[1].ID)
	assert.Equal(t, float32(75.25), ds[1].Value)
	assert.Equal(t, uint64(3), ds[0].TimestampMs)

	assert.Equal(t, []Handle{h2}, g.extant)
	assert.Equal(t, h1, g.current)
	assert.Empty(t, g.free)
	checkHandles(t, d, g)

	assert.Len(t, d.created, 2)
	assert.Empty(t, d.waitReads)
	assert.Empty(t, d.deleted)
}

func TestLastDisableDrainsAndDeletes(t *testing.T) {
	d := newFakeDriver(5)
	set, err := NewSet(d, defaultFilter)
	require.NoError(t, err)
	g := set.Groups()[0]

	require.NoError(t, set.Enable(id("Frame", "Cycles")))
	require.NoError(t, set.Enable(id("Frame", "Busy")))
	for ts := uint64(1); ts <= 4; ts++ {
		assert.Empty(t, set.OnSwap(ts))
		checkHandles(t, d, g)
	}
	require.Len(t, g.extant, 3)

	// other counters still enabled: nothing drained
	require.NoError(t, set.Disable(id("Frame", "Cycles")))
	assert.Empty(t, d.waitReads)
	assert.True(t, g.hasCurrent)

	require.NoError(t, set.Disable(id("Frame", "Busy")))
	assert.Len(t, d.waitReads, 4)
	assert.ElementsMatch(t, d.created, d.deleted)
	assert.False(t, g.hasCurrent)
	assert.Empty(t, g.extant)
	assert.Empty(t, g.free)

	// idle group does no driver work
	before := d.noFlush
	assert.Empty(t, set.OnSwap(5))
	assert.Equal(t, before, d.noFlush)
}

func TestEnableIsIdempotent(t *testing.T) {
	d := newFakeDriver(0)
	set, err := NewSet(d, defaultFilter)
	require.NoError(t, err)

	require.NoError(t, set.Enable(id("Frame", "Draws")))
	require.NoError(t, set.Enable(id("Frame", "Draws")))
	require.NoError(t, set.Disable(id("Frame", "Draws")))
	assert.Nil(t, set.enabled)

	require.NoError(t, set.Disable(id("Frame", "Draws")))
}

func TestEnabledIDs(t *testing.T) {
	set, err := NewSet(newFakeDriver(0), defaultFilter)
	require.NoError(t, err)
	assert.Empty(t, set.EnabledIDs())

	require.NoError(t, set.Enable(id("Frame", "Draws")))
	require.NoError(t, set.Enable(id("Frame", "Cycles")))
	ids := set.EnabledIDs()
	assert.ElementsMatch(t, []int32{id("Frame", "Draws"), id("Frame", "Cycles")}, ids)
	assert.IsIncreasing(t, ids)

	require.NoError(t, set.Disable(id("Frame", "Draws")))
	assert.Equal(t, []int32{id("Frame", "Cycles")}, set.EnabledIDs())
}

func TestSecondGroupRejected(t *testing.T) {
	set, err := NewSet(newFakeDriver(0), defaultFilter)
	require.NoError(t, err)

	require.NoError(t, set.Enable(id("Frame", "Draws")))
	err = set.Enable(id("Memory", "Bytes"))
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	require.NoError(t, set.Disable(id("Frame", "Draws")))
	require.NoError(t, set.Enable(id("Memory", "Bytes")))
}

func TestUnknownCounterID(t *testing.T) {
	set, err := NewSet(newFakeDriver(0), defaultFilter)
	require.NoError(t, err)

	assert.True(t, errdefs.IsNotFound(set.Enable(1)))
	assert.True(t, errdefs.IsNotFound(set.Disable(1)))
	// filtered counters are unknown
	assert.True(t, errdefs.IsNotFound(set.Enable(id("Frame", "Hull Shader Busy"))))
}

func TestReadErrorRecyclesHandle(t *testing.T) {
	d := newFakeDriver(0)
	set, err := NewSet(d, defaultFilter)
	require.NoError(t, err)
	g := set.Groups()[1]

	require.NoError(t, set.Enable(id("Memory", "Bytes")))
	set.OnSwap(1)

	d.readErr = assert.AnError
	assert.Empty(t, set.OnSwap(2))
	assert.Empty(t, g.extant)
	checkHandles(t, d, g)

	d.readErr = nil
	ds := set.OnSwap(3)
	require.Len(t, ds, 1)
	assert.Equal(t, float32(4096), ds[0].Value)
	assert.Len(t, d.created, 1)
}

func TestCloseDrains(t *testing.T) {
	d := newFakeDriver(3)
	set, err := NewSet(d, defaultFilter)
	require.NoError(t, err)

	require.NoError(t, set.Enable(id("Frame", "Stalled")))
	set.OnSwap(1)
	set.OnSwap(2)
	set.Close()

	assert.ElementsMatch(t, d.created, d.deleted)
	assert.Len(t, d.waitReads, 2)
	assert.False(t, set.Groups()[0].Metrics()[4].Enabled())

	// closing an idle set is a no-op
	set.Close()
}

func TestRegisterCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterCollectors(reg))
	assert.Error(t, RegisterCollectors(reg))
}
