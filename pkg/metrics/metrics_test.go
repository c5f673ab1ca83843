package metrics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPath(t *testing.T) {
	// s[0]*31^(n-1) + ... + s[n-1], wrapping at 32 bits
	assert.Equal(t, int32(0), HashPath(""))
	assert.Equal(t, int32(97), HashPath("a"))
	assert.Equal(t, int32(96354), HashPath("abc"))
	assert.Equal(t, int32(99162322), HashPath("hello"))

	p := "cpu/core/12/utilization"
	first := HashPath(p)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, HashPath(p))
	}
	assert.NotEqual(t, HashPath("cpu/core/1/utilization"), HashPath("cpu/core/2/utilization"))
}

func TestHashPathWraps(t *testing.T) {
	long := "gpu/perf/Render Metrics Basic Gen9/GPU Core Clocks Per Second"
	var want int32
	for _, b := range []byte(long) {
		want = want*31 + int32(b)
	}
	assert.Equal(t, want, HashPath(long))
}

func TestNewDescription(t *testing.T) {
	d := NewDescription("cpu/system/utilization", "total cpu", "CPU Busy", TypePercent)
	assert.Equal(t, HashPath("cpu/system/utilization"), d.ID)
	assert.Equal(t, "percent", d.Type.String())
}

func TestIntervalReady(t *testing.T) {
	iv := NewInterval(500 * time.Millisecond)
	t0 := time.Unix(1000, 0)

	assert.True(t, iv.Ready(t0))
	assert.False(t, iv.Ready(t0.Add(100*time.Millisecond)))
	assert.False(t, iv.Ready(t0.Add(499*time.Millisecond)))
	assert.True(t, iv.Ready(t0.Add(500*time.Millisecond)))
	assert.False(t, iv.Ready(t0.Add(600*time.Millisecond)))

	iv.Reset()
	assert.True(t, iv.Ready(t0.Add(601*time.Millisecond)))
}

func TestEnabledSet(t *testing.T) {
	s := NewEnabledSet()
	assert.False(t, s.Active())
	s.Add(3)
	s.Add(3)
	assert.True(t, s.Has(3))
	assert.Equal(t, 1, s.Len())
	s.Remove(3)
	assert.False(t, s.Active())
}

func TestDataPointTime(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	p := DataPoint{TimestampMs: TimestampMs(now), ID: 1, Value: 1.5}
	assert.True(t, now.Equal(p.Time()))
}

func TestTypeJSON(t *testing.T) {
	d := NewDescription("gpu/frame/fps", "", "FPS", TypeRate)
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"rate"`)

	var got Description
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, d, got)

	var typ Type
	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &typ))
}
