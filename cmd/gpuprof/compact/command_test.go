package compact

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuprof/pkg/metrics"
	"github.com/leptonai/gpuprof/pkg/metrics/store"
	pkgsqlite "github.com/leptonai/gpuprof/pkg/sqlite"
)

func TestRun(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rec.db")
	ctx := context.Background()

	dbRW, err := pkgsqlite.Open(file)
	require.NoError(t, err)
	dbRO, err := pkgsqlite.Open(file, pkgsqlite.WithReadOnly(true))
	require.NoError(t, err)
	st, err := store.NewSQLiteStore(ctx, dbRW, dbRO, store.DefaultTableName)
	require.NoError(t, err)

	old := metrics.TimestampMs(time.Now().Add(-time.Hour))
	ds := make(metrics.DataSet, 0, 1000)
	for i := 0; i < cap(ds); i++ {
		ds = append(ds, metrics.DataPoint{TimestampMs: old + uint64(i), ID: 1, Value: float32(i)})
	}
	require.NoError(t, st.Record(ctx, append(ds, metrics.DataPoint{TimestampMs: metrics.NowMs(), ID: 1})))
	require.NoError(t, dbRO.Close())
	require.NoError(t, dbRW.Close())

	before, after, purged, err := Run(ctx, file, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1000, purged)
	assert.Positive(t, before)
	assert.LessOrEqual(t, after, before)

	// nothing left to purge
	_, _, purged, err = Run(ctx, file, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, purged)
}
