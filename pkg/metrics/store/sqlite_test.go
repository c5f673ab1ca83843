package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuprof/pkg/metrics"
	pkgsqlite "github.com/leptonai/gpuprof/pkg/sqlite"
)

func TestNewStoreEmptyTable(t *testing.T) {
	dbRW, dbRO := pkgsqlite.OpenTestDB(t)
	_, err := NewSQLiteStore(context.Background(), dbRW, dbRO, "")
	assert.Equal(t, ErrEmptyTableName, err)
}

func TestRecordAndRead(t *testing.T) {
	dbRW, dbRO := pkgsqlite.OpenTestDB(t)
	ctx := context.Background()

	s, err := NewSQLiteStore(ctx, dbRW, dbRO, "test_points")
	require.NoError(t, err)

	fps := metrics.NewDescription("gpu/frame/fps", "", "FPS", metrics.TypeRate)
	require.NoError(t, s.RecordDescriptions(ctx, []metrics.Description{fps}))

	now := time.Now()
	ms := metrics.TimestampMs(now)
	require.NoError(t, s.Record(ctx, metrics.DataSet{
		{TimestampMs: ms, ID: fps.ID, Value: 60},
		{TimestampMs: ms - 5, ID: 7, Value: 1.5},
		{TimestampMs: ms + 10, ID: fps.ID, Value: 59},
	}))
	// same timestamp and id replaces
	require.NoError(t, s.Record(ctx, metrics.DataSet{{TimestampMs: ms + 10, ID: fps.ID, Value: 58}}))

	rows, err := s.Read(ctx, time.UnixMilli(int64(ms)-1000))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, int32(7), rows[0].ID)
	assert.Empty(t, rows[0].Path)
	assert.Equal(t, "gpu/frame/fps", rows[1].Path)
	assert.Equal(t, float32(60), rows[1].Value)
	assert.Equal(t, float32(58), rows[2].Value)
	assert.Equal(t, int64(ms+10), rows[2].UnixMilliseconds)

	rows, err = s.Read(ctx, time.UnixMilli(int64(ms)+1000))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRecordLargeBatch(t *testing.T) {
	dbRW, dbRO := pkgsqlite.OpenTestDB(t)
	ctx := context.Background()

	s, err := NewSQLiteStore(ctx, dbRW, dbRO, DefaultTableName)
	require.NoError(t, err)

	ds := make(metrics.DataSet, 0, 3*maxRowsPerInsert+1)
	for i := 0; i < cap(ds); i++ {
		ds = append(ds, metrics.DataPoint{TimestampMs: uint64(1000 + i), ID: 1, Value: float32(i)})
	}
	require.NoError(t, s.Record(ctx, ds))

	rows, err := s.Read(ctx, time.UnixMilli(0))
	require.NoError(t, err)
	assert.Len(t, rows, len(ds))
}

func TestPurge(t *testing.T) {
	dbRW, dbRO := pkgsqlite.OpenTestDB(t)
	ctx := context.Background()

	s, err := NewSQLiteStore(ctx, dbRW, dbRO, DefaultTableName)
	require.NoError(t, err)

	require.NoError(t, s.Record(ctx, metrics.DataSet{
		{TimestampMs: 1000, ID: 1, Value: 1},
		{TimestampMs: 2000, ID: 1, Value: 2},
		{TimestampMs: 3000, ID: 1, Value: 3},
	}))

	purged, err := s.Purge(ctx, time.UnixMilli(2500))
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	rows, err := s.Read(ctx, time.UnixMilli(0))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, float32(3), rows[0].Value)
}
