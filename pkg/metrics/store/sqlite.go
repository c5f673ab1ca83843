// Package store persists recorded data points in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
	pkgsqlite "github.com/leptonai/gpuprof/pkg/sqlite"
)

const (
	// DefaultTableName is the default table name for recorded data points.
	// Descriptions live in DefaultTableName + "_descriptions".
	DefaultTableName = "gpuprof_data_points"

	ColumnUnixMilliseconds = "unix_milliseconds"
	ColumnMetricID         = "metric_id"
	ColumnMetricValue      = "metric_value"

	ColumnMetricPath        = "metric_path"
	ColumnMetricDisplayName = "metric_display_name"
	ColumnMetricType        = "metric_type"
)

// sqlite caps bound parameters per statement, keep batches well below it
const maxRowsPerInsert = 200

var ErrEmptyTableName = errors.New("table name is empty")

// Row is one recorded data point joined with its description. Path is
// empty when the description was never recorded.
type Row struct {
	UnixMilliseconds int64   `json:"unix_milliseconds"`
	ID               int32   `json:"id"`
	Path             string  `json:"path,omitempty"`
	Value            float32 `json:"value"`
}

func (r Row) Time() time.Time {
	return time.UnixMilli(r.UnixMilliseconds)
}

type Store struct {
	dbRW       *sql.DB
	dbRO       *sql.DB
	table      string
	descsTable string
}

func NewSQLiteStore(ctx context.Context, dbRW *sql.DB, dbRO *sql.DB, table string) (*Store, error) {
	if err := CreateTables(ctx, dbRW, table); err != nil {
		return nil, err
	}
	return &Store{
		dbRW:       dbRW,
		dbRO:       dbRO,
		table:      table,
		descsTable: table + "_descriptions",
	}, nil
}

func CreateTables(ctx context.Context, dbRW *sql.DB, table string) error {
	if table == "" {
		return ErrEmptyTableName
	}

	_, err := dbRW.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	%s INTEGER NOT NULL,
	%s INTEGER NOT NULL,
	%s REAL NOT NULL,
	PRIMARY KEY (%s, %s)
) WITHOUT ROWID;`,
		table,
		ColumnUnixMilliseconds, ColumnMetricID, ColumnMetricValue,
		ColumnUnixMilliseconds, ColumnMetricID,
	))
	if err != nil {
		return err
	}

	_, err = dbRW.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_descriptions (
	%s INTEGER PRIMARY KEY,
	%s TEXT NOT NULL,
	%s TEXT,
	%s TEXT NOT NULL
);`,
		table,
		ColumnMetricID, ColumnMetricPath, ColumnMetricDisplayName, ColumnMetricType,
	))
	return err
}

// RecordDescriptions upserts descriptions so Read can resolve paths.
func (s *Store) RecordDescriptions(ctx context.Context, descs []metrics.Description) error {
	if len(descs) == 0 {
		return nil
	}

	query := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s, %s, %s, %s) VALUES ",
		s.descsTable, ColumnMetricID, ColumnMetricPath, ColumnMetricDisplayName, ColumnMetricType,
	)
	placeholders := make([]string, len(descs))
	args := make([]any, 0, len(descs)*4)
	for i, d := range descs {
		placeholders[i] = "(?, ?, ?, ?)"
		args = append(args, d.ID, d.Path, d.DisplayName, d.Type.String())
	}
	query += strings.Join(placeholders, ", ")

	start := time.Now()
	_, err := s.dbRW.ExecContext(ctx, query, args...)
	pkgsqlite.RecordInsert(time.Since(start).Seconds())
	return err
}

// Record inserts the data points. A point with the same timestamp and id
// replaces the earlier one.
func (s *Store) Record(ctx context.Context, ds metrics.DataSet) error {
	for len(ds) > 0 {
		n := min(len(ds), maxRowsPerInsert)
		if err := s.insert(ctx, ds[:n]); err != nil {
			return err
		}
		ds = ds[n:]
	}
	return nil
}

func (s *Store) insert(ctx context.Context, ds metrics.DataSet) error {
	query := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s, %s, %s) VALUES ",
		s.table, ColumnUnixMilliseconds, ColumnMetricID, ColumnMetricValue,
	)
	placeholders := make([]string, len(ds))
	args := make([]any, 0, len(ds)*3)
	for i, p := range ds {
		placeholders[i] = "(?, ?, ?)"
		args = append(args, int64(p.TimestampMs), p.ID, p.Value)
	}
	query += strings.Join(placeholders, ", ")

	log.Logger.Debugw("inserting data points", "points", len(ds))
	start := time.Now()
	_, err := s.dbRW.ExecContext(ctx, query, args...)
	pkgsqlite.RecordInsert(time.Since(start).Seconds())
	return err
}

// Read returns the rows at or after since, oldest first.
func (s *Store) Read(ctx context.Context, since time.Time) ([]Row, error) {
	query := fmt.Sprintf(`
SELECT d.%s, d.%s, d.%s, m.%s
FROM %s d
LEFT JOIN %s m ON d.%s = m.%s
WHERE d.%s >= ?
ORDER BY d.%s ASC, d.%s ASC;`,
		ColumnUnixMilliseconds, ColumnMetricID, ColumnMetricValue, ColumnMetricPath,
		s.table,
		s.descsTable, ColumnMetricID, ColumnMetricID,
		ColumnUnixMilliseconds,
		ColumnUnixMilliseconds, ColumnMetricID,
	)

	start := time.Now()
	defer func() {
		pkgsqlite.RecordSelect(time.Since(start).Seconds())
	}()

	rows, err := s.dbRO.QueryContext(ctx, query, since.UnixMilli())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	out := make([]Row, 0)
	for rows.Next() {
		var (
			r    Row
			path sql.NullString
		)
		if err := rows.Scan(&r.UnixMilliseconds, &r.ID, &r.Value, &path); err != nil {
			return nil, err
		}
		if path.Valid {
			r.Path = path.String
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Purge deletes the rows older than before and returns how many it removed.
func (s *Store) Purge(ctx context.Context, before time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s < ?;`, s.table, ColumnUnixMilliseconds)

	start := time.Now()
	rs, err := s.dbRW.ExecContext(ctx, query, before.UnixMilli())
	pkgsqlite.RecordDelete(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}

	affected, err := rs.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
