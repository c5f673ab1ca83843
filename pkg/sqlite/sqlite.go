// Package sqlite opens the SQLite3 databases recordings are written to.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/leptonai/gpuprof/pkg/log"
)

// Open opens a SQLite3 database. A read-write handle is limited to one
// connection, so writers never race on the file lock.
func Open(file string, opts ...OpOption) (*sql.DB, error) {
	op := &Op{}
	if err := op.applyOpts(opts); err != nil {
		return nil, err
	}

	// ref. https://www.sqlite.org/uri.html
	// ref. https://github.com/mattn/go-sqlite3?tab=readme-ov-file#connection-string
	conns := "file:" + file
	conns += "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"

	if op.readOnly {
		conns += "&mode=ro"
	} else {
		// ref. https://github.com/mattn/go-sqlite3/issues/1179#issuecomment-1638083995
		conns += "&_txlock=immediate"
	}
	if op.cache != "" {
		conns += "&cache=" + op.cache
	}

	db, err := sql.Open("sqlite3", conns)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database: %w (%q)", err, conns)
	}

	if !op.readOnly {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}
	return db, nil
}

// ReadDBSize returns page_count * page_size.
func ReadDBSize(ctx context.Context, db *sql.DB) (uint64, error) {
	var pageCount uint64
	err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.New("no page count")
	}
	if err != nil {
		return 0, err
	}

	var pageSize uint64
	err = db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.New("no page size")
	}
	if err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// Compact runs VACUUM.
func Compact(ctx context.Context, db *sql.DB) error {
	log.Logger.Infow("compacting recording database")
	if _, err := db.ExecContext(ctx, "VACUUM;"); err != nil {
		return err
	}
	log.Logger.Infow("compacted recording database")
	return nil
}
