// Package compact implements the "compact" command.
package compact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	cmdcommon "github.com/leptonai/gpuprof/cmd/gpuprof/common"
	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics/store"
	pkgsqlite "github.com/leptonai/gpuprof/pkg/sqlite"
)

func Command(cliContext *cli.Context) error {
	if err := cmdcommon.SetupLogger(cliContext.String("log-level"), ""); err != nil {
		return err
	}
	log.Logger.Debugw("starting compact command")

	if cliContext.NArg() != 1 {
		return errors.New("expected the recording database file")
	}
	file := cliContext.Args().First()
	if _, err := os.Stat(file); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	before, after, purged, err := Run(ctx, file, cliContext.Duration("retention"))
	if err != nil {
		return err
	}
	fmt.Printf("%s purged %s points, %s -> %s\n", cmdcommon.CheckMark, humanize.Comma(int64(purged)), humanize.Bytes(before), humanize.Bytes(after))
	return nil
}

// Run purges points older than retention (none when zero), vacuums the
// database and returns its size before and after.
func Run(ctx context.Context, file string, retention time.Duration) (before uint64, after uint64, purged int, err error) {
	dbRW, err := pkgsqlite.Open(file)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to open recording: %w", err)
	}
	defer dbRW.Close()

	dbRO, err := pkgsqlite.Open(file, pkgsqlite.WithReadOnly(true))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to open recording: %w", err)
	}
	defer dbRO.Close()

	before, err = pkgsqlite.ReadDBSize(ctx, dbRO)
	if err != nil {
		return 0, 0, 0, err
	}
	log.Logger.Infow("recording size before compact", "size", humanize.Bytes(before))

	if retention > 0 {
		st, err := store.NewSQLiteStore(ctx, dbRW, dbRO, store.DefaultTableName)
		if err != nil {
			return 0, 0, 0, err
		}
		purged, err = st.Purge(ctx, time.Now().Add(-retention))
		if err != nil {
			return 0, 0, 0, err
		}
	}

	if err := pkgsqlite.Compact(ctx, dbRW); err != nil {
		return 0, 0, 0, err
	}

	after, err = pkgsqlite.ReadDBSize(ctx, dbRO)
	if err != nil {
		return 0, 0, 0, err
	}
	log.Logger.Infow("recording size after compact", "size", humanize.Bytes(after))
	return before, after, purged, nil
}
