// Package export implements the "export" command.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
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
	log.Logger.Debugw("starting export command")

	if cliContext.NArg() != 1 {
		return errors.New("expected the recording database file")
	}
	file := cliContext.Args().First()
	if _, err := os.Stat(file); err != nil {
		return err
	}

	format, err := cmdcommon.ParseOutputFormat(cliContext.String("output"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rows, err := Read(ctx, file, cliContext.Duration("since"), cliContext.String("path"))
	if err != nil {
		return err
	}

	if format == cmdcommon.OutputFormatJSON {
		return cmdcommon.WriteJSON(rows)
	}
	RenderTable(os.Stdout, rows, time.Now())
	return nil
}

// Read returns the recorded rows newer than since (all when zero),
// limited to path when it is set.
func Read(ctx context.Context, file string, since time.Duration, path string) ([]store.Row, error) {
	dbRW, err := pkgsqlite.Open(file)
	if err != nil {
		return nil, err
	}
	defer dbRW.Close()
	dbRO, err := pkgsqlite.Open(file, pkgsqlite.WithReadOnly(true))
	if err != nil {
		return nil, err
	}
	defer dbRO.Close()

	st, err := store.NewSQLiteStore(ctx, dbRW, dbRO, store.DefaultTableName)
	if err != nil {
		return nil, err
	}

	from := time.UnixMilli(0)
	if since > 0 {
		from = time.Now().Add(-since)
	}
	rows, err := st.Read(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	if path == "" {
		return rows, nil
	}

	filtered := rows[:0]
	for _, r := range rows {
		if r.Path == path {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func RenderTable(wr io.Writer, rows []store.Row, now time.Time) {
	table := tablewriter.NewWriter(wr)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"Time", "Path", "Value"})
	for _, r := range rows {
		name := r.Path
		if name == "" {
			name = "id(" + strconv.FormatInt(int64(r.ID), 10) + ")"
		}
		table.Append([]string{
			humanize.RelTime(r.Time(), now, "ago", "from now"),
			name,
			cmdcommon.FormatValue(r.Value, 3),
		})
	}
	table.Render()
}
