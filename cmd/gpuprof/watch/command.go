// Package watch implements the "watch" command.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	cmdcommon "github.com/leptonai/gpuprof/cmd/gpuprof/common"
	"github.com/leptonai/gpuprof/components/frame"
	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
	"github.com/leptonai/gpuprof/pkg/metrics/recorder"
	"github.com/leptonai/gpuprof/pkg/metrics/store"
	"github.com/leptonai/gpuprof/pkg/remote"
	pkgsqlite "github.com/leptonai/gpuprof/pkg/sqlite"
)

const healthCheckInterval = 500 * time.Millisecond

func Command(cliContext *cli.Context) error {
	if err := cmdcommon.SetupLogger(cliContext.String("log-level"), ""); err != nil {
		return err
	}
	log.Logger.Debugw("starting watch command")

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	if d := cliContext.Duration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var opts []remote.OpOption
	if h := cliContext.String("callback-host"); h != "" {
		opts = append(opts, remote.WithCallbackHost(h))
	}
	addr := cmdcommon.PublisherAddress(cliContext.String("publisher"))
	stub, err := remote.DialPublisher(ctx, addr, opts...)
	if err != nil {
		return err
	}
	defer stub.Close()

	p := newPrinter(os.Stdout, cliContext.Bool("quiet"))
	sub := fanout{p}

	if file := cliContext.String("record"); file != "" {
		rec, closeRec, err := openRecorder(ctx, file, cliContext.Duration("retention"))
		if err != nil {
			return err
		}
		defer closeRec()
		sub = append(sub, rec)
	}

	if err := stub.Subscribe(sub); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", addr, err)
	}

	paths := cliContext.StringSlice("enable")
	if len(paths) == 0 {
		paths = []string{frame.FPSPath}
	}
	enabled, err := enable(stub, paths)
	if err != nil {
		return err
	}
	defer func() {
		for _, id := range enabled {
			_ = stub.Disable(id)
		}
		_ = stub.Flush()
	}()

	start := time.Now()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("%s received %s data points from %s in %s\n",
				cmdcommon.CheckMark, humanize.Comma(p.points.Load()), addr, time.Since(start).Round(time.Millisecond))
			return nil
		case <-ticker.C:
		}
		if !stub.Healthy() || !stub.Subscribed() {
			return errors.New("connection to the session was lost")
		}
	}
}

// enable enables every path the session publishes and returns their ids.
func enable(stub *remote.PublisherStub, paths []string) ([]int32, error) {
	descs, err := stub.GetDescriptions()
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		known[d.Path] = struct{}{}
	}

	var ids []int32
	for _, path := range paths {
		if _, ok := known[path]; !ok {
			log.Logger.Warnw("session does not publish metric", "path", path)
			continue
		}
		id := metrics.HashPath(path)
		if err := stub.Enable(id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("none of %v is published", paths)
	}
	return ids, stub.Flush()
}

func openRecorder(ctx context.Context, file string, retention time.Duration) (*recorder.Recorder, func(), error) {
	dbRW, err := pkgsqlite.Open(file)
	if err != nil {
		return nil, nil, err
	}
	dbRO, err := pkgsqlite.Open(file, pkgsqlite.WithReadOnly(true))
	if err != nil {
		_ = dbRW.Close()
		return nil, nil, err
	}

	st, err := store.NewSQLiteStore(ctx, dbRW, dbRO, store.DefaultTableName)
	if err != nil {
		_ = dbRO.Close()
		_ = dbRW.Close()
		return nil, nil, err
	}

	// the recorder outlives ctx so Close can flush after an interrupt
	rec := recorder.New(context.Background(), st, recorder.WithRetention(retention), recorder.WithDBSizeFrom(dbRO))
	rec.Start()

	return rec, func() {
		if err := rec.Close(); err != nil {
			log.Logger.Warnw("failed to flush recording", "error", err)
		}
		if size, err := pkgsqlite.ReadDBSize(context.Background(), dbRO); err == nil {
			fmt.Printf("%s recorded to %s (%s)\n", cmdcommon.CheckMark, file, humanize.Bytes(size))
		}
		_ = dbRO.Close()
		_ = dbRW.Close()
	}, nil
}
