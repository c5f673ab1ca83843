// Package list implements the "list" command.
package list

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	cmdcommon "github.com/leptonai/gpuprof/cmd/gpuprof/common"
	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
	"github.com/leptonai/gpuprof/pkg/remote"
)

func Command(cliContext *cli.Context) error {
	if err := cmdcommon.SetupLogger(cliContext.String("log-level"), ""); err != nil {
		return err
	}
	log.Logger.Debugw("starting list command")

	format, err := cmdcommon.ParseOutputFormat(cliContext.String("output"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	addr := cmdcommon.PublisherAddress(cliContext.String("publisher"))
	stub, err := remote.DialPublisher(ctx, addr)
	if err != nil {
		return err
	}
	defer stub.Close()

	descs, err := stub.GetDescriptions()
	if err != nil {
		return fmt.Errorf("failed to get descriptions from %s: %w", addr, err)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Path < descs[j].Path })

	if q := cliContext.String("query"); q != "" {
		v, err := Query(descs, q)
		if err != nil {
			return err
		}
		return cmdcommon.WriteJSON(v)
	}

	if format == cmdcommon.OutputFormatJSON {
		return cmdcommon.WriteJSON(descs)
	}
	RenderTable(os.Stdout, descs)
	return nil
}

// Query evaluates a JSONPath expression against the descriptions as they
// are serialized in JSON output. A path that matches nothing yields nil.
func Query(descs []metrics.Description, path string) (any, error) {
	b, err := json.Marshal(descs)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}

	v, err := jsonpath.Get(path, doc)
	if err != nil {
		if strings.Contains(err.Error(), "unknown key") {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid query %q: %w", path, err)
	}
	return v, nil
}

func RenderTable(wr io.Writer, descs []metrics.Description) {
	table := tablewriter.NewWriter(wr)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"Path", "Name", "Type", "ID"})
	for _, d := range descs {
		table.Append([]string{d.Path, d.DisplayName, d.Type.String(), strconv.FormatInt(int64(d.ID), 10)})
	}
	table.Render()
}
