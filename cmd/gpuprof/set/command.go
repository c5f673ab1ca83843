// Package set implements the "set" command.
package set

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli"

	cmdcommon "github.com/leptonai/gpuprof/cmd/gpuprof/common"
	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/remote"
)

func Command(cliContext *cli.Context) error {
	if err := cmdcommon.SetupLogger(cliContext.String("log-level"), ""); err != nil {
		return err
	}
	log.Logger.Debugw("starting set command")

	if cliContext.NArg() != 2 {
		return fmt.Errorf("expected <key> <value>, got %d arguments", cliContext.NArg())
	}
	key, value := cliContext.Args().Get(0), cliContext.Args().Get(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	addr := cmdcommon.ControlAddress(cliContext.String("control"))
	stub, err := remote.DialControl(ctx, addr)
	if err != nil {
		return err
	}
	defer stub.Close()

	if err := stub.Set(key, value); err != nil {
		return err
	}
	// Set is one-way, the barrier makes sure the session applied it
	if err := stub.Flush(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	fmt.Printf("%s sent %s=%s to %s\n", cmdcommon.CheckMark, key, value, addr)
	return nil
}
