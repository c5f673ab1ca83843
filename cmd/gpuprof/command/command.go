package command

import (
	"fmt"

	"github.com/urfave/cli"

	cmdcompact "github.com/leptonai/gpuprof/cmd/gpuprof/compact"
	cmdexport "github.com/leptonai/gpuprof/cmd/gpuprof/export"
	cmdlist "github.com/leptonai/gpuprof/cmd/gpuprof/list"
	cmdrun "github.com/leptonai/gpuprof/cmd/gpuprof/run"
	cmdset "github.com/leptonai/gpuprof/cmd/gpuprof/set"
	cmdwatch "github.com/leptonai/gpuprof/cmd/gpuprof/watch"
	"github.com/leptonai/gpuprof/pkg/remote"
	"github.com/leptonai/gpuprof/version"
)

const usage = `
# to run a standalone profiling session on this machine
gpuprof run

# to list the metrics a session publishes
gpuprof list --publisher 10.0.0.3

# to stream the frame rate and record it
gpuprof watch --publisher 10.0.0.3 --enable gpu/frame/fps --record fps.db
`

var logLevelFlag = cli.StringFlag{
	Name:  "log-level,l",
	Usage: "set the logging level [debug, info, warn, error, fatal, panic, dpanic]",
}

var publisherFlag = cli.StringFlag{
	Name:  "publisher",
	Usage: fmt.Sprintf("publisher address of the session (default port %d)", remote.DefaultPublisherPort),
}

var outputFlag = cli.StringFlag{
	Name:  "output,o",
	Usage: "output format [table, json]",
	Value: "table",
}

func App() *cli.App {
	app := cli.NewApp()

	app.Name = "gpuprof"
	app.Version = version.Version
	app.Usage = usage
	app.Description = "GPU application telemetry"

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "runs a standalone profiling session driven by a frame ticker",
			Action: cmdrun.Command,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "config,c",
					Usage: "config file path (default: ~/.gpuprof/gpuprof.yaml if it exists)",
				},
				&logLevelFlag,
				&cli.StringFlag{
					Name:  "log-file",
					Usage: "set the log file path (set empty to stderr)",
				},
				&cli.StringFlag{
					Name:  "publisher-address",
					Usage: "overrides publisher_address",
				},
				&cli.StringFlag{
					Name:  "control-address",
					Usage: "overrides control_address",
				},
				&cli.StringFlag{
					Name:  "debug-address",
					Usage: "overrides debug_address (empty keeps the config value)",
				},
				&cli.StringSliceFlag{
					Name:  "enable",
					Usage: "metric path to enable at start (repeatable, added to enable_metrics)",
				},
				&cli.IntFlag{
					Name:  "frame-rate",
					Usage: "buffer swaps per second",
					Value: cmdrun.DefaultFrameRate,
				},
				&cli.Uint64Flag{
					Name:  "gpu-context",
					Usage: "graphics context id announced at start (0 skips the GPU counters)",
					Value: 1,
				},
			},
		},
		{
			Name:   "list",
			Usage:  "lists the metrics a session publishes",
			Action: cmdlist.Command,
			Flags: []cli.Flag{
				&logLevelFlag,
				&publisherFlag,
				&outputFlag,
				&cli.StringFlag{
					Name:  "query",
					Usage: `JSONPath applied to the description list, e.g. '$[?(@.type=="percent")].path'`,
				},
			},
		},
		{
			Name:   "watch",
			Usage:  "subscribes to a session and prints (and optionally records) data points",
			Action: cmdwatch.Command,
			Flags: []cli.Flag{
				&logLevelFlag,
				&publisherFlag,
				&cli.StringFlag{
					Name:  "callback-host",
					Usage: "interface the session dials back to (default: all interfaces)",
				},
				&cli.StringSliceFlag{
					Name:  "enable",
					Usage: "metric path to enable (repeatable, default: gpu/frame/fps)",
				},
				&cli.DurationFlag{
					Name:  "duration",
					Usage: "stop after this long (0 runs until interrupted)",
				},
				&cli.BoolFlag{
					Name:  "quiet,q",
					Usage: "do not print data points",
				},
				&cli.StringFlag{
					Name:  "record",
					Usage: "SQLite file to record data points to",
				},
				&cli.DurationFlag{
					Name:  "retention",
					Usage: "purge recorded points older than this (0 keeps everything)",
				},
			},
		},
		{
			Name:      "set",
			Usage:     "sets a control value of a session",
			ArgsUsage: "<key> <value>",
			UsageText: `# to enable the scissor experiment
gpuprof set experiment/scissor true

# to switch the cpu governor
gpuprof set --control 10.0.0.3 cpu/policy performance
`,
			Action: cmdset.Command,
			Flags: []cli.Flag{
				&logLevelFlag,
				&cli.StringFlag{
					Name:  "control",
					Usage: fmt.Sprintf("control address of the session (default port %d)", remote.DefaultControlPort),
				},
			},
		},
		{
			Name:      "export",
			Usage:     "prints data points recorded by 'watch --record'",
			ArgsUsage: "<db file>",
			Action:    cmdexport.Command,
			Flags: []cli.Flag{
				&logLevelFlag,
				&outputFlag,
				&cli.DurationFlag{
					Name:  "since",
					Usage: "only points newer than this (0 prints everything)",
				},
				&cli.StringFlag{
					Name:  "path",
					Usage: "only points of this metric path",
				},
			},
		},
		{
			Name:      "compact",
			Usage:     "purges old recorded points and vacuums a recording database",
			ArgsUsage: "<db file>",
			Action:    cmdcompact.Command,
			Flags: []cli.Flag{
				&logLevelFlag,
				&cli.DurationFlag{
					Name:  "retention",
					Usage: "purge points older than this before compacting (0 keeps everything)",
				},
			},
		},
	}

	return app
}
