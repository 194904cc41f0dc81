// Command gcbind-sim runs allocation scenarios against the collector with a
// simulated host runtime and reports collection statistics.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/tinygo-org/gcbind/config"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "YAML file with collector options",
		EnvVars: []string{"GCBIND_CONFIG"},
	}
	optionsFlag = &cli.StringSliceFlag{
		Name:  "option",
		Usage: "collector option as name=value, may be repeated",
	}
	statsFlag = &cli.StringFlag{
		Name:  "stats",
		Usage: "append collection statistics to this file",
	}
	threadsFlag = &cli.IntFlag{
		Name:  "mutators",
		Usage: "number of mutator threads",
		Value: 4,
	}
	iterationsFlag = &cli.IntFlag{
		Name:  "iterations",
		Usage: "allocations per mutator",
		Value: 100000,
	}
)

var app = &cli.App{
	Name:        filepath.Base(os.Args[0]),
	Usage:       "exercise the collector binding with a simulated host",
	Writer:      os.Stdout,
	HideVersion: true,
	Flags:       []cli.Flag{configFlag, optionsFlag, statsFlag},
	Commands: []*cli.Command{
		scenarioCommand,
		stressCommand,
		optionsCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadOptions reads the configuration file, the environment and the
// -option flags, in that order.
func loadOptions(ctx *cli.Context) (config.Options, error) {
	opts, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return opts, err
	}
	for _, o := range ctx.StringSlice(optionsFlag.Name) {
		if err := opts.ProcessString(o); err != nil {
			return opts, err
		}
	}
	return opts, opts.Validate()
}

// newLogger writes text logs to stderr at the configured level.
func newLogger(level slog.Level) *slog.Logger {
	out := colorable.NewColorableStderr()
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		out = colorable.NewNonColorable(os.Stderr)
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

var optionsCommand = &cli.Command{
	Name:  "options",
	Usage: "print the effective collector options",
	Action: func(ctx *cli.Context) error {
		opts, err := loadOptions(ctx)
		if err != nil {
			return err
		}
		w := ctx.App.Writer
		fmt.Fprintf(w, "plan             %v\n", opts.Plan)
		fmt.Fprintf(w, "threads          %d\n", opts.Threads)
		fmt.Fprintf(w, "min_heap         %s\n", config.FormatBytes(opts.MinHeap))
		fmt.Fprintf(w, "max_heap         %s\n", config.FormatBytes(opts.MaxHeap))
		fmt.Fprintf(w, "collect_interval %s\n", config.FormatBytes(opts.CollectInterval))
		fmt.Fprintf(w, "conservative     %t\n", opts.Conservative)
		fmt.Fprintf(w, "address_hashing  %t\n", opts.AddressHashing)
		fmt.Fprintf(w, "record_moved     %d\n", opts.RecordMoved)
		fmt.Fprintf(w, "log_level        %v\n", opts.LogLevel)
		return nil
	},
}
