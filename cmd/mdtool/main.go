// Command mdtool inspects minidump files, manages crash report databases and
// writes sample dumps.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mdtool: %v\n", err)
		os.Exit(1)
	}
}

type env struct {
	logger *slog.Logger
}

func newApp() *cli.App {
	e := &env{logger: slog.Default()}
	return &cli.App{
		Name:    "mdtool",
		Usage:   "Minidump inspection and crash report maintenance",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "Set log level (debug, info, warn, error)", EnvVars: []string{"LOG_LEVEL"}},
		},
		Before: func(c *cli.Context) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
				return err
			}
			e.logger = slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: level}))
			return nil
		},
		Commands: []*cli.Command{
			e.inspectCommand(),
			e.reportsCommand(),
			e.demoCommand(),
		},
	}
}
