package main

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/andreyvit/minidump/crashdb"
)

func dirFlag() cli.Flag {
	return &cli.StringFlag{Name: "dir", Required: true, Usage: "Crash report database directory", EnvVars: []string{"CRASHDB_DIR"}}
}

func (e *env) openDB(c *cli.Context) (*crashdb.DB, error) {
	return crashdb.Open(c.String("dir"), crashdb.Options{
		Context: c.Context,
		Logger:  e.logger,
	})
}

func (e *env) reportsCommand() *cli.Command {
	return &cli.Command{
		Name:  "reports",
		Usage: "Manage a crash report database",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List finished reports, oldest first",
				Flags: []cli.Flag{
					dirFlag(),
					&cli.BoolFlag{Name: "pending", Usage: "Only list reports that have not been uploaded"},
				},
				Action: func(c *cli.Context) error {
					db, err := e.openDB(c)
					if err != nil {
						return err
					}
					defer db.Close()

					var reports []*crashdb.Report
					if c.Bool("pending") {
						reports, err = db.PendingUploads()
					} else {
						reports, err = db.List()
					}
					if err != nil {
						return err
					}
					return listReports(c.App.Writer, reports, time.Now())
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete reports and their dumps",
				ArgsUsage: "ID...",
				Flags:     []cli.Flag{dirFlag()},
				Action: func(c *cli.Context) error {
					ids, err := parseIDs(c.Args().Slice())
					if err != nil {
						return err
					}
					if len(ids) == 0 {
						return fmt.Errorf("delete: no report IDs given")
					}
					db, err := e.openDB(c)
					if err != nil {
						return err
					}
					defer db.Close()

					for _, id := range ids {
						if err := db.Delete(id); err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "deleted %v\n", id)
					}
					return nil
				},
			},
			{
				Name:  "prune",
				Usage: "Delete reports older than the given age",
				Flags: []cli.Flag{
					dirFlag(),
					&cli.DurationFlag{Name: "older-than", Value: 30 * 24 * time.Hour, Usage: "Maximum report age"},
				},
				Action: func(c *cli.Context) error {
					db, err := e.openDB(c)
					if err != nil {
						return err
					}
					defer db.Close()

					cutoff := time.Now().Add(-c.Duration("older-than"))
					n, err := db.Prune(cutoff)
					if err != nil {
						return err
					}
					e.logger.LogAttrs(c.Context, slog.LevelDebug, "pruned", slog.Time("cutoff", cutoff), slog.Int("reports", n))
					fmt.Fprintf(c.App.Writer, "pruned %d reports\n", n)
					return nil
				},
			},
			{
				Name:      "verify",
				Usage:     "Check that report dumps match their recorded digests",
				ArgsUsage: "[ID...]",
				Flags:     []cli.Flag{dirFlag()},
				Action: func(c *cli.Context) error {
					ids, err := parseIDs(c.Args().Slice())
					if err != nil {
						return err
					}
					db, err := e.openDB(c)
					if err != nil {
						return err
					}
					defer db.Close()

					if len(ids) == 0 {
						reports, err := db.List()
						if err != nil {
							return err
						}
						for _, r := range reports {
							ids = append(ids, r.ID)
						}
					}
					var failed int
					for _, id := range ids {
						if err := db.Verify(id); err != nil {
							fmt.Fprintf(c.App.Writer, "%v: %v\n", id, err)
							failed++
						} else {
							fmt.Fprintf(c.App.Writer, "%v: ok\n", id)
						}
					}
					if failed > 0 {
						return fmt.Errorf("%d of %d reports failed verification", failed, len(ids))
					}
					return nil
				},
			},
		},
	}
}

func parseIDs(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, arg := range args {
		id, err := uuid.Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid report ID %q: %w", arg, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func listReports(w io.Writer, reports []*crashdb.Report, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "id\tcreated\tsize\tstatus\tannotations")
	for _, r := range reports {
		fmt.Fprintf(tw, "%v\t%s\t%s\t%s\t%s\n", r.ID, humanize.RelTime(r.Created, now, "ago", "from now"), humanize.Bytes(uint64(r.Size)), reportStatus(r), formatAnnotations(r.Annotations))
	}
	return tw.Flush()
}

func reportStatus(r *crashdb.Report) string {
	switch {
	case r.Uploaded:
		return "uploaded " + r.RemoteID
	case r.UploadAttempts > 0:
		return fmt.Sprintf("pending (%d attempts, %s)", r.UploadAttempts, r.LastError)
	default:
		return "pending"
	}
}

func formatAnnotations(kv map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(kv)) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%s", k, kv[k])
	}
	return b.String()
}
