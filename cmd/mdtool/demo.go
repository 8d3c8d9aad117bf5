package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/andreyvit/minidump"
)

func (e *env) demoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Write a sample minidump describing this process",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "Write the dump to this file", TakesFile: true},
			&cli.StringFlag{Name: "dir", Usage: "File the dump as a new report in this crash report database", EnvVars: []string{"CRASHDB_DIR"}},
			&cli.StringSliceFlag{Name: "annotation", Aliases: []string{"a"}, Usage: "Add a key=value annotation"},
		},
		Action: func(c *cli.Context) error {
			out, dir := c.String("out"), c.String("dir")
			if (out == "") == (dir == "") {
				return fmt.Errorf("demo: exactly one of --out and --dir is required")
			}
			annotations, err := parseAnnotations(c.StringSlice("annotation"))
			if err != nil {
				return err
			}
			p := demoProcess{
				pid:     uint32(os.Getpid()),
				started: time.Now(),
				args:    os.Args,
			}

			if dir != "" {
				db, err := e.openDB(c)
				if err != nil {
					return err
				}
				defer db.Close()

				nr, err := db.PrepareNewReport()
				if err != nil {
					return err
				}
				if err := writeDemo(nr.Store(), p); err != nil {
					db.AbandonReport(nr)
					return err
				}
				r, err := db.FinishReport(nr, annotations)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%v\n", r.ID)
				return nil
			}

			s := minidump.New(minidump.Options{Context: c.Context, Logger: e.logger})
			if err := s.Open(out); err != nil {
				return err
			}
			if err := writeDemo(s, p); err != nil {
				s.Abort()
				return err
			}
			if len(annotations) > 0 {
				if _, err := s.WriteAnnotations(minidump.StreamAnnotations, annotations); err != nil {
					s.Abort()
					return err
				}
			}
			if err := s.Close(); err != nil {
				return err
			}
			e.logger.LogAttrs(c.Context, slog.LevelInfo, "demo dump written", slog.String("file", out), slog.Uint64("size", uint64(s.Len())))
			return nil
		},
	}
}

type demoProcess struct {
	pid     uint32
	started time.Time
	args    []string
}

func writeDemo(s *minidump.Store, p demoProcess) error {
	misc, err := minidump.Allocate[minidump.MiscInfo](s)
	if err != nil {
		return err
	}
	err = misc.Set(minidump.MiscInfo{
		SizeOfInfo:        minidump.MiscInfoSize,
		Flags1:            minidump.MiscProcessID | minidump.MiscProcessTimes,
		ProcessID:         p.pid,
		ProcessCreateTime: uint32(p.started.Unix()),
	})
	if err != nil {
		return err
	}
	if err := s.AddStream(minidump.StreamMiscInfo, misc.Location()); err != nil {
		return err
	}

	comment, err := s.WriteString(fmt.Sprintf("mdtool %s demo dump of process %d", version, p.pid))
	if err != nil {
		return err
	}
	if err := s.AddStream(minidump.StreamCommentW, comment); err != nil {
		return err
	}

	if len(p.args) > 0 {
		cmdline, err := s.WriteBytes([]byte(strings.Join(p.args, "\x00") + "\x00"))
		if err != nil {
			return err
		}
		if err := s.AddStream(minidump.StreamLinuxCmdLine, cmdline); err != nil {
			return err
		}
	}
	return nil
}

func parseAnnotations(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	kv := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid annotation %q, expected key=value", pair)
		}
		kv[k] = v
	}
	return kv, nil
}
