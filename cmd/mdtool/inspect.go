package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/andreyvit/minidump"
)

func (e *env) inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the header, stream directory and decodable streams of a minidump",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "hex", Usage: "Hex dump every stream"},
			&cli.BoolFlag{Name: "strings", Usage: "Decode text, annotation and misc info streams"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("inspect: expected exactly one FILE argument")
			}
			path := c.Args().First()
			f, err := minidump.ReadFile(path)
			if err != nil {
				return err
			}
			e.logger.LogAttrs(c.Context, slog.LevelDebug, "inspecting", slog.String("file", path), slog.Int("streams", len(f.Streams())))
			return inspect(c.App.Writer, path, f, c.Bool("strings"), c.Bool("hex"))
		},
	}
}

func inspect(w io.Writer, path string, f *minidump.File, decode, dump bool) error {
	h := f.Header()
	fmt.Fprintf(w, "file:      %s (%s)\n", path, humanize.Bytes(uint64(f.Size())))
	fmt.Fprintf(w, "version:   0x%x\n", h.Version)
	fmt.Fprintf(w, "timestamp: %s\n", time.Unix(int64(h.TimeDateStamp), 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "flags:     0x%x\n", h.Flags)
	fmt.Fprintf(w, "streams:   %d at 0x%x\n", h.NumberOfStreams, h.StreamDirectoryRVA)

	streams := f.Streams()
	if len(streams) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "#\ttype\trva\tsize")
		for i, d := range streams {
			fmt.Fprintf(tw, "%d\t%s\t0x%08x\t%s\n", i, minidump.StreamTypeName(d.StreamType), d.Location.RVA, humanize.Bytes(uint64(d.Location.DataSize)))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	for i, d := range streams {
		if decode {
			if err := printStream(w, f, i, d); err != nil {
				return err
			}
		}
		if dump {
			raw, err := f.Bytes(d.Location)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "\nstream %d (%s) bytes:\n%s", i, minidump.StreamTypeName(d.StreamType), hex.Dump(raw))
		}
	}
	return nil
}

func printStream(w io.Writer, f *minidump.File, i int, d minidump.Directory) error {
	name := minidump.StreamTypeName(d.StreamType)
	switch d.StreamType {
	case minidump.StreamCommentW:
		s, err := f.String(d.Location.RVA)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nstream %d (%s): %q\n", i, name, s)

	case minidump.StreamCommentA, minidump.StreamLinuxCmdLine, minidump.StreamLinuxEnviron,
		minidump.StreamLinuxCPUInfo, minidump.StreamLinuxProcStatus, minidump.StreamLinuxLSBRelease,
		minidump.StreamLinuxMaps:
		raw, err := f.Bytes(d.Location)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nstream %d (%s):\n", i, name)
		for _, line := range bytes.FieldsFunc(raw, func(r rune) bool { return r == 0 || r == '\n' }) {
			fmt.Fprintf(w, "  %s\n", line)
		}

	case minidump.StreamAnnotations:
		kv, err := f.Annotations(d.Location)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nstream %d (%s):\n", i, name)
		for _, k := range slices.Sorted(maps.Keys(kv)) {
			fmt.Fprintf(w, "  %s = %q\n", k, kv[k])
		}

	case minidump.StreamMiscInfo:
		if d.Location.DataSize < minidump.MiscInfoSize {
			return nil
		}
		mi, err := minidump.Decode[minidump.MiscInfo](f, d.Location.RVA)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nstream %d (%s):\n", i, name)
		if mi.Flags1&minidump.MiscProcessID != 0 {
			fmt.Fprintf(w, "  pid = %d\n", mi.ProcessID)
		}
		if mi.Flags1&minidump.MiscProcessTimes != 0 {
			fmt.Fprintf(w, "  created = %s\n", time.Unix(int64(mi.ProcessCreateTime), 0).UTC().Format(time.RFC3339))
			fmt.Fprintf(w, "  user = %ds, kernel = %ds\n", mi.ProcessUserTime, mi.ProcessKernelTime)
		}
	}
	return nil
}
