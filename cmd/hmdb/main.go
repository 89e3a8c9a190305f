// Package main is the hmdb log inspector.
//
// hmdb decodes an hmdb log file and prints its records. It never writes to the
// log, so it is safe to run against a log that an application has open.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "hmdb: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	format := flag.String("format", "text", "Output format (text, json, yaml)")
	verify := flag.Bool("verify", false, "Only check the log and print a summary")
	follow := flag.Bool("follow", false, "Keep printing records as they are appended")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: hmdb [flags] <log file>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}
	if flag.NArg() != 1 {
		flag.Usage()
		return errors.New("expected exactly one log file")
	}
	if *verify && *follow {
		return errors.New("-verify and -follow are mutually exclusive")
	}
	ll := &slog.LevelVar{}
	if err := ll.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid -log-level: %w", err)
	}
	slog.SetDefault(newLogger(os.Stderr, ll))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	path := flag.Arg(0)
	f, err := os.Open(path) //nolint:gosec // G304: the path is the tool's argument
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if *verify {
		s, err := scan(f, 0, func(int64, *record) error { return nil })
		if err != nil {
			return err
		}
		return s.print(os.Stdout)
	}

	p, err := newPrinter(os.Stdout, *format)
	if err != nil {
		return err
	}
	s, err := scan(f, 0, p.print)
	if err != nil {
		return err
	}
	if err := p.flush(); err != nil {
		return err
	}
	if s.Incomplete {
		slog.WarnContext(ctx, "Log ends with an incomplete record", "path", path, "offset", s.size)
	}
	if !*follow {
		return nil
	}
	return followLog(ctx, f, s.size, p)
}

// newLogger returns a tint handler writing to w, colored only on terminals.
func newLogger(w *os.File, level slog.Leveler) *slog.Logger {
	var out io.Writer = w
	if isatty.IsTerminal(w.Fd()) {
		out = colorable.NewColorable(w)
	}
	return slog.New(tint.NewHandler(out, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(w.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch t := a.Value.Any().(type) {
			case string:
				if t == "" {
					return slog.Attr{}
				}
			case time.Duration:
				if t == 0 {
					return slog.Attr{}
				}
			}
			return a
		},
	}))
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("hmdb %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
