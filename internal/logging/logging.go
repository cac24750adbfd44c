// Package logging builds the process logger: a colored console handler plus optional file and
// in-memory sinks.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

type Options struct {
	Level slog.Level
	// Console defaults to os.Stderr.
	Console io.Writer
	// NoTime drops timestamps from the console, for journald which adds its own.
	NoTime bool
	// File appends text logs to this path when set.
	File string
	// Sink receives every record as a text line, e.g. the web log buffer.
	Sink io.Writer
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// New returns the logger and a closer for the log file. The closer is never nil.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	handlers := []slog.Handler{
		tint.NewHandler(console, &tint.Options{
			Level: opts.Level,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if opts.NoTime && attr.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return attr
			},
		}),
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		closer = f
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: opts.Level}))
	}

	if opts.Sink != nil {
		// The sink keeps debug records so the web view can show more than the console.
		handlers = append(handlers, slog.NewTextHandler(opts.Sink, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
