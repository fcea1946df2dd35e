// Package logging builds the zerolog loggers every relayboard component
// takes.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const filePermission = 0o664

type Options struct {
	Level string
	// Format is json or console.
	Format string
	Output io.Writer
	// Path appends to a file instead of Output.
	Path    string
	Service string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger and a closer for the log file, if one was opened.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("invalid log level %q: %w", raw, err)
		}
		level = parsed
	}

	var closer io.Closer = nopCloser{}
	writer := opts.Output
	if writer == nil {
		writer = os.Stderr
	}
	if opts.Path != "" {
		file, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePermission)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}
		writer = zerolog.SyncWriter(file)
		closer = file
	}

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
	case "console":
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339, NoColor: opts.Path != ""}
	default:
		_ = closer.Close()
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("invalid log format %q", opts.Format)
	}

	ctx := zerolog.New(writer).Level(level).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	return ctx.Logger(), closer, nil
}
