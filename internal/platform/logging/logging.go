// Package logging builds the process logger.
//
// Services receive the logger explicitly; nothing in the module reads a
// package-level logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment names accepted by New.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Options selects the logger output shape.
type Options struct {
	// Env picks a human-readable console writer for development and JSON otherwise.
	Env string
	// Level is a zerolog level name; empty means info.
	Level string
	// Out defaults to stdout.
	Out io.Writer
	// Service is attached to every entry when set.
	Service string
}

// New returns a timestamped zerolog logger configured from options.
func New(options Options) (zerolog.Logger, error) {
	out := options.Out
	if out == nil {
		out = os.Stdout
	}

	level := zerolog.InfoLevel
	if name := strings.TrimSpace(options.Level); name != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(name))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("parse log level %q: %w", name, err)
		}
		level = parsed
	}

	if strings.EqualFold(strings.TrimSpace(options.Env), EnvDevelopment) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if service := strings.TrimSpace(options.Service); service != "" {
		ctx = ctx.Str("service", service)
	}
	return ctx.Logger(), nil
}
