// Package observ wires the tracer's internal structured logging. It is
// deliberately the only thing in this repo that touches stdout/stderr
// directly; every other package takes a zerolog.Logger and writes through
// it, the way the teacher's subprocess.go calls the shared gvisor pkg/log
// package rather than fmt.Println.
package observ

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a logger from the LOG/LOGFILE configuration, spec.md §6. An
// empty level string disables logging entirely ("unset disables"),
// returning a no-op logger rather than nil so callers never need a nil
// check on the hot path.
func New(level, logfile string) zerolog.Logger {
	if level == "" {
		return zerolog.Nop()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			out = f
		}
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "memtrace").
		Logger()
}
