// Package logger builds the process-wide zerolog logger. Every sink is wrapped
// in a RedactWriter.
package logger

import (
	"io"

	"github.com/rs/zerolog"
)

// New returns a logger at level writing JSON, or console text when format is
// "text". Unknown levels fall back to info.
func New(level, format string, out io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if format == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = NewRedactWriter(out)
		return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(NewRedactWriter(out)).Level(lvl).With().Timestamp().Logger()
}
