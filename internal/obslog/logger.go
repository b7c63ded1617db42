// Package obslog provides the narrow structured-logging interface used
// throughout the pipeline packages, plus a zerolog-backed implementation
// for the CLI entrypoint. Library code depends only on the Logger
// interface, never on zerolog directly.
package obslog

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is satisfied by zerolog and by test doubles alike.
type Logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Debug(msg string, fields map[string]any)
}

// Noop discards every log call. Useful as a safe zero value.
type Noop struct{}

func (Noop) Info(string, map[string]any)  {}
func (Noop) Error(string, map[string]any) {}
func (Noop) Debug(string, map[string]any) {}

// Zerolog adapts zerolog.Logger to the Logger interface.
type Zerolog struct {
	l zerolog.Logger
}

// NewZerolog builds a Logger that writes structured JSON to stderr.
func NewZerolog(level zerolog.Level) *Zerolog {
	l := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	return &Zerolog{l: l}
}

func (z *Zerolog) Info(msg string, fields map[string]any)  { z.emit(z.l.Info(), msg, fields) }
func (z *Zerolog) Error(msg string, fields map[string]any) { z.emit(z.l.Error(), msg, fields) }
func (z *Zerolog) Debug(msg string, fields map[string]any) { z.emit(z.l.Debug(), msg, fields) }

func (z *Zerolog) emit(ev *zerolog.Event, msg string, fields map[string]any) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
