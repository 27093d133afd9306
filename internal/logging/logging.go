// Package logging wires up structured, component-tagged logging for the
// daemon. It replaces the bit-banged UART logger of the board-bringup
// lineage this project grew out of with a real structured logger, kept to
// the same short call-site texture: component name first, then a terse verb
// phrase, then key/value fields.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a component-scoped logger. debug enables pretty console output
// for interactive runs; production runs emit compact JSON lines to w.
func New(component string, debug bool, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Sub derives a child logger scoped to a device or domain, e.g.
// logging.Sub(base, "vr/xdpe1x2xx", "bus=2 addr=0x60").
func Sub(base zerolog.Logger, component, instance string) zerolog.Logger {
	l := base.With().Str("component", component)
	if instance != "" {
		l = l.Str("instance", instance)
	}
	return l.Logger()
}
