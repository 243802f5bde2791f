// Package logging builds the structured loggers used across chronoscope.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the logger type accepted by every component. A nil *Logger is a
// valid no-op logger.
type Logger = logiface.Logger[logiface.Event]

var levels = map[string]logiface.Level{
	"disabled": logiface.LevelDisabled,
	"off":      logiface.LevelDisabled,
	"error":    logiface.LevelError,
	"err":      logiface.LevelError,
	"warning":  logiface.LevelWarning,
	"warn":     logiface.LevelWarning,
	"notice":   logiface.LevelNotice,
	"info":     logiface.LevelInformational,
	"debug":    logiface.LevelDebug,
	"trace":    logiface.LevelTrace,
}

// ParseLevel accepts the logiface short names (e.g. "err", "info"), plus
// the common aliases "error", "warn" and "off".
func ParseLevel(s string) (logiface.Level, error) {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return logiface.LevelDisabled, fmt.Errorf("logging: unknown level %q", s)
}

// New returns a JSON lines logger writing to w, or os.Stderr if w is nil.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}
