// Package logging builds the single text log stream shared by every
// supervisor component.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New returns a text slog.Logger tagged with the given component name.
func New(component string, level slog.Level) *slog.Logger {
	return NewWithWriter(os.Stderr, component, level)
}

func NewWithWriter(w io.Writer, component string, level slog.Level) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("component", component)
}

// Discard drops everything; handy for tests that only care about side effects.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
