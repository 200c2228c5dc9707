// Package rlog wires up the relay runtime's structured logger. It follows
// the teacher repo's own logging stack: github.com/joeycumines/logiface as
// the facade, with github.com/joeycumines/stumpy as the fast JSON writer
// backend, rather than reaching for the standard library's log package.
package rlog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type threaded through every long-lived
// component (reactor, coordinator, node, client). Components take one by
// constructor argument instead of reaching for a global.
type Logger = logiface.Logger[*stumpy.Event]

// Level re-exports logiface's level type for callers configuring verbosity.
type Level = logiface.Level

// New constructs a Logger writing newline-delimited JSON to w at the given
// minimum level. A nil w defaults to os.Stderr.
func New(w io.Writer, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	)
}

// Nop returns a Logger that discards everything, for tests and callers that
// do not want output.
func Nop() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}

// Default constructs a Logger at informational level writing to stderr,
// used by cmd/relaycli.
func Default() *Logger {
	return New(os.Stderr, logiface.LevelInformational)
}
