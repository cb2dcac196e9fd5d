// Package obslog holds the process-wide structured logger shared by every
// KME component. It follows the package-level atomic-logger pattern used
// throughout this codebase: a nil override falls back to a cached logger
// derived from slog.Default(), and SetLogger is safe to call concurrently
// with everything else.
package obslog

import (
	"log/slog"
	"sync/atomic"
)

// logger holds an explicit override set via SetLogger. Nil means "use the
// default logger", not "no logger".
var logger atomic.Pointer[slog.Logger]

// defaultLogger caches the slog.Default()-derived logger so repeated Logger()
// calls don't re-allocate. Cleared by SetLogger(nil) so a later
// slog.SetDefault change can be picked up again.
var defaultLogger atomic.Pointer[slog.Logger]

// Logger returns the current package-level logger, falling back to a cached
// derivation of slog.Default() with a "component" attribute if none has been
// set explicitly.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := slog.Default().With("component", "kme")
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	if l2 := defaultLogger.Load(); l2 != nil {
		return l2
	}
	return l
}

// SetLogger replaces the package-level logger. Passing nil resets to the
// slog.Default()-derived logger, re-derived lazily on the next Logger() call.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	defaultLogger.Store(nil)
}

// With is a convenience for Logger().With(args...), used at call sites that
// want a component-tagged child logger without holding onto one.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}
