// Package monitoring holds the process diagnostic logger and the prefixed,
// levelled handles that scan components log through.
package monitoring

import (
	"fmt"
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var debugEnabled atomic.Bool

// SetDebug toggles debug output for every Logger that has no explicit
// debug setting of its own.
func SetDebug(on bool) { debugEnabled.Store(on) }

// Logger writes component-prefixed lines such as
// "[scan] WARNING: failed to restore motor ..." through an output function.
// A nil *Logger is valid and logs through Logf with no prefix.
type Logger struct {
	prefix string
	out    func(format string, v ...interface{})
	debug  *bool
}

// New returns a Logger for the named component that writes through Logf.
func New(component string) *Logger {
	return &Logger{prefix: "[" + component + "] "}
}

// NewWithOutput returns a Logger that writes through out instead of Logf.
func NewWithOutput(component string, out func(format string, v ...interface{})) *Logger {
	return &Logger{prefix: "[" + component + "] ", out: out}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{out: func(string, ...interface{}) {}}
}

// WithDebug returns a copy of l with debug output forced on or off.
func (l *Logger) WithDebug(on bool) *Logger {
	c := *l.orDefault()
	c.debug = &on
	return &c
}

// Named returns a child logger whose prefix is the parent's plus component.
func (l *Logger) Named(component string) *Logger {
	c := *l.orDefault()
	c.prefix = l.orDefault().prefix + "[" + component + "] "
	return &c
}

func (l *Logger) orDefault() *Logger {
	if l == nil {
		return &Logger{}
	}
	return l
}

func (l *Logger) emit(level, format string, v ...interface{}) {
	l = l.orDefault()
	out := l.out
	if out == nil {
		out = Logf
	}
	out("%s%s%s", l.prefix, level, fmt.Sprintf(format, v...))
}

// Debugf logs only when debug output is enabled.
func (l *Logger) Debugf(format string, v ...interface{}) {
	enabled := debugEnabled.Load()
	if l != nil && l.debug != nil {
		enabled = *l.debug
	}
	if enabled {
		l.emit("DEBUG: ", format, v...)
	}
}

// Infof logs an informational line.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.emit("", format, v...)
}

// Warnf logs a warning.
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.emit("WARNING: ", format, v...)
}

// Errorf logs an error that did not stop the caller.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.emit("ERROR: ", format, v...)
}
