package uxfsd

import (
	"fmt"
	"log"
	"os"
)

// Logger is the bridge-level logger (component H), grounded on the vendored
// fuse package's debug.go log.Logger idiom: a single *log.Logger writing to
// stderr, with each call checking the configured verbosity before writing.
//
// Verbosity follows spec.md §6: level 0 logs errors only, level 1 adds
// +INFO/-INFO lines, level 2 additionally traces controller wire traffic
// with ">> " (send) / "<< " (receive) prefixes.
type Logger struct {
	out       *log.Logger
	verbosity int
}

// NewLogger returns a Logger that writes "<program>: <TAG>: <message>" lines
// to stderr, gated by verbosity (0, 1, or 2).
func NewLogger(program string, verbosity int) *Logger {
	return &Logger{
		out:       log.New(os.Stderr, program+": ", 0),
		verbosity: verbosity,
	}
}

// Errorf always logs, tagged -ERR.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.out.Printf("-ERR: %s", fmt.Sprintf(format, args...))
}

// Infof logs at verbosity >= 1, tagged +INFO.
func (l *Logger) Infof(format string, args ...interface{}) {
	if l.verbosity < 1 {
		return
	}
	l.out.Printf("+INFO: %s", fmt.Sprintf(format, args...))
}

// Warnf logs at verbosity >= 1, tagged -INFO (a recoverable anomaly, not a
// fatal error).
func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.verbosity < 1 {
		return
	}
	l.out.Printf("-INFO: %s", fmt.Sprintf(format, args...))
}

// Sent logs an outgoing wire line at verbosity >= 2.
func (l *Logger) Sent(line string) {
	if l.verbosity < 2 {
		return
	}
	l.out.Printf(">> %s", line)
}

// Received logs an incoming wire line at verbosity >= 2.
func (l *Logger) Received(line string) {
	if l.verbosity < 2 {
		return
	}
	l.out.Printf("<< %s", line)
}
