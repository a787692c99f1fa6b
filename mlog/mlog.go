// Package mlog is the cache's leveled logger. Like the teacher
// library's own logging (bare log.Printf / log.Panicf gated by an
// Options.Debug bool), it is built directly on the standard log
// package: the cache is an embeddable library, not a service, so it
// should not force a structured-logging dependency onto callers that
// may already have their own.
package mlog

import (
	"fmt"
	"log"
	"os"
)

// Level controls which calls actually print.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "?"
	}
}

// Logger prints prefixed, leveled lines. Build one with New: the zero
// value has no output set and panics on any line at its zero level,
// LevelError. A nil *Logger discards every line.
type Logger struct {
	name  string
	level Level
	out   *log.Logger
}

// New returns a Logger that prefixes every line with name.
func New(name string, level Level) *Logger {
	return &Logger{
		name:  name,
		level: level,
		out:   log.New(os.Stderr, "", log.LstdFlags),
	}
}

// SetLevel changes the minimum level that is printed.
func (l *Logger) SetLevel(level Level) { l.level = level }

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if l == nil || level > l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s [%s] %s", l.name, level, msg)
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }

// Panicf logs at LevelError and panics, mirroring the teacher's use of
// log.Panicf for invariant violations that indicate a programming
// error rather than a recoverable runtime condition.
func (l *Logger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.logf(LevelError, "%s", msg)
	panic(msg)
}
