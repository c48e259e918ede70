// Package rpclog defines the minimal structured logging sink consumed by
// the channel and typed packages: a small interface every layer
// takes as an optional config field and nil-checks before calling, rather
// than a logging framework.
package rpclog

import (
	"fmt"
	"log"
)

// Entry is one structured log record: a human-readable text plus optional
// structured data, an optional pre-formatted message object, and an
// optional causing exception.
type Entry struct {
	Text      string
	Data      any
	Message   any
	Exception error
}

// Logger is the sink every layer of this module logs diagnostics through.
// A nil Logger is always valid to hold and is treated as "no logging".
type Logger interface {
	Debug(Entry)
	Warn(Entry)
	Trace(Entry)
}

// Debug logs e on l if l is non-nil.
func Debug(l Logger, e Entry) {
	if l != nil {
		l.Debug(e)
	}
}

// Warn logs e on l if l is non-nil.
func Warn(l Logger, e Entry) {
	if l != nil {
		l.Warn(e)
	}
}

// Trace logs e on l if l is non-nil.
func Trace(l Logger, e Entry) {
	if l != nil {
		l.Trace(e)
	}
}

// Text builds an Entry carrying just a message.
func Text(format string, args ...any) Entry {
	return Entry{Text: fmt.Sprintf(format, args...)}
}

// nopLogger discards everything.
type nopLogger struct{}

// Nop is a Logger that discards all entries.
var Nop Logger = nopLogger{}

func (nopLogger) Debug(Entry) {}
func (nopLogger) Warn(Entry)  {}
func (nopLogger) Trace(Entry) {}

// StdLogger wraps the standard library's log.Logger.
type StdLogger struct {
	*log.Logger
}

// NewStdLogger returns a StdLogger with the given prefix, writing through
// the standard library's default logger destination.
func NewStdLogger(prefix string) *StdLogger {
	return &StdLogger{Logger: log.New(log.Writer(), prefix, log.LstdFlags)}
}

func (l *StdLogger) Debug(e Entry) { l.log("DEBUG", e) }
func (l *StdLogger) Warn(e Entry)  { l.log("WARN", e) }
func (l *StdLogger) Trace(e Entry) { l.log("TRACE", e) }

func (l *StdLogger) log(level string, e Entry) {
	msg := fmt.Sprintf("[%s] %s", level, e.Text)
	if e.Data != nil {
		msg += fmt.Sprintf(" data=%+v", e.Data)
	}
	if e.Message != nil {
		msg += fmt.Sprintf(" message=%+v", e.Message)
	}
	if e.Exception != nil {
		msg += fmt.Sprintf(" exception=%v", e.Exception)
	}
	l.Println(msg)
}
