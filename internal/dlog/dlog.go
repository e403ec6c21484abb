// Package dlog is a thin wrapper over charmbracelet/log giving the rest
// of the module leveled, colorized-when-a-TTY logging in place of the
// teacher's textcolor.c reimplementation. It is only ever called from
// outside the audio callbacks: logging never runs on the real-time path.
package dlog

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Category mirrors the teacher's dw_color_e: a semantic channel for a
// log line, not just a severity.
type Category int

const (
	Info Category = iota
	Error
	Recv
	Decoded
	Xmit
	Debug
)

var categoryLabel = map[Category]string{
	Info:    "info",
	Error:   "error",
	Recv:    "recv",
	Decoded: "decoded",
	Xmit:    "xmit",
	Debug:   "debug",
}

// Logger wraps a charmbracelet/log.Logger, tagging every line with its
// Category the way the teacher's text_color_set tagged output streams.
type Logger struct {
	base *log.Logger
}

// New builds a Logger writing to w. A nil w defaults to os.Stderr.
func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	var base = log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		ReportCaller:    false,
	})
	return &Logger{base: base}
}

// SetLevel sets the minimum severity that reaches the underlying writer.
func (l *Logger) SetLevel(level log.Level) {
	l.base.SetLevel(level)
}

// EnableDebug lowers the minimum severity to Debug, for callers (like
// the CLI's -v flag) that don't want to import charmbracelet/log just
// to name a level.
func (l *Logger) EnableDebug() {
	l.base.SetLevel(log.DebugLevel)
}

func (l *Logger) log(level log.Level, cat Category, msg string, kv ...any) {
	var args = append([]any{"category", categoryLabel[cat]}, kv...)
	switch level {
	case log.DebugLevel:
		l.base.Debug(msg, args...)
	case log.WarnLevel:
		l.base.Warn(msg, args...)
	case log.ErrorLevel:
		l.base.Error(msg, args...)
	default:
		l.base.Info(msg, args...)
	}
}

// Info logs a routine informational line under cat.
func (l *Logger) Info(cat Category, msg string, kv ...any) { l.log(log.InfoLevel, cat, msg, kv...) }

// Errorf logs an error line under cat.
func (l *Logger) Errorf(cat Category, msg string, kv ...any) { l.log(log.ErrorLevel, cat, msg, kv...) }

// Debug logs a diagnostic line under cat, typically frame-by-frame detail.
func (l *Logger) Debug(cat Category, msg string, kv ...any) { l.log(log.DebugLevel, cat, msg, kv...) }

// Default is the package-level logger used by callers that don't need
// their own, writing to stderr at info level.
var Default = New(os.Stderr)
