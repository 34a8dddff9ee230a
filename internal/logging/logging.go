// Package logging wraps the standard library's log.Logger, optionally
// redirected to a file (and rotated via lumberjack for a long-running
// service), with fatih/color used to draw the operator's eye to warnings
// and errors.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a small leveled wrapper around log.Logger.
type Logger struct {
	std *log.Logger
}

// New creates a Logger writing to stderr by default, or to path if it's
// non-empty. When rotate is true, the file is written through lumberjack
// so the tarpit (which never exits on its own) doesn't grow an unbounded
// log file.
func New(path string, rotate bool) (*Logger, error) {
	var out io.Writer = os.Stderr

	if path != "" {
		if rotate {
			out = &lumberjack.Logger{
				Filename:   path,
				MaxSize:    100, // megabytes
				MaxBackups: 5,
				MaxAge:     28, // days
				Compress:   true,
			}
		} else {
			f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
			if err != nil {
				return nil, err
			}
			out = f
		}
	}

	return &Logger{std: log.New(out, "", log.LstdFlags)}, nil
}

// Debugf logs a debug-level line.
func (l *Logger) Debugf(format string, args ...any) {
	l.std.Printf("DEBUG "+format, args...)
}

// Infof logs an info-level line.
func (l *Logger) Infof(format string, args ...any) {
	l.std.Printf("INFO "+format, args...)
}

// Warnf logs a warn-level line, colored yellow.
func (l *Logger) Warnf(format string, args ...any) {
	l.std.Print(color.YellowString("WARN " + fmt.Sprintf(format, args...)))
}

// Errorf logs an error-level line, colored red.
func (l *Logger) Errorf(format string, args ...any) {
	l.std.Print(color.RedString("ERROR " + fmt.Sprintf(format, args...)))
}
