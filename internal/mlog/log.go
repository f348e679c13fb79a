// Package mlog provides the leveled, component-tagged logger used by every
// piece of the gateway. It wraps gologme/log (which itself wraps a standard
// *log.Logger sink) with one colorized prefix per component and per-level
// gating, so a single log file can carry everything from a quiet "error"
// stream up to full protocol traces.
package mlog

import (
	"fmt"
	"io"
	golog "log"

	"github.com/fatih/color"
	gologme "github.com/gologme/log"
)

// Level is the configured verbosity for a Logger. Levels are cumulative:
// enabling Info also enables Warn and Error.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelNames = map[string]Level{
	"error": LevelError,
	"warn":  LevelWarn,
	"info":  LevelInfo,
	"debug": LevelDebug,
	"trace": LevelTrace,
}

// ParseLevel maps a configuration string (as handed down in the validated
// snapshot) to a Level, defaulting to LevelInfo for an unrecognized value.
func ParseLevel(s string) Level {
	if l, ok := levelNames[s]; ok {
		return l
	}
	return LevelInfo
}

// componentColors gives each core component its own color-tagged prefix,
// one per component instead of a single fixed color.
var componentColors = map[string]color.Attribute{
	"tokenstore": color.FgMagenta,
	"graph":      color.FgCyan,
	"reach":      color.FgBlue,
	"queue":      color.FgGreen,
	"smtp":       color.FgYellow,
	"pop3":       color.FgHiYellow,
	"listener":   color.FgWhite,
}

// Logger is a component-scoped handle onto the shared sink.
type Logger struct {
	component string
	level     Level
	sink      io.Writer
	gl        *gologme.Logger
}

// New creates a Logger that writes to w, tagged with component and gated at
// level. Multiple Loggers may share the same io.Writer; gologme.Logger does
// its own internal locking around writes.
func New(w io.Writer, component string, level Level) *Logger {
	attr := componentColors[component]
	if attr == 0 {
		attr = color.FgWhite
	}
	tag := color.New(attr).SprintfFunc()
	prefix := fmt.Sprintf("[%s] ", tag(component))
	gl := gologme.New(w, prefix, gologme.LstdFlags|gologme.Lmsgprefix)
	l := &Logger{component: component, level: level, sink: w, gl: gl}
	l.applyLevels()
	return l
}

// NewStd is a convenience constructor for when no configured sink is
// available yet (e.g. very early startup before the log path is opened).
func NewStd(component string, level Level) *Logger {
	return New(golog.Writer(), component, level)
}

func (l *Logger) applyLevels() {
	all := []string{"error", "warn", "info", "debug", "trace"}
	for i, name := range all {
		if Level(i) <= l.level {
			l.gl.EnableLevel(name)
		} else {
			l.gl.DisableLevel(name)
		}
	}
}

func (l *Logger) Errorf(format string, args ...any) { l.gl.Errorf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.gl.Warnf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.gl.Infof(format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.gl.Debugf(format, args...) }
func (l *Logger) Tracef(format string, args ...any) {
	if l.level >= LevelTrace {
		l.gl.Debugf(format, args...)
	}
}

// Errorx logs err wrapped with a message, matching the fmt.Errorf("%w", err)
// idiom used throughout the rest of the gateway's call sites.
func (l *Logger) Errorx(msg string, err error) {
	l.gl.Errorf("%s: %v", msg, err)
}

// With returns a new Logger for a sub-component, e.g. "smtp" -> "smtp.conn".
// It shares the underlying sink but renders under its own prefix.
func (l *Logger) With(sub string) *Logger {
	return New(l.sink, l.component+"."+sub, l.level)
}
