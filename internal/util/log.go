package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

type LogLevel int32

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[string]LogLevel{
	"trace": LevelTrace,
	"debug": LevelDebug,
	"info":  LevelInfo,
	"warn":  LevelWarn,
	"error": LevelError,
}

// String returns the lower-case level name.
func (l LogLevel) String() string {
	for name, lvl := range levelNames {
		if lvl == l {
			return name
		}
	}
	return fmt.Sprintf("level(%d)", int32(l))
}

// Format selects the log output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Logger is a level-aware logger backed by zerolog. Filtering happens here
// rather than in zerolog so trace output survives zerolog's global level.
type Logger struct {
	level  atomic.Int32
	sentry atomic.Bool
	base   zerolog.Logger
}

// NewLogger creates a level-aware text logger writing to stderr.
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWithWriter(level, os.Stderr)
}

// NewLoggerWithWriter creates a level-aware text logger writing to the provided destination.
func NewLoggerWithWriter(level LogLevel, w io.Writer) *Logger {
	return NewLoggerWithFormat(level, w, FormatText)
}

// NewLoggerWithFormat creates a logger using the requested output format.
func NewLoggerWithFormat(level LogLevel, w io.Writer, format Format) *Logger {
	var out io.Writer = w
	if format != FormatJSON {
		out = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	}
	l := &Logger{base: zerolog.New(out).With().Timestamp().Logger()}
	l.level.Store(int32(level))
	return l
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

func (l *Logger) Level() LogLevel {
	return LogLevel(l.level.Load())
}

// EnableSentry initialises the Sentry client; subsequent Errorf calls are
// captured as Sentry messages.
func (l *Logger) EnableSentry(dsn, release string) error {
	if dsn == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: release,
	}); err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}
	l.sentry.Store(true)
	return nil
}

// Flush drains buffered Sentry events.
func (l *Logger) Flush(timeout time.Duration) {
	if l.sentry.Load() {
		sentry.Flush(timeout)
	}
}

func (l *Logger) logf(level LogLevel, format string, args ...interface{}) {
	if level < LogLevel(l.level.Load()) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	var evt *zerolog.Event
	switch level {
	case LevelTrace:
		evt = l.base.WithLevel(zerolog.DebugLevel).Bool("trace", true)
	case LevelDebug:
		evt = l.base.WithLevel(zerolog.DebugLevel)
	case LevelInfo:
		evt = l.base.WithLevel(zerolog.InfoLevel)
	case LevelWarn:
		evt = l.base.WithLevel(zerolog.WarnLevel)
	default:
		evt = l.base.WithLevel(zerolog.ErrorLevel)
	}
	evt.Msg(msg)
	if level >= LevelError && l.sentry.Load() {
		sentry.CaptureMessage(msg)
	}
}

func (l *Logger) Tracef(format string, args ...interface{}) {
	l.logf(LevelTrace, format, args...)
}
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logf(LevelDebug, format, args...)
}
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logf(LevelInfo, format, args...)
}
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logf(LevelWarn, format, args...)
}
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logf(LevelError, format, args...)
}

// ParseLogLevel converts a string into a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	if lvl, ok := levelNames[strings.ToLower(s)]; ok {
		return lvl
	}
	return LevelInfo
}
