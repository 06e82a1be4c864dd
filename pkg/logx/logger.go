package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Logger is a value type. One obtained from a Service follows its level
// and sinks across Apply calls; the zero value discards everything.
type Logger struct {
	src    source
	fields []Field
}

type source interface {
	current() zerolog.Logger
}

type fixed struct{ zl zerolog.Logger }

func (f fixed) current() zerolog.Logger { return f.zl }

// Nop returns a logger that never writes.
func Nop() Logger { return Logger{src: fixed{zerolog.Nop()}} }

// NewWriter returns a JSON logger on w, mainly for tests that inspect output.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(parseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger()
	return Logger{src: fixed{zl}}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	return l.src.current()
}

func (l Logger) Enabled(level Level) bool { return level >= l.zl().GetLevel() }

// With returns a child logger carrying fields on every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	child := l
	child.fields = make([]Field, 0, len(l.fields)+len(fields))
	child.fields = append(child.fields, l.fields...)
	child.fields = append(child.fields, fields...)
	return child
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.zl()
	ev := zl.WithLevel(level)
	if ev == nil {
		return
	}
	// skip emit and the Debug/Info/... wrapper
	if _, file, line, ok := runtime.Caller(2); ok {
		ev.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	apply(ev, l.fields)
	apply(ev, fields)
	ev.Msg(msg)
}

func apply(ev *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(ev)
		}
	}
}
