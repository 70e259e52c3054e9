package logger

import (
	"fmt"

	"github.com/rs/zerolog"
)

type zerologLogger struct {
	zl zerolog.Logger
}

var _ Logger = (*zerologLogger)(nil)

// NewZerolog returns a Logger backed by the given zerolog logger. Key/value
// argument pairs become zerolog fields.
func NewZerolog(zl zerolog.Logger) Logger {
	return &zerologLogger{zl: zl}
}

func (l *zerologLogger) Debug(msg string, args ...any) {
	emit(l.zl.Debug(), msg, args)
}

func (l *zerologLogger) Info(msg string, args ...any) {
	emit(l.zl.Info(), msg, args)
}

func (l *zerologLogger) Warn(msg string, args ...any) {
	emit(l.zl.Warn(), msg, args)
}

func (l *zerologLogger) Error(msg string, args ...any) {
	emit(l.zl.Error(), msg, args)
}

func emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		ev = ev.Interface(fmt.Sprint(args[i]), args[i+1])
	}
	if len(args)%2 != 0 {
		ev = ev.Interface("arg", args[len(args)-1])
	}
	ev.Msg(msg)
}

// LevelFromString maps a debug.logLevel config value to a zerolog level.
// "verbose" maps to trace, the rest to their zerolog namesakes.
func LevelFromString(level string) (zerolog.Level, error) {
	switch level {
	case "verbose":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
