// Package logging defines the daemon's log levels and bridges slog records
// into the process-wide zerolog logger.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rs/zerolog"
)

// LevelFatal sits above slog.LevelError. Records at this level never
// terminate the process by themselves.
const LevelFatal = slog.Level(12)

// ParseLevel maps the configuration names debug, info, warning, error and
// fatal to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "fatal":
		return LevelFatal, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// MapLevel translates a slog level to zerolog. Levels that are not one of
// the five known levels are logged as errors.
func MapLevel(l slog.Level) zerolog.Level {
	switch l {
	case slog.LevelDebug:
		return zerolog.DebugLevel
	case slog.LevelInfo:
		return zerolog.InfoLevel
	case slog.LevelWarn:
		return zerolog.WarnLevel
	case slog.LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.ErrorLevel
	}
}

// FatalError is returned by Fatal so the host decides whether to exit.
type FatalError struct {
	Msg string
	Err error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Msg, e.Err)
	}
	return "fatal: " + e.Msg
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal logs msg at LevelFatal and returns it as a *FatalError.
func Fatal(logger *slog.Logger, msg string, err error, args ...any) error {
	if err != nil {
		args = append(args, "err", err)
	}
	logger.Log(context.Background(), LevelFatal, msg, args...)
	return &FatalError{Msg: msg, Err: err}
}
