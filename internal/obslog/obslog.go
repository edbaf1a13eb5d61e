// Package obslog builds the structured loggers used across the policy
// server. It mirrors audit-scanner's log/slog JSON handler: levels are
// selected by name, the message key is renamed, and per-subsystem loggers
// are tagged with a "component" attribute.
package obslog

import (
	"fmt"
	"io"
	"log/slog"
)

const (
	LevelDebugString = "debug"
	LevelInfoString  = "info"
	LevelWarnString  = "warning"
	LevelErrorString = "error"
)

// SupportedLevels lists the level names accepted by NewHandler.
func SupportedLevels() []string {
	return []string{LevelDebugString, LevelInfoString, LevelWarnString, LevelErrorString}
}

// NewHandler returns a JSON slog.Handler configured at the given level name.
// An unrecognized level defaults to info rather than panicking, since this
// handler also backs long-running server processes where a bad flag value
// shouldn't be fatal.
func NewHandler(out io.Writer, level string) *slog.JSONHandler {
	slevel := parseLevel(level)

	return slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: slevel,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				lvl, _ := a.Value.Any().(slog.Level)
				a.Value = slog.StringValue(levelString(lvl))
			}
			if a.Key == slog.MessageKey {
				a.Key = "message"
			}
			return a
		},
	})
}

// New builds a *slog.Logger scoped to a named component, e.g.
// obslog.New(os.Stderr, "info", "sandbox").
func New(out io.Writer, level, component string) *slog.Logger {
	return slog.New(NewHandler(out, level)).With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case LevelDebugString:
		return slog.LevelDebug
	case LevelWarnString:
		return slog.LevelWarn
	case LevelErrorString:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func levelString(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return LevelDebugString
	case level < slog.LevelWarn:
		return LevelInfoString
	case level < slog.LevelError:
		return LevelWarnString
	default:
		return LevelErrorString
	}
}

// MustParseLevel panics on an unrecognized level name instead of silently
// falling back to info. The server command does not call it; it builds
// its logger with New.
func MustParseLevel(level string) slog.Level {
	for _, l := range SupportedLevels() {
		if l == level {
			return parseLevel(level)
		}
	}
	panic(fmt.Sprintf("invalid log level: %q", level))
}
