package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

var (
	Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	level  = new(slog.LevelVar) // dynamic level, LOG_LEVEL or SetLevel
)

// Init (re)builds the process logger from LOG_FORMAT and LOG_LEVEL.
func Init() {
	level.Set(parseLevel(os.Getenv("LOG_LEVEL")))

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func SetLevel(l slog.Level) { level.Set(l) }

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Shortcut helpers. They resolve Logger on every call so Init can swap it.
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

func With(args ...any) *slog.Logger { return Logger.With(args...) }

// Fatal logs at error level and exits the process.
func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

// WrapSlog adapts the slog logger to the *log.Logger that goburrow/modbus
// handlers expect for their frame tracing.
func WrapSlog(key, value string) *log.Logger {
	return slog.NewLogLogger(Logger.With(key, value).Handler(), slog.LevelDebug)
}
