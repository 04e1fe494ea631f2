// Package logging wires up the process-wide slog default handler from a pair of flags, the way the
// rest of HeftyDB expects to just call slog.Info/Debug/Warn/Error without ever touching a logger value.
package logging

import (
	"flag"
	"log/slog"
	"os"
	"strings"
)

type HandlerType string

const (
	HandlerText HandlerType = "text"
	HandlerJSON HandlerType = "json"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var (
	handlerTypeFlag = flag.String("log_handler_type", string(HandlerJSON), "Log handler type: json/text")
	logLevelFlag    = flag.String("log_level", string(LevelInfo), "Log level: debug/info/warn/error")
)

func levelFromString(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init configures the default slog logger from the -log_handler_type and -log_level flags. It must be
// called after flag.Parse().
func Init() {
	opts := &slog.HandlerOptions{Level: levelFromString(Level(strings.ToLower(*logLevelFlag)))}
	var handler slog.Handler
	switch HandlerType(strings.ToLower(*handlerTypeFlag)) {
	case HandlerText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logging configured", "handler", *handlerTypeFlag, "level", *logLevelFlag)
}
