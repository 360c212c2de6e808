package util

import (
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is a nop global logger
var Logger = log.NewNopLogger()

// NewLogger returns a logfmt logger on w with timestamps and caller
// information, filtered to the given level ("debug", "info", "warn",
// "error"; anything else means info).
func NewLogger(w io.Writer, lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, levelFilter(lvl))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// NewCLILogger returns the default stderr logger for command-line use.
func NewCLILogger(lvl string) log.Logger {
	return NewLogger(os.Stderr, lvl)
}

func levelFilter(lvl string) level.Option {
	switch lvl {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// LoggerWithSession returns a Logger carrying the analysis session identity.
// Every log line produced on behalf of a session goes through this so
// concurrent analyses remain distinguishable.
func LoggerWithSession(sessionID string, l log.Logger) log.Logger {
	return log.With(l, "session", sessionID)
}

// LoggerWithBinary returns a Logger annotated with the binary under analysis.
func LoggerWithBinary(path string, l log.Logger) log.Logger {
	return log.With(l, "binary", path)
}
