package util

import (
	"io"
	"log/slog"
	"os"
)

var logger *slog.Logger

// InitLogger initializes the global slog logger. Logs go to stderr so
// command output on stdout stays machine readable.
func InitLogger(verbose bool) {
	InitLoggerTo(os.Stderr, verbose)
}

// InitLoggerTo is InitLogger with an explicit destination, e.g. a log file
// for the control server.
func InitLoggerTo(w io.Writer, verbose bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if verbose {
		opts.Level = slog.LevelDebug
	}

	logger = slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	if logger == nil {
		// Fallback initialization with INFO level
		InitLogger(IsVerbose())
	}
	return logger
}

// IsVerbose reports whether --verbose or -V was passed on the command line
func IsVerbose() bool {
	for _, arg := range os.Args {
		if arg == "--verbose" || arg == "-V" {
			return true
		}
	}
	return false
}
