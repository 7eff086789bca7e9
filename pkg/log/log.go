// Package log provides structured logging for revstore.
//
// All engine components log through zerolog child loggers scoped by
// component name. Output is console-formatted by default and JSON when
// requested, so the same binary works for interactive admin use and for
// log-shipping deployments.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Components should not use it
// directly; use WithComponent to obtain a scoped child logger.
var Logger zerolog.Logger

// Level represents a log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRepository creates a child logger with a repository path field.
func WithRepository(path string) zerolog.Logger {
	return Logger.With().Str("repository", path).Logger()
}

// WithTxn creates a child logger with a transaction id field.
func WithTxn(txnID string) zerolog.Logger {
	return Logger.With().Str("txn_id", txnID).Logger()
}

func init() {
	// Keep a usable logger even if Init is never called (library use).
	Init(Config{Level: InfoLevel})
}
