// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"smallcap-backtester/internal/models"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "smallcap-backtester", "logs", "backtester.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	// Console writer
	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				if ll, ok := i.(string); ok {
					switch ll {
					case "debug":
						return "\033[36mDBG\033[0m"
					case "info":
						return "\033[32mINF\033[0m"
					case "warn":
						return "\033[33mWRN\033[0m"
					case "error":
						return "\033[31mERR\033[0m"
					default:
						return ll
					}
				}
				return "???"
			},
		}
		writers = append(writers, consoleWriter)
	}

	// File writer with rotation
	if cfg.File {
		// Ensure log directory exists
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			fileWriter := &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			}
			writers = append(writers, fileWriter)
		}
	}

	// Create multi-writer
	var writer io.Writer
	if len(writers) == 0 {
		writer = io.Discard
	} else if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = zerolog.MultiLevelWriter(writers...)
	}

	// Set log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Create logger
	logger := zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()

	return logger
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithTicker adds a ticker to the logger context.
func WithTicker(logger zerolog.Logger, ticker string) zerolog.Logger {
	return logger.With().Str("ticker", ticker).Logger()
}

// WithDay adds a trading day to the logger context.
func WithDay(logger zerolog.Logger, day time.Time) zerolog.Logger {
	return logger.With().Str("day", day.Format("2006-01-02")).Logger()
}

// WithRunID adds a run ID to the logger context.
func WithRunID(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str("run_id", runID).Logger()
}

// WithOperation adds an operation name to the logger context.
func WithOperation(logger zerolog.Logger, operation string) zerolog.Logger {
	return logger.With().Str("operation", operation).Logger()
}

// LogFill logs an execution.
func LogFill(logger zerolog.Logger, f models.Fill) {
	logger.Debug().
		Str("event", "fill").
		Str("ticker", f.Ticker).
		Str("side", string(f.Side)).
		Int("quantity", f.Quantity).
		Float64("price", f.Price).
		Str("reason", f.Reason.String()).
		Time("ts", f.Timestamp).
		Msg("Fill executed")
}

// LogTrade logs a closed round trip.
func LogTrade(logger zerolog.Logger, t models.Trade) {
	logger.Info().
		Str("event", "trade").
		Str("ticker", t.Ticker).
		Int("quantity", t.Quantity).
		Float64("entry", t.EntryPrice).
		Float64("exit", t.ExitPrice).
		Float64("pnl", t.PnL).
		Str("entry_reason", t.EntryReason.String()).
		Str("exit_reason", t.ExitReason.String()).
		Msg("Trade closed")
}

// LogSignalDropped logs a pending signal that could not be executed.
func LogSignalDropped(logger zerolog.Logger, ticker, reason string, ts time.Time) {
	logger.Debug().
		Str("event", "signal_dropped").
		Str("ticker", ticker).
		Str("reason", reason).
		Time("ts", ts).
		Msg("Signal dropped")
}

// LogDayStatus logs the outcome of one simulated day.
func LogDayStatus(logger zerolog.Logger, r models.DayResult) {
	event := logger.Info()
	if r.Status != models.DayStatusOK {
		event = logger.Warn()
	}
	event.
		Str("event", "day").
		Str("day", r.Date.Format("2006-01-02")).
		Str("status", string(r.Status)).
		Str("detail", r.Detail).
		Int("watchlist", r.Watchlist).
		Int("trades", r.Trades).
		Float64("realized_pnl", r.RealizedPnL).
		Msg("Day simulated")
}

// LogAPICall logs an API call.
func LogAPICall(logger zerolog.Logger, method, endpoint string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", endpoint).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}
