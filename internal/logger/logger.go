package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Logger zerolog.Logger

	outFile *os.File
	errFile *os.File
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

func init() {
	// Initialize with a basic console writer
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// errorFileWriter forwards only warn-and-above lines to logs/error.log
type errorFileWriter struct {
	w io.Writer
}

func (e errorFileWriter) Write(p []byte) (int, error) {
	return e.w.Write(p)
}

func (e errorFileWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.WarnLevel {
		return len(p), nil
	}
	return e.w.Write(p)
}

// Configure sets up the global logger with the specified level and output.
// When logsDir is non-empty, output is mirrored to <logsDir>/out.log and
// warnings/errors additionally to <logsDir>/error.log.
func Configure(level LogLevel, pretty bool, logsDir string) {
	var zeroLevel zerolog.Level
	switch level {
	case LevelDebug:
		zeroLevel = zerolog.DebugLevel
	case LevelInfo:
		zeroLevel = zerolog.InfoLevel
	case LevelWarn:
		zeroLevel = zerolog.WarnLevel
	case LevelError:
		zeroLevel = zerolog.ErrorLevel
	default:
		zeroLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(zeroLevel)

	var console io.Writer = os.Stderr
	if pretty {
		console = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}

	writers := []io.Writer{console}
	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0755); err == nil {
			if f, err := os.OpenFile(filepath.Join(logsDir, "out.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
				outFile = f
				writers = append(writers, f)
			}
			if f, err := os.OpenFile(filepath.Join(logsDir, "error.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
				errFile = f
				writers = append(writers, errorFileWriter{w: f})
			}
		}
	}

	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()

	// Update the global logger
	log.Logger = Logger
}

// Close flushes and closes the log files, if any
func Close() {
	if outFile != nil {
		_ = outFile.Close()
		outFile = nil
	}
	if errFile != nil {
		_ = errFile.Close()
		errFile = nil
	}
}

// GetLogLevelFromEnv determines log level from environment variables
func GetLogLevelFromEnv() LogLevel {
	debug := os.Getenv("DEBUG")
	if strings.ToLower(debug) == "true" || debug == "1" {
		return LevelDebug
	}
	return LevelInfo
}

// Debug logs a message at debug level
func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

// Debugf logs a formatted message at debug level
func Debugf(format string, args ...interface{}) {
	Logger.Debug().Msgf(format, args...)
}

// Info logs a message at info level
func Info(msg string) {
	Logger.Info().Msg(msg)
}

// Infof logs a formatted message at info level
func Infof(format string, args ...interface{}) {
	Logger.Info().Msgf(format, args...)
}

// Warn logs a message at warn level
func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

// Warnf logs a formatted message at warn level
func Warnf(format string, args ...interface{}) {
	Logger.Warn().Msgf(format, args...)
}

// Error logs a message at error level
func Error(msg string) {
	Logger.Error().Msg(msg)
}

// Errorf logs a formatted message at error level
func Errorf(format string, args ...interface{}) {
	Logger.Error().Msgf(format, args...)
}

// WithField creates a logger with a field
func WithField(key string, value interface{}) zerolog.Logger {
	return Logger.With().Interface(key, value).Logger()
}
