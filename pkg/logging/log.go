package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger   = zerolog.Nop()
	logFile  *os.File
	logMutex sync.RWMutex
)

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Init sends log output to the file at path, appending to what is there.
// The terminal UI owns the screen, so interactive front ends log to a file.
func Init(path, level string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	logger = zerolog.New(f).With().Timestamp().Logger().Level(parseLevel(level))
	return nil
}

// InitConsole sends human-readable log output to w. Used by the daemon.
func InitConsole(w io.Writer, level string) {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}

	logMutex.Lock()
	defer logMutex.Unlock()
	logger = zerolog.New(output).With().Timestamp().Logger().Level(parseLevel(level))
}

// Close releases the log file opened by Init, if any.
func Close() {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	logger = zerolog.Nop()
}

// Logger returns the current structured logger.
func Logger() *zerolog.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	l := logger
	return &l
}

func LogDebug(format string, args ...interface{}) {
	Logger().Debug().Msgf(format, args...)
}

func LogInfo(format string, args ...interface{}) {
	Logger().Info().Msgf(format, args...)
}

func LogWarn(format string, args ...interface{}) {
	Logger().Warn().Msgf(format, args...)
}

func LogError(format string, args ...interface{}) {
	Logger().Error().Msgf(format, args...)
}
