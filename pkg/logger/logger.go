// Package logger wraps log/slog with the configuration surface shared by
// the library and the CLI.
package logger

import (
	"encoding/hex"
	"log/slog"
	"os"
	"strings"
)

// Logger embeds *slog.Logger so the usual Info/Debug/Warn/Error methods are
// available directly.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text", "json"
	Output string `yaml:"output"` // "stdout", "stderr", "file"
	File   string `yaml:"file"`   // path when Output is "file"
}

var global *Logger

// New creates a Logger from config.
func New(config Config) *Logger {
	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	writer := os.Stdout
	switch config.Output {
	case "stderr":
		writer = os.Stderr
	case "file":
		if config.File != "" {
			if f, err := os.OpenFile(config.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
				writer = f
			}
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	l := &Logger{Logger: slog.New(handler)}
	if global == nil {
		global = l
	}
	return l
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.With("component", name)}
}

// Global returns the process-wide logger, creating a default one on first
// use.
func Global() *Logger {
	if global == nil {
		return New(Config{Level: "info", Format: "text"})
	}
	return global
}

// SetGlobal replaces the process-wide logger.
func SetGlobal(l *Logger) {
	global = l
}

// Hex formats frame bytes for debug logs.
func Hex(key string, b []byte) slog.Attr {
	return slog.String(key, hex.EncodeToString(b))
}
