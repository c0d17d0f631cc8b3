// Package slogutil configures the process-wide slog logger: level parsing,
// console output and optional rotating file output.
package slogutil

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cloudpaste/cloudpaste/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogRotation configures slog with log rotation using lumberjack.
// If logConfig.File is empty, it logs to console only; otherwise it logs
// to both console and file.
func SetupLogRotation(logConfig config.LogConfig) *slog.Logger {
	var writer io.Writer = os.Stdout

	if logConfig.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   logConfig.File,
			MaxSize:    logConfig.MaxSize,    // MB
			MaxBackups: logConfig.MaxBackups, // number of old files
			MaxAge:     logConfig.MaxAge,     // days
			Compress:   logConfig.Compress,
		}
		writer = io.MultiWriter(os.Stdout, fileWriter)
	}

	level := logConfig.Level
	if level == "" {
		level = "info"
	}

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: parseLevel(level),
	})

	return slog.New(handler)
}
