package main

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// daemonLogger is a thin wrapper over slog so call sites read like the
// teacher's own Info/Warn/Error convention without every caller importing
// slog directly.
type daemonLogger struct {
	logger *slog.Logger
}

// newDaemonLogger opens (or creates) logPath and rotates it through
// lumberjack once it exceeds 50MB, keeping 5 backups for up to 28 days.
// logPath == "" logs to stderr only, for foreground/debug runs.
func newDaemonLogger(logPath string) daemonLogger {
	var w io.Writer = os.Stderr
	if logPath != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return daemonLogger{logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))}
}

func (l daemonLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l daemonLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l daemonLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
