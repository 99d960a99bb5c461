package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// setupLogger configures log. Logs go to logFile when set, to stderr
// otherwise.
func setupLogger(log *logrus.Logger, stderr io.Writer, level, format, logFile string) error {
	switch format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)

	if logFile == "" {
		log.SetOutput(stderr)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return nil
}

// quietLogs routes log output away from the terminal while a TUI owns it.
// Logs still reach the log file when one is configured.
func (a *app) quietLogs() {
	if a.cfg.LogFile == "" {
		a.log.SetOutput(io.Discard)
	}
}
