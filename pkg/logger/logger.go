// Package logger provides structured logging for the trust fabric.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with a fixed component field.
type Logger struct {
	*logrus.Logger
	component string
}

// Config contains logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout or file
	FilePrefix string
}

// New creates a logger from config. Invalid levels fall back to info.
func New(component string, cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "trustfabric"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			l.Errorf("failed to create logs directory: %v", err)
			break
		}
		logPath := filepath.Join(logDir, prefix+".log")
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Errorf("failed to open log file: %v", err)
			break
		}
		l.SetOutput(io.MultiWriter(os.Stdout, file))
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l, component: component}
}

// NewDefault creates a logger with default configuration. The level can be
// overridden with the TF_LOG_LEVEL environment variable.
func NewDefault(component string) *Logger {
	level := os.Getenv("TF_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	return New(component, Config{Level: level})
}

// Component returns the component name this logger was created for.
func (l *Logger) Component() string {
	return l.component
}

// WithField returns a log entry with the component field and one extra field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry().WithField(key, value)
}

// WithFields returns a log entry with the component field and extra fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.entry().WithFields(fields)
}

// WithError returns a log entry carrying an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry().WithError(err)
}

func (l *Logger) entry() *logrus.Entry {
	if l.component == "" {
		return logrus.NewEntry(l.Logger)
	}
	return l.Logger.WithField("component", l.component)
}
