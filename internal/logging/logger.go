// Package logging provides structured logging for the vault core.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with the owning subsystem name attached.
type Logger struct {
	*logrus.Logger
	subsystem string
}

// New creates a new Logger instance for the named subsystem.
func New(subsystem, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:    logger,
		subsystem: subsystem,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables, defaulting to "info" and "json" when unset.
func NewFromEnv(subsystem string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(subsystem, level, format)
}

// Nop returns a logger that discards everything; used by tests.
func Nop() *Logger {
	logger := logrus.New()
	logger.SetOutput(discard{})
	return &Logger{Logger: logger, subsystem: "test"}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// WithSubsystem returns an entry tagged with the subsystem name.
func (l *Logger) WithSubsystem() *logrus.Entry {
	return l.Logger.WithField("subsystem", l.subsystem)
}

// WithVault returns an entry tagged with the subsystem and a vault id.
func (l *Logger) WithVault(vaultID uint) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"subsystem": l.subsystem,
		"vault_id":  vaultID,
	})
}

// WithUser returns an entry tagged with the subsystem and the acting user.
func (l *Logger) WithUser(userID uint) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"subsystem": l.subsystem,
		"user_id":   userID,
	})
}
