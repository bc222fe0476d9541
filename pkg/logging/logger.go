// Package logging provides the structured logger used across the
// coordinator daemon.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/powersync/tabsync/pkg/config"
)

// Logger represents a logger instance.
type Logger = *logrus.Logger

// Fields represents structured logging fields.
type Fields = logrus.Fields

// Level represents a log level.
type Level = logrus.Level

// Log levels.
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a new configured logger instance.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a configured logger for the named service.
// The *logrus.Logger it returns carries no default fields: serviceName is
// not attached to its entries, so they have no service field.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()
	logger = logger.WithField("service", serviceName).Logger
	return logger
}
