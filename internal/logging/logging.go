// Package logging constructs the shared structured logger.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Fields is re-exported so callers do not import logrus directly.
type Fields = logrus.Fields

// New creates a JSON logger at the given level with a service field attached
// to every entry.
func New(service, level string) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger.WithField("service", service)
}
