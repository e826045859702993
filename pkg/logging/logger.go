package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. It is usable before InitLogging is called.
var Logger = logrus.New()

// Fields is an alias so callers don't need to import logrus.
type Fields = logrus.Fields

// InitLogging initializes logging
func InitLogging(level, format string) {
	Logger.SetOutput(os.Stdout)

	if strings.EqualFold(format, "json") {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)
}

// SetOutput redirects log output, used by tests.
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// WithFields returns an entry carrying structured fields
func WithFields(fields Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// Debugf logs debug level messages
func Debugf(format string, v ...interface{}) {
	Logger.Debugf(format, v...)
}

// Infof logs info level messages
func Infof(format string, v ...interface{}) {
	Logger.Infof(format, v...)
}

// Warnf logs warning level messages
func Warnf(format string, v ...interface{}) {
	Logger.Warnf(format, v...)
}

// Errorf logs error level messages
func Errorf(format string, v ...interface{}) {
	Logger.Errorf(format, v...)
}
