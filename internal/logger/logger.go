// Package logger wraps logrus with an env-configured level so the rest of
// the codebase logs through one place.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Init configures the shared logger. The level comes from LOG_LEVEL and
// defaults to info.
func Init() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.InfoLevel)

	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		return
	}
	level, err := logrus.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		log.Warnf("invalid log level %q, defaulting to info", levelStr)
		return
	}
	log.SetLevel(level)
}

// Debugf logs a formatted message at the debug level.
func Debugf(format string, args ...any) { log.Debugf(format, args...) }

// Info logs a message at the info level.
func Info(args ...any) { log.Info(args...) }

// Infof logs a formatted message at the info level.
func Infof(format string, args ...any) { log.Infof(format, args...) }

// Warnf logs a formatted message at the warn level.
func Warnf(format string, args ...any) { log.Warnf(format, args...) }

// Errorf logs a formatted message at the error level.
func Errorf(format string, args ...any) { log.Errorf(format, args...) }

// Fatalf logs a formatted message and exits.
func Fatalf(format string, args ...any) { log.Fatalf(format, args...) }
