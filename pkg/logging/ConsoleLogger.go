// Package logging with the device client logger
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/iotcentral-go/api"
)

// ConsoleLogger writes client traces using a private logrus logger.
// LogLevelAll enables debug and info traces, LogLevelAPIOnly only info traces and
// LogLevelDisabled suppresses both.
type ConsoleLogger struct {
	mutex    sync.RWMutex
	logLevel api.LogLevel
	logger   *logrus.Logger
}

// Info logs the message unless logging is disabled
func (cl *ConsoleLogger) Info(msg string) {
	cl.mutex.RLock()
	level := cl.logLevel
	cl.mutex.RUnlock()
	if level != api.LogLevelDisabled {
		cl.logger.Info(msg)
	}
}

// Debug logs the message when all logging is enabled
func (cl *ConsoleLogger) Debug(msg string) {
	cl.mutex.RLock()
	level := cl.logLevel
	cl.mutex.RUnlock()
	if level == api.LogLevelAll {
		cl.logger.Debug(msg)
	}
}

// SetLogLevel changes the log level
func (cl *ConsoleLogger) SetLogLevel(level api.LogLevel) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cl.logLevel = level
}

// LogLevel returns the current log level
func (cl *ConsoleLogger) LogLevel() api.LogLevel {
	cl.mutex.RLock()
	defer cl.mutex.RUnlock()
	return cl.logLevel
}

// NewConsoleLogger creates a logger that writes to stdout
func NewConsoleLogger(level api.LogLevel) *ConsoleLogger {
	return NewLogger(level, os.Stdout)
}

// NewLogger creates a logger that writes to the given output
//  level is the initial log level
//  out to write to, eg a log file
func NewLogger(level api.LogLevel, out io.Writer) *ConsoleLogger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	// gating is done by the IoT Central log level
	logger.SetLevel(logrus.DebugLevel)
	return &ConsoleLogger{
		logLevel: level,
		logger:   logger,
	}
}
