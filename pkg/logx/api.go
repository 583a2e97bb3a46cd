package logx

import (
	"fmt"
	"io"
)

var defaultLogger = NewLogger(LoadFromEnv())

// SetDefaultLogger replaces the package-level logger
func SetDefaultLogger(logger *Logger) {
	defaultLogger = logger
}

// GetDefaultLogger returns the package-level logger
func GetDefaultLogger() *Logger {
	return defaultLogger
}

// SetLevel sets the log level for the default logger
func SetLevel(level Level) {
	defaultLogger.SetLevel(level)
}

// SetOutput sets the output for the default logger
func SetOutput(w io.Writer) {
	defaultLogger.SetOutput(w)
}

func Debug(msg string) { defaultLogger.log(LevelDebug, msg, nil, nil) }
func Info(msg string)  { defaultLogger.log(LevelInfo, msg, nil, nil) }
func Warn(msg string)  { defaultLogger.log(LevelWarn, msg, nil, nil) }
func Error(msg string) { defaultLogger.log(LevelError, msg, nil, nil) }

// Fatal logs a fatal level message and exits
func Fatal(msg string) {
	defaultLogger.log(LevelFatal, msg, nil, nil)
	defaultLogger.exit(1)
}

func Debugf(format string, args ...interface{}) { Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...interface{})  { Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...interface{})  { Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...interface{}) { Error(fmt.Sprintf(format, args...)) }

// Fatalf logs a formatted fatal message and exits
func Fatalf(format string, args ...interface{}) {
	defaultLogger.log(LevelFatal, fmt.Sprintf(format, args...), nil, nil)
	defaultLogger.exit(1)
}

// WithFields creates a new entry with fields
func WithFields(fields Fields) *Entry {
	return defaultLogger.WithFields(fields)
}

// WithField creates a new entry with a single field
func WithField(key string, value interface{}) *Entry {
	return defaultLogger.WithField(key, value)
}

// WithError creates a new entry with an error attached
func WithError(err error) *Entry {
	return defaultLogger.WithError(err)
}
