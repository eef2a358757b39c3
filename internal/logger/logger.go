package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// ParseLevel maps LOG_LEVEL values to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type Logger struct {
	level atomic.Int32
	mu    sync.RWMutex
	zl    zerolog.Logger
}

var defaultLogger = New(os.Stderr, INFO)

func New(w io.Writer, level LogLevel) *Logger {
	l := &Logger{zl: newZerolog(w)}
	l.level.Store(int32(level))
	return l
}

func newZerolog(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

func (l *Logger) Level() LogLevel {
	return LogLevel(l.level.Load())
}

func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.zl = newZerolog(w)
}

func SetLevel(level LogLevel) {
	defaultLogger.SetLevel(level)
}

func GetLevel() LogLevel {
	return defaultLogger.Level()
}

// SetOutput redirects the package-level logger, mainly for tests.
func SetOutput(w io.Writer) {
	defaultLogger.SetOutput(w)
}

func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) {
	if level < l.Level() {
		return
	}

	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()

	event := zl.WithLevel(level.zerolog())
	if sanitized := sanitizeFields(fields); len(sanitized) > 0 {
		event = event.Fields(sanitized)
	}
	event.Msg(message)
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, mergeFields(fields...))
}

func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, mergeFields(fields...))
}

func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, mergeFields(fields...))
}

func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, mergeFields(fields...))
}

// Package-level convenience functions
func Debug(message string, fields ...map[string]interface{}) {
	defaultLogger.Debug(message, fields...)
}

func Info(message string, fields ...map[string]interface{}) {
	defaultLogger.Info(message, fields...)
}

func Warn(message string, fields ...map[string]interface{}) {
	defaultLogger.Warn(message, fields...)
}

func Error(message string, fields ...map[string]interface{}) {
	defaultLogger.Error(message, fields...)
}

// Helper functions
func mergeFields(fieldMaps ...map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for _, fields := range fieldMaps {
		for k, v := range fields {
			result[k] = v
		}
	}
	return result
}

var sensitiveKeys = []string{
	"key", "token", "secret", "password", "api_key", "stripe_key",
	"webhook_secret", "signature", "authorization", "auth", "dsn",
}

func sanitizeFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	sanitized := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if !isSensitive(k) {
			sanitized[k] = v
			continue
		}

		// Show first 3 and last 3 characters of long values
		if str, ok := v.(string); ok && len(str) > 8 {
			sanitized[k] = str[:3] + "..." + str[len(str)-3:]
		} else {
			sanitized[k] = "[REDACTED]"
		}
	}

	return sanitized
}

func isSensitive(field string) bool {
	lower := strings.ToLower(field)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// Initialize logger based on environment
func init() {
	// During tests, reduce log noise by setting higher log level
	if os.Getenv("GO_ENV") == "test" || strings.HasSuffix(os.Args[0], ".test") {
		SetLevel(WARN)
		return
	}

	SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
}
