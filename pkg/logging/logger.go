package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
)

// Logger is a named logrus logger. Every record carries the logger name,
// the service and its version.
type Logger struct {
	*logrus.Logger
	serviceName string
	version     string
	name        string
}

// Config holds logging configuration
type Config struct {
	Level       string `json:"level"`
	Format      string `json:"format"`
	Output      string `json:"output"`
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
}

type ctxKey int

const (
	correlationKey ctxKey = iota
	executionKey
	projectKey
)

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "clarity-runner",
		Version:     "unknown",
	}
}

// NewLogger builds a logger from config. JSON output goes through
// Formatter; both formats pass through the redaction hook.
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var formatter logrus.Formatter
	switch strings.ToLower(config.Format) {
	case "json":
		formatter = &Formatter{}
	case "text":
		formatter = &logrus.TextFormatter{
			TimestampFormat: TimestampFormat,
			FullTimestamp:   true,
		}
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	out, err := openOutput(config.Output)
	if err != nil {
		return nil, err
	}

	base := logrus.New()
	base.SetLevel(level)
	base.SetFormatter(formatter)
	base.SetOutput(out)
	base.AddHook(NewRedactionHook())

	return &Logger{
		Logger:      base,
		serviceName: config.ServiceName,
		version:     config.Version,
		name:        "root",
	}, nil
}

// openOutput resolves stdout, stderr or an append-only file path
func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return file, nil
}

// NewTestLogger returns a debug-level JSON logger writing to w.
func NewTestLogger(w io.Writer) *Logger {
	logger, err := NewLogger(&Config{Level: "debug", Format: "json", ServiceName: "test", Version: "test"})
	if err != nil {
		panic(err)
	}
	logger.Logger.SetOutput(w)
	return logger
}

// Named returns a logger that stamps records with the given logger name.
// The underlying sink, level and hooks are shared.
func (l *Logger) Named(name string) *Logger {
	named := *l
	named.name = name
	return &named
}

// Name returns the logger name written into the "logger" field.
func (l *Logger) Name() string {
	return l.name
}

// WithContext returns an entry carrying the ids stored on ctx
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	setIf(fields, FieldCorrelationID, contextString(ctx, correlationKey))
	setIf(fields, FieldExecutionID, contextString(ctx, executionKey))
	setIf(fields, FieldProjectID, contextString(ctx, projectKey))
	return l.WithFields(fields)
}

// WithFields returns an entry with the logger, service and version fields
// plus the given ones. Caller fields win on conflict.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	merged := make(logrus.Fields, len(fields)+3)
	merged[FieldLogger] = l.name
	merged["service"] = l.serviceName
	merged["version"] = l.version
	for k, v := range fields {
		merged[k] = v
	}
	return l.Logger.WithFields(merged)
}

// WithError returns an entry with error and error_type fields
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.WithFields(errorFields(err))
}

// LogError logs an error with its kind before it leaves a component boundary.
func (l *Logger) LogError(ctx context.Context, err error, message string, fields logrus.Fields) {
	entry := l.WithContext(ctx).WithFields(errorFields(err))
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Error(message)
}

func errorFields(err error) logrus.Fields {
	return logrus.Fields{
		"error":      err.Error(),
		"error_type": string(apperrors.GetType(err)),
	}
}

// NewCorrelationID returns a random UUID
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID stores the correlation id on ctx
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey, correlationID)
}

// WithExecutionID stores the execution id on ctx
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionKey, executionID)
}

// WithProjectID stores the project id on ctx
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectKey, projectID)
}

// GetCorrelationID returns the correlation id stored on ctx, or ""
func GetCorrelationID(ctx context.Context) string {
	return contextString(ctx, correlationKey)
}

func contextString(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(key).(string)
	return s
}

var globalLogger *Logger

func init() {
	var err error
	globalLogger, err = NewLogger(nil)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize global logger: %v", err))
	}
}

// GetLogger returns the process-wide logger
func GetLogger() *Logger {
	return globalLogger
}

// SetGlobalLogger replaces the process-wide logger
func SetGlobalLogger(logger *Logger) {
	globalLogger = logger
}

// Info logs msg with alternating key/value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.kv(keysAndValues).Info(msg)
}

// Warn logs msg with alternating key/value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.kv(keysAndValues).Warn(msg)
}

// Error logs msg with alternating key/value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.kv(keysAndValues).Error(msg)
}

// Debug logs msg with alternating key/value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.kv(keysAndValues).Debug(msg)
}

// kv turns alternating key/value pairs into an entry. A trailing key
// without a value is dropped.
func (l *Logger) kv(keysAndValues []interface{}) *logrus.Entry {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.WithFields(fields)
}
