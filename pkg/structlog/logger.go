package structlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level represents log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps LOG_LEVEL values to a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

type ctxKeyCorrID struct{}

// Fields represents structured log fields
type Fields map[string]interface{}

// Logger writes one JSON object per line. Loggers derived with WithFields
// share the output and its lock.
type Logger struct {
	service   string
	level     *levelVar
	out       *syncWriter
	fields    Fields
	sanitizer *Sanitizer
}

type levelVar struct {
	mu sync.RWMutex
	l  Level
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// Sanitizer masks sensitive data in logs
type Sanitizer struct {
	patterns []string
}

// NewSanitizer masks any field whose name contains one of the default
// sensitive words. Typed key content is masked as well.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{patterns: []string{
		"password", "secret", "token", "apikey", "authorization", "typing_pattern",
	}}
}

// Sanitize returns a copy of fields with sensitive values replaced by MASKED.
func (s *Sanitizer) Sanitize(fields Fields) Fields {
	cleaned := make(Fields, len(fields))
	for k, v := range fields {
		cleaned[k] = v
		lk := strings.ToLower(k)
		for _, p := range s.patterns {
			if strings.Contains(lk, p) {
				cleaned[k] = "MASKED"
				break
			}
		}
	}
	return cleaned
}

// NewLogger creates a structured logger for a service
func NewLogger(serviceName string, level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		service:   serviceName,
		level:     &levelVar{l: level},
		out:       &syncWriter{w: output},
		fields:    Fields{},
		sanitizer: NewSanitizer(),
	}
}

// WithFields returns a logger with additional base fields
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		service:   l.service,
		level:     l.level,
		out:       l.out,
		fields:    merged,
		sanitizer: l.sanitizer,
	}
}

// WithContext adds the correlation id carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return l.WithFields(Fields{"correlation_id": corrID})
	}
	return l
}

func (l *Logger) Debug(message string, fields Fields) { l.log(LevelDebug, message, fields) }
func (l *Logger) Info(message string, fields Fields)  { l.log(LevelInfo, message, fields) }
func (l *Logger) Warn(message string, fields Fields)  { l.log(LevelWarn, message, fields) }
func (l *Logger) Error(message string, fields Fields) { l.log(LevelError, message, fields) }

// Fatal logs and exits the process.
func (l *Logger) Fatal(message string, fields Fields) {
	l.log(LevelFatal, message, fields)
	os.Exit(1)
}

// SecurityEvent logs at warn level with a security marker.
func (l *Logger) SecurityEvent(event string, fields Fields) {
	f := Fields{"event_type": "security", "security_event": event}
	for k, v := range fields {
		f[k] = v
	}
	l.log(LevelWarn, fmt.Sprintf("SECURITY: %s", event), f)
}

// AuditLog logs an audit trail entry.
func (l *Logger) AuditLog(action string, fields Fields) {
	f := Fields{"event_type": "audit", "audit_action": action}
	for k, v := range fields {
		f[k] = v
	}
	l.log(LevelInfo, fmt.Sprintf("AUDIT: %s", action), f)
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if level < l.GetLevel() {
		return
	}

	all := make(Fields, len(l.fields)+len(fields)+6)
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		all[k] = v
	}
	all["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	all["level"] = level.String()
	all["service"] = l.service
	all["message"] = message

	if level >= LevelError {
		if pc, file, line, ok := runtime.Caller(2); ok {
			all["caller"] = fmt.Sprintf("%s:%d", file, line)
			if fn := runtime.FuncForPC(pc); fn != nil {
				all["function"] = fn.Name()
			}
		}
	}

	all = l.sanitizer.Sanitize(all)

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if err := json.NewEncoder(l.out.w).Encode(all); err != nil {
		fmt.Fprintf(os.Stderr, "LOG_ERROR: failed to encode log: %v\n", err)
	}
}

// SetLevel changes the threshold for this logger and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.mu.Lock()
	l.level.l = level
	l.level.mu.Unlock()
}

func (l *Logger) GetLevel() Level {
	l.level.mu.RLock()
	defer l.level.mu.RUnlock()
	return l.level.l
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.NewString()
}

// ContextWithCorrelationID returns context with correlation ID
func ContextWithCorrelationID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrID{}, corrID)
}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if corrID, ok := ctx.Value(ctxKeyCorrID{}).(string); ok {
		return corrID
	}
	return ""
}

// GetOrCreateCorrelationID gets existing or creates new correlation ID
func GetOrCreateCorrelationID(ctx context.Context) (context.Context, string) {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return ctx, corrID
	}
	corrID := NewCorrelationID()
	return ContextWithCorrelationID(ctx, corrID), corrID
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewLogger("default", LevelInfo, os.Stdout)
)

// Default returns the process-wide logger used when none is injected.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger replaces the global logger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}
