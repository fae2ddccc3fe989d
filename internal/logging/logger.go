package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
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
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a LOG_LEVEL value to a LogLevel. Unknown values map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// LogContext provides context for log messages
type LogContext struct {
	JobID     string `json:"jobId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// JSONLogEntry is one line in JSON mode.
type JSONLogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Context   *LogContext            `json:"context,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes leveled, optionally structured log lines. INFO and below go
// to stdout, ERROR and above to stderr.
type Logger struct {
	mu       sync.Mutex
	stdout   io.Writer
	stderr   io.Writer
	std      map[LogLevel]*log.Logger
	minLevel LogLevel
	json     bool
}

// AppLogger is the process-wide logger. It is replaced by cmd/server at startup.
var AppLogger = NewLogger()

// NewLogger creates a logger configured from LOG_FORMAT, LOG_LEVEL and
// VCAP_APPLICATION.
func NewLogger() *Logger {
	jsonMode := strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") || os.Getenv("VCAP_APPLICATION") != ""
	return NewLoggerWithWriters(os.Stdout, os.Stderr, ParseLevel(os.Getenv("LOG_LEVEL")), jsonMode)
}

// NewLoggerWithWriters builds a logger on explicit writers.
func NewLoggerWithWriters(stdout, stderr io.Writer, minLevel LogLevel, jsonMode bool) *Logger {
	flags := log.LstdFlags | log.Lmsgprefix
	return &Logger{
		stdout: stdout,
		stderr: stderr,
		std: map[LogLevel]*log.Logger{
			DEBUG: log.New(stdout, "[DEBUG] ", flags),
			INFO:  log.New(stdout, "[INFO]  ", flags),
			WARN:  log.New(stdout, "[WARN]  ", flags),
			ERROR: log.New(stderr, "[ERROR] ", flags),
			FATAL: log.New(stderr, "[FATAL] ", flags),
		},
		minLevel: minLevel,
		json:     jsonMode,
	}
}

func (l *Logger) Debug(format string, v ...interface{}) { l.write(DEBUG, nil, nil, format, v...) }
func (l *Logger) Info(format string, v ...interface{})  { l.write(INFO, nil, nil, format, v...) }
func (l *Logger) Warn(format string, v ...interface{})  { l.write(WARN, nil, nil, format, v...) }
func (l *Logger) Error(format string, v ...interface{}) { l.write(ERROR, nil, nil, format, v...) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.write(FATAL, nil, nil, format, v...)
	os.Exit(1)
}

func (l *Logger) DebugWithContext(ctx *LogContext, format string, v ...interface{}) {
	l.write(DEBUG, ctx, nil, format, v...)
}

func (l *Logger) InfoWithContext(ctx *LogContext, format string, v ...interface{}) {
	l.write(INFO, ctx, nil, format, v...)
}

func (l *Logger) WarnWithContext(ctx *LogContext, format string, v ...interface{}) {
	l.write(WARN, ctx, nil, format, v...)
}

func (l *Logger) ErrorWithContext(ctx *LogContext, format string, v ...interface{}) {
	l.write(ERROR, ctx, nil, format, v...)
}

func (l *Logger) DebugWithFields(msg string, fields map[string]interface{}) {
	l.write(DEBUG, nil, fields, msg)
}

func (l *Logger) InfoWithFields(msg string, fields map[string]interface{}) {
	l.write(INFO, nil, fields, msg)
}

func (l *Logger) WarnWithFields(msg string, fields map[string]interface{}) {
	l.write(WARN, nil, fields, msg)
}

func (l *Logger) ErrorWithFields(msg string, fields map[string]interface{}) {
	l.write(ERROR, nil, fields, msg)
}

func (l *Logger) write(level LogLevel, ctx *LogContext, fields map[string]interface{}, format string, v ...interface{}) {
	if l == nil || level < l.minLevel {
		return
	}
	message := format
	if len(v) > 0 {
		message = fmt.Sprintf(format, v...)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.json {
		out := l.stdout
		if level >= ERROR {
			out = l.stderr
		}
		enc := json.NewEncoder(out)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(JSONLogEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Level:     level.String(),
			Message:   message,
			Context:   ctx,
			Fields:    fields,
		})
		return
	}
	l.std[level].Print(formatContext(ctx) + message + formatFields(fields))
}

// formatContext formats context for human-readable logs
func formatContext(ctx *LogContext) string {
	if ctx == nil {
		return ""
	}
	var parts []string
	if ctx.JobID != "" {
		parts = append(parts, "[Job:"+ctx.JobID+"]")
	}
	if ctx.UserID != "" {
		parts = append(parts, "[User:"+ctx.UserID+"]")
	}
	if ctx.RequestID != "" {
		parts = append(parts, "[Req:"+ctx.RequestID+"]")
	}
	if ctx.Provider != "" {
		parts = append(parts, "[Provider:"+ctx.Provider+"]")
	}
	if ctx.Model != "" {
		parts = append(parts, "[Model:"+ctx.Model+"]")
	}
	if ctx.Operation != "" {
		parts = append(parts, "[Op:"+ctx.Operation+"]")
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "") + " "
}

// formatFields renders fields sorted by key so lines are stable.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(" |")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

// WithContext returns a context logger for chaining
func (l *Logger) WithContext(ctx *LogContext) *ContextLogger {
	return &ContextLogger{logger: l, ctx: ctx}
}

// ContextLogger binds a LogContext to every call.
type ContextLogger struct {
	logger *Logger
	ctx    *LogContext
}

func (cl *ContextLogger) Debug(format string, v ...interface{}) {
	cl.logger.write(DEBUG, cl.ctx, nil, format, v...)
}

func (cl *ContextLogger) Info(format string, v ...interface{}) {
	cl.logger.write(INFO, cl.ctx, nil, format, v...)
}

func (cl *ContextLogger) Warn(format string, v ...interface{}) {
	cl.logger.write(WARN, cl.ctx, nil, format, v...)
}

func (cl *ContextLogger) Error(format string, v ...interface{}) {
	cl.logger.write(ERROR, cl.ctx, nil, format, v...)
}

func (cl *ContextLogger) InfoWithFields(msg string, fields map[string]interface{}) {
	cl.logger.write(INFO, cl.ctx, fields, msg)
}

func (cl *ContextLogger) ErrorWithFields(msg string, fields map[string]interface{}) {
	cl.logger.write(ERROR, cl.ctx, fields, msg)
}
