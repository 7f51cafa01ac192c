package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel controls the minimum severity a SimpleLogger emits
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// SimpleLogger provides a basic structured logger implementation.
// Output is one line per entry, either "text" or "json" format.
type SimpleLogger struct {
	mu     sync.Mutex
	level  LogLevel
	format string
	out    io.Writer
	fields map[string]interface{}
}

// NewSimpleLogger creates a logger configured from the LOG_LEVEL and
// LOG_FORMAT environment variables (info/text when unset).
func NewSimpleLogger() *SimpleLogger {
	l := &SimpleLogger{
		level:  InfoLevel,
		format: "text",
		out:    os.Stderr,
		fields: make(map[string]interface{}),
	}
	l.SetLevel(os.Getenv("LOG_LEVEL"))
	if f := strings.ToLower(os.Getenv("LOG_FORMAT")); f == "json" {
		l.format = "json"
	}
	return l
}

// NewDefaultLogger creates a new default logger instance
func NewDefaultLogger() Logger {
	return NewSimpleLogger()
}

// SetLevel sets the logging level from a string ("debug", "info", ...)
func (l *SimpleLogger) SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "INFO":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

// SetFormat sets the output format ("text" or "json")
func (l *SimpleLogger) SetFormat(format string) {
	if f := strings.ToLower(format); f == "json" || f == "text" {
		l.format = f
	}
}

// SetOutput redirects log output (used by tests)
func (l *SimpleLogger) SetOutput(w io.Writer) {
	l.out = w
}

// With returns a logger carrying additional persistent fields
func (l *SimpleLogger) With(fields map[string]interface{}) *SimpleLogger {
	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &SimpleLogger{
		level:  l.level,
		format: l.format,
		out:    l.out,
		fields: newFields,
	}
}

// Debug logs a debug message
func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) {
	if l.level <= DebugLevel {
		l.log("DEBUG", msg, fields)
	}
}

// Info logs an info message
func (l *SimpleLogger) Info(msg string, fields map[string]interface{}) {
	if l.level <= InfoLevel {
		l.log("INFO", msg, fields)
	}
}

// Warn logs a warning message
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{}) {
	if l.level <= WarnLevel {
		l.log("WARN", msg, fields)
	}
}

// Error logs an error message
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) {
	if l.level <= ErrorLevel {
		l.log("ERROR", msg, fields)
	}
}

func (l *SimpleLogger) log(level, msg string, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		entry := make(map[string]interface{}, len(merged)+3)
		for k, v := range merged {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			entry[k] = v
		}
		entry["time"] = time.Now().Format(time.RFC3339)
		entry["level"] = level
		entry["message"] = msg
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.out, "%s [%s] %s (log marshal error: %v)\n",
				time.Now().Format(time.RFC3339), level, msg, err)
			return
		}
		fmt.Fprintln(l.out, string(data))
		return
	}

	var sb strings.Builder
	sb.WriteString(time.Now().Format(time.RFC3339))
	sb.WriteString(" [")
	sb.WriteString(level)
	sb.WriteString("] ")
	sb.WriteString(msg)

	if len(merged) > 0 {
		keys := make([]string, 0, len(merged))
		for k := range merged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf(" %s=%v", k, merged[k]))
		}
	}
	fmt.Fprintln(l.out, sb.String())
}
