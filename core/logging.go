package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the injectable Logger/ComponentAwareLogger implementation
// used everywhere in this module. It writes JSON in Kubernetes (detected via
// KUBERNETES_SERVICE_HOST) and a human-readable line format otherwise, and
// rate-limits error logs so a failing dependency cannot flood stdout.
type ProductionLogger struct {
	mu          sync.RWMutex
	level       string
	format      string
	serviceName string
	component   string
	output      io.Writer

	errMu        sync.Mutex
	errWindow    time.Duration
	errLastEmit  time.Time
	errSuppressed int
}

// LoggerOptions configures NewProductionLogger. Zero-value options are
// resolved against the environment and sane defaults.
type LoggerOptions struct {
	ServiceName string
	Level       string // debug|info|warn|error
	Format      string // json|text
	Output      io.Writer
}

// NewProductionLogger builds a ProductionLogger. Explicit options win over
// environment variables (EnvLogLevel, EnvLogFormat), which win over
// Kubernetes auto-detection, which wins over the text/info defaults.
func NewProductionLogger(opts LoggerOptions) *ProductionLogger {
	level := opts.Level
	if level == "" {
		level = os.Getenv(EnvLogLevel)
	}
	if level == "" {
		level = "info"
	}

	format := opts.Format
	if format == "" {
		format = os.Getenv(EnvLogFormat)
	}
	if format == "" {
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		} else {
			format = "text"
		}
	}

	output := opts.Output
	if output == nil {
		output = os.Stdout
	}

	return &ProductionLogger{
		level:       strings.ToLower(level),
		format:      strings.ToLower(format),
		serviceName: opts.ServiceName,
		output:      output,
		errWindow:   time.Second,
	}
}

func (l *ProductionLogger) WithComponent(component string) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &ProductionLogger{
		level:       l.level,
		format:      l.format,
		serviceName: l.serviceName,
		component:   component,
		output:      l.output,
		errWindow:   l.errWindow,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("info", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("warn", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	if !l.allowError() {
		return
	}
	l.log("error", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("debug", msg, fields)
}

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("info", msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("warn", msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if !l.allowError() {
		return
	}
	l.log("error", msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("debug", msg, withTraceFields(ctx, fields))
}

// allowError enforces a 1-log-per-window rate limit on error logs. It counts
// suppressed entries in errSuppressed and resets the count when the next line
// is emitted; the count is not written to any log line.
func (l *ProductionLogger) allowError() bool {
	l.errMu.Lock()
	defer l.errMu.Unlock()

	now := time.Now()
	if now.Sub(l.errLastEmit) < l.errWindow {
		l.errSuppressed++
		return false
	}
	l.errLastEmit = now
	l.errSuppressed = 0
	return true
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"message":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		if _, reserved := entry[k]; !reserved {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	tag := l.serviceName
	if l.component != "" {
		tag = fmt.Sprintf("%s:%s", l.serviceName, l.component)
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, strings.ToUpper(level), tag, msg, b.String())
}

var logLevels = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

func (l *ProductionLogger) shouldLog(level string) bool {
	cur, ok1 := logLevels[l.level]
	msg, ok2 := logLevels[level]
	if !ok1 || !ok2 {
		return true
	}
	return msg >= cur
}

func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return fields
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return fields
}
