// Package logging provides real-time console output for the bus, the
// workflow engine and the orchestrator. Lines look like
//
//	INFO  2026-01-02T15:04:05.000Z [bus] message_retried id=... retry=1
//
// Fields are printed sorted by key so output is stable.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string into a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// sink is shared by a logger and every logger derived from it, so
// SetOutput and SetLevel on the root affect component loggers too.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger provides structured logging to stdout.
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

// New creates a new Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stdout, minLevel: LevelInfo}}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, traceID: l.traceID}
}

// WithTraceID returns a new logger that tags every line with trace=<id>.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{sink: l.sink, component: l.component, traceID: traceID}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

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
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

// log writes: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.traceID != "" {
		fieldStr += " trace=" + l.traceID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}
	l.sink.output.Write([]byte(line))
}

// --- Bus events ---

// MessageRetried logs a delivery scheduled for another attempt.
func (l *Logger) MessageRetried(id string, retry int, delay time.Duration) {
	l.Debug("message_retried", map[string]interface{}{
		"id":    id,
		"retry": retry,
		"delay": delay.String(),
	})
}

// MessageDeadLettered logs a message moved to the dead-letter queue.
func (l *Logger) MessageDeadLettered(id, reason string, retries int, err error) {
	fields := map[string]interface{}{
		"id":      id,
		"reason":  reason,
		"retries": retries,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Warn("message_dead_lettered", fields)
}

// BusStats logs a periodic counter snapshot.
func (l *Logger) BusStats(sent, delivered, failed, retried, deadLettered, dropped uint64) {
	l.Info("bus_stats", map[string]interface{}{
		"sent":          sent,
		"delivered":     delivered,
		"failed":        failed,
		"retried":       retried,
		"dead_lettered": deadLettered,
		"dropped":       dropped,
	})
}

// --- Workflow events ---

// TaskDispatched logs a task assignment.
func (l *Logger) TaskDispatched(executionID, taskID, agentID string, attempt int) {
	l.Debug("task_dispatched", map[string]interface{}{
		"execution": executionID,
		"task":      taskID,
		"agent":     agentID,
		"attempt":   attempt,
	})
}

// TaskFinished logs a task result. Failures log at WARN.
func (l *Logger) TaskFinished(executionID, taskID, status string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"execution": executionID,
		"task":      taskID,
		"status":    status,
		"duration":  duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("task_finished", fields)
		return
	}
	l.Debug("task_finished", fields)
}

// ExecutionStart logs the start of workflow execution.
func (l *Logger) ExecutionStart(workflow, executionID string, tasks int) {
	l.Info("execution_start", map[string]interface{}{
		"workflow":  workflow,
		"execution": executionID,
		"tasks":     tasks,
	})
}

// ExecutionComplete logs the completion of workflow execution.
func (l *Logger) ExecutionComplete(workflow, executionID string, duration time.Duration, status string) {
	l.Info("execution_complete", map[string]interface{}{
		"workflow":  workflow,
		"execution": executionID,
		"duration":  duration.String(),
		"status":    status,
	})
}

// --- Orchestrator events ---

// PoolScaled logs a scaling decision.
func (l *Logger) PoolScaled(logicalType string, from, to int, utilization float64) {
	l.Info("pool_scaled", map[string]interface{}{
		"pool":        logicalType,
		"from":        from,
		"to":          to,
		"utilization": fmt.Sprintf("%.2f", utilization),
	})
}

// AgentRecovered logs an unhealthy instance being replaced.
func (l *Logger) AgentRecovered(logicalType, failedID, replacementID string) {
	l.Warn("agent_recovered", map[string]interface{}{
		"pool":        logicalType,
		"failed":      failedID,
		"replacement": replacementID,
	})
}
