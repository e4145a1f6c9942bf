package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"cloudguardian/internal/domain"
)

// Re-export LogLevel for convenience
type LogLevel = domain.LogLevel

const (
	LogLevelDebug = domain.LogLevelDebug
	LogLevelInfo  = domain.LogLevelInfo
	LogLevelWarn  = domain.LogLevelWarn
	LogLevelError = domain.LogLevelError
)

// StructuredLogEntry is one JSON log line. Well-known field keys are lifted
// out of the context map into their own entry fields.
type StructuredLogEntry struct {
	Timestamp    time.Time              `json:"timestamp"`
	Level        LogLevel               `json:"level"`
	Message      string                 `json:"message"`
	Operation    string                 `json:"operation,omitempty"`
	Node         string                 `json:"node,omitempty"`
	Relationship string                 `json:"relationship,omitempty"`
	Action       string                 `json:"action,omitempty"`
	Version      *int                   `json:"version,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// StructuredLogger writes entries at or above minLevel
type StructuredLogger struct {
	out      *log.Logger
	minLevel LogLevel
}

var structuredLogger = &StructuredLogger{
	out:      log.New(os.Stderr, "", 0),
	minLevel: LogLevelInfo,
}

// SetLogLevel sets the minimum log level
func SetLogLevel(level LogLevel) {
	structuredLogger.minLevel = level
}

// SetOutput redirects log lines to w
func SetOutput(w io.Writer) {
	structuredLogger.out.SetOutput(w)
}

func logLevelPriority(level LogLevel) int {
	switch level {
	case LogLevelDebug:
		return 0
	case LogLevelInfo:
		return 1
	case LogLevelWarn:
		return 2
	case LogLevelError:
		return 3
	default:
		return 1
	}
}

// lift moves a well-known field into its entry slot; it reports false for
// keys that belong in the context map
func (e *StructuredLogEntry) lift(key string, value interface{}) bool {
	switch key {
	case "operation":
		e.Operation = fmt.Sprint(value)
	case "node":
		e.Node = fmt.Sprint(value)
	case "relationship":
		e.Relationship = fmt.Sprint(value)
	case "action":
		e.Action = fmt.Sprint(value)
	case "error":
		e.Error = fmt.Sprint(value)
	case "version":
		v, ok := value.(int)
		if !ok {
			return false
		}
		e.Version = &v
	case "metrics":
		m, ok := value.(map[string]interface{})
		if !ok {
			return false
		}
		e.Metrics = m
	default:
		return false
	}
	return true
}

func logStructured(level LogLevel, message string, fields ...map[string]interface{}) {
	if logLevelPriority(level) < logLevelPriority(structuredLogger.minLevel) {
		return
	}

	entry := StructuredLogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	}
	for _, field := range fields {
		for k, v := range field {
			if entry.lift(k, v) {
				continue
			}
			if entry.Context == nil {
				entry.Context = make(map[string]interface{})
			}
			entry.Context[k] = v
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		structuredLogger.out.Printf("[%s] %s", level, message)
		return
	}
	structuredLogger.out.Println(string(line))
}

// LogDebug logs a debug message
func LogDebug(message string, fields ...map[string]interface{}) {
	logStructured(LogLevelDebug, message, fields...)
}

// LogInfo logs an info message
func LogInfo(message string, fields ...map[string]interface{}) {
	logStructured(LogLevelInfo, message, fields...)
}

// LogWarn logs a warning message
func LogWarn(message string, fields ...map[string]interface{}) {
	logStructured(LogLevelWarn, message, fields...)
}

// LogError logs an error message
func LogError(message string, err error, fields ...map[string]interface{}) {
	errorFields := make([]map[string]interface{}, 0, len(fields)+1)
	if err != nil {
		errorFields = append(errorFields, map[string]interface{}{"error": err.Error()})
	}
	errorFields = append(errorFields, fields...)
	logStructured(LogLevelError, message, errorFields...)
}

// LogOperationStart logs the start of an operation
func LogOperationStart(operation string, fields ...map[string]interface{}) {
	opFields := []map[string]interface{}{
		{"operation": operation},
	}
	opFields = append(opFields, fields...)
	LogInfo(fmt.Sprintf("Starting operation: %s", operation), opFields...)
}

// LogOperationEnd logs the end of an operation
func LogOperationEnd(operation string, duration time.Duration, success bool, itemsProcessed, itemsFound int, err error) {
	fields := []map[string]interface{}{
		{
			"operation":       operation,
			"duration_ms":     duration.Milliseconds(),
			"success":         success,
			"items_processed": itemsProcessed,
			"items_found":     itemsFound,
		},
	}
	if err != nil {
		fields = append(fields, map[string]interface{}{"error": err.Error()})
	}
	if success {
		LogInfo(fmt.Sprintf("Completed operation: %s", operation), fields...)
	} else {
		LogError(fmt.Sprintf("Failed operation: %s", operation), err, fields...)
	}
}

// LogAPICall logs an API call
func LogAPICall(apiName string, success bool, duration time.Duration, err error) {
	fields := []map[string]interface{}{
		{
			"api_name":    apiName,
			"success":     success,
			"duration_ms": duration.Milliseconds(),
		},
	}
	if err != nil {
		fields = append(fields, map[string]interface{}{"error": err.Error()})
	}
	if success {
		LogDebug(fmt.Sprintf("API call: %s", apiName), fields...)
	} else {
		LogWarn(fmt.Sprintf("API call failed: %s", apiName), fields...)
	}
}

// LogRelationship logs the outcome of committing one relationship to the graph
func LogRelationship(kind string, source, target string, outcome string, err error) {
	fields := []map[string]interface{}{
		{
			"node":         source,
			"target":       target,
			"relationship": kind,
			"outcome":      outcome,
		},
	}
	if err != nil {
		fields = append(fields, map[string]interface{}{"error": err.Error()})
		LogWarn(fmt.Sprintf("Relationship rejected: %s %s -> %s", kind, source, target), fields...)
		return
	}
	LogDebug(fmt.Sprintf("Relationship %s: %s %s -> %s", outcome, kind, source, target), fields...)
}

// LogStep logs a simulation step applied by (or rejected for) an entity
func LogStep(entity string, action string, version int, err error) {
	fields := []map[string]interface{}{
		{
			"node":    entity,
			"action":  action,
			"version": version,
		},
	}
	if err != nil {
		fields = append(fields, map[string]interface{}{"error": err.Error()})
		LogWarn(fmt.Sprintf("Simulation step rejected: %s by %s", action, entity), fields...)
		return
	}
	LogInfo(fmt.Sprintf("Simulation step applied: %s by %s", action, entity), fields...)
}
