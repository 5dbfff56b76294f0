// Package logging provides a structured, category-tagged JSON-lines logger
// for the orchestration engine. Events are fanned out to a per-workflow
// session log, an errors-only log, and a quota/backoff log.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log.
type Category string

const (
	CategoryResourceSizer Category = "resource_sizer"
	CategoryRateGovernor  Category = "rate_governor"
	CategoryWorkerPool    Category = "worker_pool"
	CategoryDistributor   Category = "distributor"
	CategoryWorkflow      Category = "workflow"
	CategoryEventBus      Category = "event_bus"
)

// Event represents a structured log event.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	Level      Level             `json:"level"`
	Category   Category          `json:"category"`
	EventType  string            `json:"type"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	ItemID     string            `json:"item_id,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty"`
	Details    map[string]any    `json:"details,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// Logger writes structured events to multiple destinations.
type Logger struct {
	workflowID  string
	baseDir     string
	sessionFile *os.File
	errorFile   *os.File
	quotaFile   *os.File
	mu          sync.Mutex
	minLevel    Level
}

// NewLogger creates a new structured logger rooted at baseDir.
func NewLogger(baseDir, workflowID string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	sessionsDir := filepath.Join(baseDir, "workflows")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workflows directory: %w", err)
	}

	sessionFile, err := os.OpenFile(
		filepath.Join(sessionsDir, workflowID+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		sessionFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	quotaFile, err := os.OpenFile(
		filepath.Join(baseDir, "quota.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		sessionFile.Close()
		errorFile.Close()
		return nil, fmt.Errorf("failed to open quota log: %w", err)
	}

	return &Logger{
		workflowID:  workflowID,
		baseDir:     baseDir,
		sessionFile: sessionFile,
		errorFile:   errorFile,
		quotaFile:   quotaFile,
		minLevel:    LevelInfo,
	}, nil
}

// SetMinLevel sets the minimum log level.
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes an event to appropriate destinations.
func (l *Logger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if event.WorkflowID == "" {
		event.WorkflowID = l.workflowID
	}

	if !l.shouldLog(event.Level) {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.sessionFile != nil {
		if _, err := l.sessionFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to workflow log: %w", err)
		}
	}

	if event.Level == LevelError && l.errorFile != nil {
		if _, err := l.errorFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to error log: %w", err)
		}
	}

	if event.Category == CategoryRateGovernor && l.quotaFile != nil {
		if _, err := l.quotaFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to quota log: %w", err)
		}
	}

	return nil
}

// shouldLog checks if event should be logged based on level.
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.minLevel]
}

// Debug logs a debug event.
func (l *Logger) Debug(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelDebug, Category: category, EventType: eventType, Message: message, Details: details})
}

// Info logs an info event.
func (l *Logger) Info(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelInfo, Category: category, EventType: eventType, Message: message, Details: details})
}

// Warn logs a warning event.
func (l *Logger) Warn(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelWarn, Category: category, EventType: eventType, Message: message, Details: details})
}

// Error logs an error event.
func (l *Logger) Error(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelError, Category: category, EventType: eventType, Message: message, Details: details})
}

// Close closes all log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.sessionFile != nil {
		if err := l.sessionFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.errorFile != nil {
		if err := l.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.quotaFile != nil {
		if err := l.quotaFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

// ReadRecentEvents reads the last N events from a workflow log.
func ReadRecentEvents(logPath string, count int) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	var lines []string
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		data, _ := json.Marshal(event)
		lines = append(lines, string(data))
	}

	start := 0
	if len(lines) > count {
		start = len(lines) - count
	}

	events := make([]Event, 0, len(lines)-start)
	for i := start; i < len(lines); i++ {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err == nil {
			events = append(events, event)
		}
	}

	return events, nil
}
