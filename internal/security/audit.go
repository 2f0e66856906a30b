package security

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Security audit trail for the pseudo-process runtime.
//
// The runtime has a single real isolation boundary (the path sandbox), so
// the audit trail focuses on:
// - paths refused by a session sandbox
// - command launches and the session that owned them
// - runtime changes to the command table
// - session lifecycle (switch / close)

// AuditEvent represents a single audit record
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	SystemUser string    `json:"system_user"`
	ProcessID  int       `json:"process_id"` // host OS process
	RunID      string    `json:"run_id"`     // identifies one runtime instance
	SessionID  string    `json:"session_id"`
	Pid        int       `json:"pid"` // synthetic pid, 0 when not process related
	EventType  string    `json:"event_type"`
	Resource   string    `json:"resource"`
	Action     string    `json:"action"`
	Details    string    `json:"details"`
	Success    bool      `json:"success"`
}

// Event types
const (
	EventTypeSandboxDenied  = "SANDBOX_DENIED"
	EventTypeCommandLaunch  = "COMMAND_LAUNCH"
	EventTypeRegistryChange = "REGISTRY_CHANGE"
	EventTypeSession        = "SESSION"
)

// Actions
const (
	ActionRead     = "read"
	ActionWrite    = "write"
	ActionExecute  = "execute"
	ActionRegister = "register"
	ActionReplace  = "replace"
	ActionSwitch   = "switch"
	ActionClose    = "close"
	ActionValidate = "validate"
)

// AuditLogger is the sink for audit events
type AuditLogger interface {
	LogEvent(event AuditEvent) error
	Close() error
}

// FileAuditLogger writes one JSON object per line
type FileAuditLogger struct {
	file   io.WriteCloser
	log    zerolog.Logger
	mutex  sync.Mutex
	closed bool
}

// NewFileAuditLogger creates a new file-based audit logger
func NewFileAuditLogger(filename string) (*FileAuditLogger, error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return newWriterAuditLogger(file), nil
}

func newWriterAuditLogger(w io.WriteCloser) *FileAuditLogger {
	return &FileAuditLogger{
		file: w,
		log:  zerolog.New(w),
	}
}

// LogEvent appends an audit event
func (l *FileAuditLogger) LogEvent(event AuditEvent) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return fmt.Errorf("audit logger is closed")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.log.Log().
		Str("timestamp", event.Timestamp.Format(time.RFC3339Nano)).
		Str("system_user", event.SystemUser).
		Int("process_id", event.ProcessID).
		Str("run_id", event.RunID).
		Str("session_id", event.SessionID).
		Int("pid", event.Pid).
		Str("event_type", event.EventType).
		Str("resource", event.Resource).
		Str("action", event.Action).
		Str("details", event.Details).
		Bool("success", event.Success).
		Send()

	if f, ok := l.file.(*os.File); ok {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync audit log: %w", err)
		}
	}
	return nil
}

// Close closes the audit logger
func (l *FileAuditLogger) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}

// GetCurrentSystemUser returns the current OS username
func GetCurrentSystemUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" { // Windows
		return user
	}
	return "unknown"
}
