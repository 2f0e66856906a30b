package security

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// AuditManager stamps events with runtime identity and forwards them to a
// logger. A nil *AuditManager is valid and records nothing.
type AuditManager struct {
	logger AuditLogger
	runID  string
	user   string
	hostID int
}

// NewAuditManager wraps logger. Each manager gets a fresh run id.
func NewAuditManager(logger AuditLogger) *AuditManager {
	return &AuditManager{
		logger: logger,
		runID:  uuid.New().String(),
		user:   GetCurrentSystemUser(),
		hostID: os.Getpid(),
	}
}

// CreateAuditManagerFromConfig opens path as a JSON-lines audit file.
// An empty path yields a nil manager.
func CreateAuditManagerFromConfig(path string) (*AuditManager, error) {
	if path == "" {
		return nil, nil
	}
	logger, err := NewFileAuditLogger(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}
	return NewAuditManager(logger), nil
}

// RunID identifies this runtime instance in the audit trail.
func (m *AuditManager) RunID() string {
	if m == nil {
		return ""
	}
	return m.runID
}

func (m *AuditManager) emit(event AuditEvent) {
	if m == nil || m.logger == nil {
		return
	}
	event.RunID = m.runID
	event.SystemUser = m.user
	event.ProcessID = m.hostID
	_ = m.logger.LogEvent(event)
}

// LogSandboxDenied records a path refused by a sandbox.
func (m *AuditManager) LogSandboxDenied(sessionID string, pid int, path, op string) {
	m.emit(AuditEvent{
		SessionID: sessionID,
		Pid:       pid,
		EventType: EventTypeSandboxDenied,
		Resource:  path,
		Action:    op,
		Success:   false,
	})
}

// LogCommandLaunch records a stage being spawned, or failing to.
func (m *AuditManager) LogCommandLaunch(sessionID string, pid int, name string, success bool, details string) {
	m.emit(AuditEvent{
		SessionID: sessionID,
		Pid:       pid,
		EventType: EventTypeCommandLaunch,
		Resource:  name,
		Action:    ActionExecute,
		Details:   details,
		Success:   success,
	})
}

// LogRegistryChange records a command being registered or retargeted.
func (m *AuditManager) LogRegistryChange(name, action string, success bool, details string) {
	m.emit(AuditEvent{
		EventType: EventTypeRegistryChange,
		Resource:  name,
		Action:    action,
		Details:   details,
		Success:   success,
	})
}

// LogSession records a session switch or close.
func (m *AuditManager) LogSession(sessionID, action string, success bool, details string) {
	m.emit(AuditEvent{
		SessionID: sessionID,
		EventType: EventTypeSession,
		Resource:  sessionID,
		Action:    action,
		Details:   details,
		Success:   success,
	})
}

// Close closes the underlying logger.
func (m *AuditManager) Close() error {
	if m == nil || m.logger == nil {
		return nil
	}
	return m.logger.Close()
}
