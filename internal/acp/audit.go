package acp

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// AuditOperation identifies the kind of event recorded in the audit trail.
type AuditOperation string

const (
	AuditPermissionAllowAlways  AuditOperation = "permission.allow_always"
	AuditPermissionAllowOnce    AuditOperation = "permission.allow_once"
	AuditPermissionRejectAlways AuditOperation = "permission.reject_always"
	AuditPermissionRejectOnce   AuditOperation = "permission.reject_once"
	AuditPermissionCancel       AuditOperation = "permission.cancel"
	AuditSessionCreated         AuditOperation = "session.created"
	AuditSessionClosed          AuditOperation = "session.closed"
)

// AuditEvent is one entry in the permission-decision / session-lifecycle
// audit trail. It is emitted independent of whether the permission store
// actually persisted a rule.
type AuditEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	Operation   AuditOperation `json:"operation"`
	SessionID   string         `json:"session_id,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// AuditLogger writes structured audit events to a slog JSON handler.
type AuditLogger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultAuditLogger *AuditLogger
	auditOnce          sync.Once
)

// DefaultAuditLogger returns the process-wide audit logger.
func DefaultAuditLogger() *AuditLogger {
	auditOnce.Do(func() {
		defaultAuditLogger = NewAuditLogger(true)
	})
	return defaultAuditLogger
}

// NewAuditLogger creates an audit logger writing JSON lines to stdout.
func NewAuditLogger(enabled bool) *AuditLogger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &AuditLogger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled toggles whether Log actually emits anything.
func (l *AuditLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event.
func (l *AuditLogger) Log(event *AuditEvent) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.ToolCallID != "" {
		attrs = append(attrs, slog.String("tool_call_id", event.ToolCallID))
	}
	if event.ToolName != "" {
		attrs = append(attrs, slog.String("tool_name", event.ToolName))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// LogPermissionDecision records the terminal outcome of a permission request.
func (l *AuditLogger) LogPermissionDecision(sessionID, toolCallID, toolName string, decision PermissionDecision) {
	op, ok := permissionAuditOp[decision]
	if !ok {
		return
	}
	l.Log(&AuditEvent{
		Operation:  op,
		SessionID:  sessionID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Success:    true,
	})
}

var permissionAuditOp = map[PermissionDecision]AuditOperation{
	DecisionAllowAlways:  AuditPermissionAllowAlways,
	DecisionAllowOnce:    AuditPermissionAllowOnce,
	DecisionRejectAlways: AuditPermissionRejectAlways,
	DecisionRejectOnce:   AuditPermissionRejectOnce,
	DecisionCancel:       AuditPermissionCancel,
}
