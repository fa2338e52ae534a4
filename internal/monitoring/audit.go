package monitoring

import (
	"github.com/rs/zerolog"
)

// AuditLevel represents the severity of an audit event
type AuditLevel string

const (
	DEBUG    AuditLevel = "DEBUG"    // Detailed debug information
	INFO     AuditLevel = "INFO"     // Normal operations
	WARNING  AuditLevel = "WARNING"  // Warning but service continues
	ERROR    AuditLevel = "ERROR"    // Error occurred, may affect some users
	CRITICAL AuditLevel = "CRITICAL" // Critical issue, service degraded/down
)

var auditLevelRank = map[AuditLevel]int{
	DEBUG:    0,
	INFO:     1,
	WARNING:  2,
	ERROR:    3,
	CRITICAL: 4,
}

// Audit event names for security-relevant activity.
const (
	AuditAuthFailed         = "AuthFailed"
	AuditAuthTimeout        = "AuthTimeout"
	AuditAuthSucceeded      = "AuthSucceeded"
	AuditConnectionLimit    = "ConnectionLimitReached"
	AuditSubscriptionDenied = "SubscriptionDenied"
	AuditRateLimitViolation = "RateLimitViolation"
	AuditSuspiciousActivity = "SuspiciousActivity"
	AuditFingerprintChanged = "FingerprintMismatch"
	AuditDeadLettered       = "MessageDeadLettered"
	AuditQueueEviction      = "QueueEviction"
	AuditSessionTimeout     = "SessionTimeout"
)

// AuditSink is the narrow interface components depend on for security events.
type AuditSink interface {
	Info(event, message string, metadata map[string]any)
	Warning(event, message string, metadata map[string]any)
	Error(event, message string, metadata map[string]any)
}

// AuditLogger writes audit events as structured log entries tagged audit=true.
// Events at WARNING and above are also forwarded to the alerter when one is set.
type AuditLogger struct {
	logger   zerolog.Logger
	minLevel AuditLevel
	alerter  Alerter
}

func NewAuditLogger(logger zerolog.Logger, minLevel AuditLevel) *AuditLogger {
	return &AuditLogger{
		logger:   logger.With().Bool("audit", true).Logger(),
		minLevel: minLevel,
	}
}

func (a *AuditLogger) SetAlerter(alerter Alerter) {
	a.alerter = alerter
}

// Log records an event at the given level.
func (a *AuditLogger) Log(level AuditLevel, event, message string, metadata map[string]any) {
	if auditLevelRank[level] < auditLevelRank[a.minLevel] {
		return
	}

	var entry *zerolog.Event
	switch level {
	case DEBUG:
		entry = a.logger.Debug()
	case INFO:
		entry = a.logger.Info()
	case WARNING:
		entry = a.logger.Warn()
	default:
		entry = a.logger.Error()
	}

	entry.
		Str("audit_level", string(level)).
		Str("event", event).
		Fields(metadata).
		Msg(message)

	if a.alerter != nil && auditLevelRank[level] >= auditLevelRank[WARNING] {
		a.alerter.Alert(level, message, withEvent(event, metadata))
	}
}

func withEvent(event string, metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["event"] = event
	return out
}

func (a *AuditLogger) Debug(event, message string, metadata map[string]any) {
	a.Log(DEBUG, event, message, metadata)
}

func (a *AuditLogger) Info(event, message string, metadata map[string]any) {
	a.Log(INFO, event, message, metadata)
}

func (a *AuditLogger) Warning(event, message string, metadata map[string]any) {
	a.Log(WARNING, event, message, metadata)
}

func (a *AuditLogger) Error(event, message string, metadata map[string]any) {
	a.Log(ERROR, event, message, metadata)
}

func (a *AuditLogger) Critical(event, message string, metadata map[string]any) {
	a.Log(CRITICAL, event, message, metadata)
}

// NopAudit discards audit events.
type NopAudit struct{}

func (NopAudit) Info(string, string, map[string]any)    {}
func (NopAudit) Warning(string, string, map[string]any) {}
func (NopAudit) Error(string, string, map[string]any)   {}
