package monitoring

import (
	"sync"

	"github.com/rs/zerolog"
)

// Alerter receives audit events that need operator attention.
type Alerter interface {
	Alert(level AuditLevel, message string, metadata map[string]any)
}

// MultiAlerter fans an alert out to several alerters.
type MultiAlerter struct {
	alerters []Alerter
}

func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters}
}

func (m *MultiAlerter) Alert(level AuditLevel, message string, metadata map[string]any) {
	for _, alerter := range m.alerters {
		alerter.Alert(level, message, metadata)
	}
}

// ConsoleAlerter writes alerts through the structured logger.
type ConsoleAlerter struct {
	logger zerolog.Logger
}

func NewConsoleAlerter(logger zerolog.Logger) *ConsoleAlerter {
	return &ConsoleAlerter{logger: logger.With().Str("component", "alerter").Logger()}
}

func (c *ConsoleAlerter) Alert(level AuditLevel, message string, metadata map[string]any) {
	c.logger.Warn().
		Str("alert_level", string(level)).
		Fields(metadata).
		Msg(message)
}

// RecordingAlerter keeps alerts in memory. Used by tests and the /health endpoint.
type RecordingAlerter struct {
	mu     sync.Mutex
	alerts []RecordedAlert
	limit  int
}

// RecordedAlert is one captured alert.
type RecordedAlert struct {
	Level    AuditLevel
	Message  string
	Metadata map[string]any
}

func NewRecordingAlerter(limit int) *RecordingAlerter {
	if limit <= 0 {
		limit = 100
	}
	return &RecordingAlerter{limit: limit}
}

func (r *RecordingAlerter) Alert(level AuditLevel, message string, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, RecordedAlert{Level: level, Message: message, Metadata: metadata})
	if len(r.alerts) > r.limit {
		r.alerts = r.alerts[len(r.alerts)-r.limit:]
	}
}

// Alerts returns a copy of the captured alerts, oldest first.
func (r *RecordingAlerter) Alerts() []RecordedAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedAlert, len(r.alerts))
	copy(out, r.alerts)
	return out
}
