package types

import (
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel represents logging severity
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Stats holds server-wide counters exposed on /health.
// Counters are updated with sync/atomic; maps are guarded by their own mutex.
type Stats struct {
	TotalConnections   int64
	CurrentConnections int64
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64
	RejectedMessages   int64
	StartTime          time.Time

	DisconnectsByReason map[string]int64
	DisconnectsMu       sync.Mutex
}

// NewStats creates an empty stats block with StartTime set to now.
func NewStats() *Stats {
	return &Stats{
		StartTime:           time.Now(),
		DisconnectsByReason: make(map[string]int64),
	}
}

// RecordDisconnect increments the per-reason disconnect counter.
func (s *Stats) RecordDisconnect(reason string) {
	s.DisconnectsMu.Lock()
	s.DisconnectsByReason[reason]++
	s.DisconnectsMu.Unlock()
}

// Snapshot returns a copy of the counters safe for JSON encoding.
func (s *Stats) Snapshot() map[string]any {
	s.DisconnectsMu.Lock()
	disconnects := make(map[string]int64, len(s.DisconnectsByReason))
	for k, v := range s.DisconnectsByReason {
		disconnects[k] = v
	}
	s.DisconnectsMu.Unlock()

	return map[string]any{
		"total_connections":   atomic.LoadInt64(&s.TotalConnections),
		"current_connections": atomic.LoadInt64(&s.CurrentConnections),
		"messages_sent":       atomic.LoadInt64(&s.MessagesSent),
		"messages_received":   atomic.LoadInt64(&s.MessagesReceived),
		"bytes_sent":          atomic.LoadInt64(&s.BytesSent),
		"bytes_received":      atomic.LoadInt64(&s.BytesReceived),
		"rejected_messages":   atomic.LoadInt64(&s.RejectedMessages),
		"uptime_seconds":      int64(time.Since(s.StartTime).Seconds()),
		"disconnects":         disconnects,
	}
}
