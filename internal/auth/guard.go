package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
)

const (
	DefaultSessionTimeout     = 30 * time.Minute
	DefaultIdleTimeout        = 5 * time.Minute
	DefaultReconnectThreshold = 10
	DefaultReconnectWindow    = time.Minute
	DefaultMaxMessagesPerSec  = 100
	DefaultMaxFailedAttempts  = 5

	guardShards = 32
)

// Auth attempt results for metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultRevoked = "revoked"
)

// GuardConfig holds timeouts and suspicion thresholds. Zero values fall back
// to the defaults above.
type GuardConfig struct {
	SessionTimeout     time.Duration
	IdleTimeout        time.Duration
	ReconnectThreshold int
	ReconnectWindow    time.Duration
	MaxMessagesPerSec  int
	MaxFailedAttempts  int
	Logger             zerolog.Logger
	Audit              monitoring.AuditSink
	Now                func() time.Time
}

// Fingerprint identifies the device a session connected from.
type Fingerprint struct {
	ClientIP  string
	UserAgent string
	Hash      string
}

func newFingerprint(clientAddr, userAgent string) Fingerprint {
	ip := clientIP(clientAddr)
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return Fingerprint{ClientIP: ip, UserAgent: userAgent, Hash: hex.EncodeToString(sum[:8])}
}

func clientIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

type activity struct {
	userID       string
	connectedAt  time.Time
	lastActivity time.Time
	messageCount int64
	fingerprint  Fingerprint
}

// SessionStats is a snapshot of one tracked session.
type SessionStats struct {
	SessionID  string        `json:"sessionId"`
	UserID     string        `json:"userId"`
	Age        time.Duration `json:"age"`
	Idle       time.Duration `json:"idle"`
	Messages   int64         `json:"messages"`
	Reconnects int           `json:"reconnects"`
}

// Stats summarizes guard state.
type Stats struct {
	TrackedSessions int   `json:"trackedSessions"`
	TrackedUsers    int   `json:"trackedUsers"`
	AuthSuccesses   int64 `json:"authSuccesses"`
	AuthFailures    int64 `json:"authFailures"`
}

type guardShard struct {
	mu       sync.Mutex
	sessions map[string]*activity
	failures map[string]int
	connects map[string][]time.Time // user → connect times inside the window
}

// Guard authenticates connections and tracks per-session activity for
// timeouts and abuse heuristics.
type Guard struct {
	verifier TokenVerifier
	config   GuardConfig
	logger   zerolog.Logger
	audit    monitoring.AuditSink
	now      func() time.Time

	shards [guardShards]guardShard

	successes atomic.Int64
	failures  atomic.Int64
}

func NewGuard(verifier TokenVerifier, config GuardConfig) *Guard {
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = DefaultSessionTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.ReconnectThreshold <= 0 {
		config.ReconnectThreshold = DefaultReconnectThreshold
	}
	if config.ReconnectWindow <= 0 {
		config.ReconnectWindow = DefaultReconnectWindow
	}
	if config.MaxMessagesPerSec <= 0 {
		config.MaxMessagesPerSec = DefaultMaxMessagesPerSec
	}
	if config.MaxFailedAttempts <= 0 {
		config.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if config.Audit == nil {
		config.Audit = monitoring.NopAudit{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	g := &Guard{
		verifier: verifier,
		config:   config,
		logger:   config.Logger.With().Str("component", "auth").Logger(),
		audit:    config.Audit,
		now:      config.Now,
	}
	for i := range g.shards {
		g.shards[i] = guardShard{
			sessions: make(map[string]*activity),
			failures: make(map[string]int),
			connects: make(map[string][]time.Time),
		}
	}
	return g
}

func (g *Guard) shard(key string) *guardShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &g.shards[h.Sum32()%guardShards]
}

// MaxFailedAttempts is the number of failed auth attempts after which the
// connection should be closed.
func (g *Guard) MaxFailedAttempts() int { return g.config.MaxFailedAttempts }

// Authenticate verifies token. The returned error is always ErrInvalidToken;
// the real reason only goes to the audit log.
func (g *Guard) Authenticate(ctx context.Context, token, clientAddr, userAgent string) (Principal, error) {
	meta := map[string]any{
		"client_ip":  clientIP(clientAddr),
		"user_agent": userAgent,
	}

	if strings.TrimSpace(token) == "" {
		g.reject("missing token", meta, ResultFailure)
		return Principal{}, ErrInvalidToken
	}

	p, err := g.verifier.Verify(ctx, token)
	if err != nil {
		result := ResultFailure
		if errors.Is(err, ErrTokenRevoked) {
			result = ResultRevoked
		}
		g.reject(err.Error(), meta, result)
		return Principal{}, ErrInvalidToken
	}

	g.successes.Add(1)
	monitoring.RecordAuthAttempt(ResultSuccess)
	meta["user_id"] = p.UserID
	meta["role"] = p.Role
	g.audit.Info(monitoring.AuditAuthSucceeded, "Authentication succeeded", meta)
	return p, nil
}

func (g *Guard) reject(reason string, meta map[string]any, result string) {
	g.failures.Add(1)
	monitoring.RecordAuthAttempt(result)
	meta["reason"] = reason
	g.audit.Warning(monitoring.AuditAuthFailed, "Authentication failed", meta)
}

// RecordFailure counts a failed auth attempt on a connection and returns the
// running total.
func (g *Guard) RecordFailure(sessionID string) int {
	sh := g.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.failures[sessionID]++
	return sh.failures[sessionID]
}

// RegisterSession starts tracking an authenticated session and counts it as a
// connect for the user's reconnect window.
func (g *Guard) RegisterSession(sessionID, userID, clientAddr, userAgent string) {
	now := g.now()

	sh := g.shard(sessionID)
	sh.mu.Lock()
	sh.sessions[sessionID] = &activity{
		userID:       userID,
		connectedAt:  now,
		lastActivity: now,
		fingerprint:  newFingerprint(clientAddr, userAgent),
	}
	delete(sh.failures, sessionID)
	sh.mu.Unlock()

	us := g.shard(userID)
	us.mu.Lock()
	us.connects[userID] = append(trimBefore(us.connects[userID], now.Add(-g.config.ReconnectWindow)), now)
	us.mu.Unlock()

	g.logger.Debug().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Msg("Registered session activity")
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

// UpdateActivity marks one inbound message on the session.
func (g *Guard) UpdateActivity(sessionID string) {
	sh := g.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if a, ok := sh.sessions[sessionID]; ok {
		a.lastActivity = g.now()
		a.messageCount++
	}
}

// IsTimedOut reports whether the session exceeded its absolute age or idle
// time. Unknown sessions count as timed out.
func (g *Guard) IsTimedOut(sessionID string) bool {
	now := g.now()

	sh := g.shard(sessionID)
	sh.mu.Lock()
	a, ok := sh.sessions[sessionID]
	var age, idle time.Duration
	if ok {
		age = now.Sub(a.connectedAt)
		idle = now.Sub(a.lastActivity)
	}
	sh.mu.Unlock()

	if !ok {
		return true
	}
	if age > g.config.SessionTimeout {
		g.logger.Warn().Str("session_id", sessionID).Dur("age", age).Msg("Session exceeded absolute timeout")
		g.audit.Info(monitoring.AuditSessionTimeout, "Session timed out", map[string]any{
			"session_id": sessionID, "kind": "absolute", "age_ms": age.Milliseconds(),
		})
		return true
	}
	if idle > g.config.IdleTimeout {
		g.logger.Warn().Str("session_id", sessionID).Dur("idle", idle).Msg("Session idle timeout")
		g.audit.Info(monitoring.AuditSessionTimeout, "Session timed out", map[string]any{
			"session_id": sessionID, "kind": "idle", "idle_ms": idle.Milliseconds(),
		})
		return true
	}
	return false
}

// DetectSuspicious flags bursts of reconnects by the user or a sustained
// message rate above MaxMessagesPerSec on the session. The rate is averaged
// over the session age, with at least one second as the denominator.
func (g *Guard) DetectSuspicious(sessionID, userID string) bool {
	now := g.now()

	if reconnects := g.reconnects(userID, now); reconnects > g.config.ReconnectThreshold {
		g.flag(sessionID, userID, "reconnect_burst", map[string]any{
			"reconnects": reconnects,
			"window":     g.config.ReconnectWindow.String(),
		})
		return true
	}

	sh := g.shard(sessionID)
	sh.mu.Lock()
	a, ok := sh.sessions[sessionID]
	var count int64
	var age time.Duration
	if ok {
		count = a.messageCount
		age = now.Sub(a.connectedAt)
	}
	sh.mu.Unlock()
	if !ok {
		return false
	}

	if age < time.Second {
		age = time.Second
	}
	rate := float64(count) / age.Seconds()
	if rate > float64(g.config.MaxMessagesPerSec) {
		g.flag(sessionID, userID, "message_rate", map[string]any{
			"rate_per_sec": rate,
			"messages":     count,
		})
		return true
	}
	return false
}

func (g *Guard) reconnects(userID string, now time.Time) int {
	if userID == "" {
		return 0
	}
	us := g.shard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	times := trimBefore(us.connects[userID], now.Add(-g.config.ReconnectWindow))
	if len(times) == 0 {
		delete(us.connects, userID)
	} else {
		us.connects[userID] = times
	}
	return len(times)
}

func (g *Guard) flag(sessionID, userID, pattern string, meta map[string]any) {
	meta["session_id"] = sessionID
	meta["user_id"] = userID
	meta["pattern"] = pattern
	g.logger.Warn().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("pattern", pattern).
		Msg("Suspicious activity detected")
	g.audit.Warning(monitoring.AuditSuspiciousActivity, "Suspicious activity detected", meta)
}

func (g *Guard) Fingerprint(sessionID string) (Fingerprint, bool) {
	sh := g.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	a, ok := sh.sessions[sessionID]
	if !ok {
		return Fingerprint{}, false
	}
	return a.fingerprint, true
}

// VerifyFingerprint compares the current address and user agent with the ones
// recorded at connect. A mismatch is logged and audited; callers decide
// whether to act on it.
func (g *Guard) VerifyFingerprint(sessionID, clientAddr, userAgent string) bool {
	recorded, ok := g.Fingerprint(sessionID)
	if !ok {
		g.logger.Warn().Str("session_id", sessionID).Msg("No fingerprint found for session")
		return false
	}

	current := newFingerprint(clientAddr, userAgent)
	if current.Hash == recorded.Hash {
		return true
	}

	g.logger.Warn().
		Str("session_id", sessionID).
		Str("recorded_ip", recorded.ClientIP).
		Str("current_ip", current.ClientIP).
		Bool("user_agent_changed", recorded.UserAgent != current.UserAgent).
		Msg("Device fingerprint changed")
	g.audit.Warning(monitoring.AuditFingerprintChanged, "Device fingerprint changed", map[string]any{
		"session_id":  sessionID,
		"recorded_ip": recorded.ClientIP,
		"current_ip":  current.ClientIP,
	})
	return false
}

func (g *Guard) SessionStats(sessionID string) (SessionStats, bool) {
	now := g.now()

	sh := g.shard(sessionID)
	sh.mu.Lock()
	a, ok := sh.sessions[sessionID]
	var stats SessionStats
	if ok {
		stats = SessionStats{
			SessionID: sessionID,
			UserID:    a.userID,
			Age:       now.Sub(a.connectedAt),
			Idle:      now.Sub(a.lastActivity),
			Messages:  a.messageCount,
		}
	}
	sh.mu.Unlock()

	if !ok {
		return SessionStats{}, false
	}
	stats.Reconnects = g.reconnects(stats.UserID, now)
	return stats, true
}

// Cleanup forgets everything tracked for the session. Reconnect history is
// per user and survives.
func (g *Guard) Cleanup(sessionID string) {
	sh := g.shard(sessionID)
	sh.mu.Lock()
	delete(sh.sessions, sessionID)
	delete(sh.failures, sessionID)
	sh.mu.Unlock()
}

// Sweep drops reconnect history older than the window. Returns the number of
// users forgotten.
func (g *Guard) Sweep() int {
	cutoff := g.now().Add(-g.config.ReconnectWindow)
	removed := 0
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.Lock()
		for userID, times := range sh.connects {
			times = trimBefore(times, cutoff)
			if len(times) == 0 {
				delete(sh.connects, userID)
				removed++
				continue
			}
			sh.connects[userID] = times
		}
		sh.mu.Unlock()
	}
	return removed
}

func (g *Guard) Stats() Stats {
	stats := Stats{
		AuthSuccesses: g.successes.Load(),
		AuthFailures:  g.failures.Load(),
	}
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.Lock()
		stats.TrackedSessions += len(sh.sessions)
		stats.TrackedUsers += len(sh.connects)
		sh.mu.Unlock()
	}
	return stats
}
