// Package coordinator drives the lifecycle of one physical connection: open,
// authenticate, dispatch client commands, heartbeat, close.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_fanout/internal/auth"
	"github.com/adred-codev/ws_fanout/internal/monitoring"
	"github.com/adred-codev/ws_fanout/internal/protocol"
	"github.com/adred-codev/ws_fanout/internal/queue"
	"github.com/adred-codev/ws_fanout/internal/session"
	"github.com/adred-codev/ws_fanout/internal/subscription"
)

const (
	DefaultAuthTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultSubscribePriority = 1

	// tokenRefreshWindow is how close to expiry a token gets logged as due
	// for refresh.
	tokenRefreshWindow = 5 * time.Minute
)

// Config holds lifecycle timings.
type Config struct {
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Logger            zerolog.Logger
	Audit             monitoring.AuditSink
	Now               func() time.Time

	// OnDisconnect, when set, is told the reason of every session teardown.
	OnDisconnect func(reason string)
}

// Coordinator wires the registry, subscription store, queue and auth guard
// to connection events.
type Coordinator struct {
	registry *session.Registry
	store    *subscription.Store
	queue    *queue.Queue
	guard    *auth.Guard
	policy   subscription.Policy

	config Config
	logger zerolog.Logger
	audit  monitoring.AuditSink
	now    func() time.Time

	authTimers sync.Map // session id → *time.Timer
}

func New(registry *session.Registry, store *subscription.Store, q *queue.Queue, guard *auth.Guard, policy subscription.Policy, config Config) *Coordinator {
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = DefaultAuthTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if config.Audit == nil {
		config.Audit = monitoring.NopAudit{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if policy == nil {
		policy = subscription.DefaultPolicy()
	}

	return &Coordinator{
		registry: registry,
		store:    store,
		queue:    q,
		guard:    guard,
		policy:   policy,
		config:   config,
		logger:   config.Logger.With().Str("component", "coordinator").Logger(),
		audit:    config.Audit,
		now:      config.Now,
	}
}

// Open registers an unauthenticated session for conn, asks the client to
// authenticate and arms the auth timer.
func (c *Coordinator) Open(conn session.Conn) string {
	// Unauthenticated registration has no per-user cap and cannot fail.
	s, _ := c.registry.Register(conn, "", "", false)
	monitoring.RecordConnect()

	conn.Send(protocol.AuthRequired(c.now()))

	id := s.ID
	timer := time.AfterFunc(c.config.AuthTimeout, func() { c.authExpired(id) })
	c.authTimers.Store(id, timer)

	c.logger.Debug().
		Str("session_id", id).
		Str("remote_addr", conn.RemoteAddr()).
		Msg("Connection opened")
	return id
}

func (c *Coordinator) authExpired(sessionID string) {
	c.authTimers.Delete(sessionID)
	s, ok := c.registry.Session(sessionID)
	if !ok || s.Authenticated() {
		return
	}

	c.audit.Warning(monitoring.AuditAuthTimeout, "Authentication timeout", map[string]any{
		"session_id":  sessionID,
		"remote_addr": s.Conn().RemoteAddr(),
	})
	c.disconnect(sessionID, protocol.CloseViolatedPolicy, "Authentication timeout", monitoring.DisconnectReasonAuthTimeout)
}

func (c *Coordinator) stopAuthTimer(sessionID string) {
	if v, ok := c.authTimers.LoadAndDelete(sessionID); ok {
		v.(*time.Timer).Stop()
	}
}

// disconnect closes the connection from the server side and tears the
// session down.
func (c *Coordinator) disconnect(sessionID string, code protocol.CloseCode, reason, metricReason string) {
	if s, ok := c.registry.Session(sessionID); ok && s.Conn() != nil {
		s.Conn().Close(code, reason)
	}
	c.teardown(sessionID, code, metricReason, monitoring.DisconnectInitiatedByServer)
}

// Close tears down a session whose connection closed. Safe to call more than
// once.
func (c *Coordinator) Close(sessionID string, code protocol.CloseCode) {
	reason := monitoring.DisconnectReasonClientInitiated
	if code != protocol.CloseNormal && code != protocol.CloseGoingAway {
		reason = monitoring.DisconnectReasonReadError
	}
	c.teardown(sessionID, code, reason, monitoring.DisconnectInitiatedByClient)
}

// Error tears down a session after a transport error.
func (c *Coordinator) Error(sessionID string, err error) {
	c.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Connection error")
	monitoring.RecordError(monitoring.ErrorTypeConnection, monitoring.ErrorSeverityWarning)
	c.disconnect(sessionID, protocol.CloseUnexpectedCondition, "Internal error", monitoring.DisconnectReasonInternalError)
}

func (c *Coordinator) teardown(sessionID string, code protocol.CloseCode, reason, initiatedBy string) {
	c.stopAuthTimer(sessionID)

	s := c.registry.Unregister(sessionID)
	if s == nil {
		return
	}
	c.guard.Cleanup(sessionID)
	c.store.ReleaseSession(sessionID)

	duration := c.now().Sub(s.ConnectedAt)
	monitoring.RecordDisconnect(reason, initiatedBy, duration)
	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect(reason)
	}
	c.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", s.UserID()).
		Str("close_code", code.String()).
		Str("reason", reason).
		Dur("duration", duration).
		Msg("Session closed")
}

// startHeartbeat pings the client every HeartbeatInterval and drops it when
// nothing arrived for HeartbeatTimeout. The registry owns the cancel func.
func (c *Coordinator) startHeartbeat(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	if !c.registry.SetHeartbeat(sessionID, cancel) {
		return
	}

	go func() {
		defer monitoring.RecoverPanic(c.logger, "heartbeat", map[string]any{"session_id": sessionID})

		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s, ok := c.registry.Session(sessionID)
				if !ok {
					return
				}
				if c.now().Sub(s.LastHeartbeat()) > c.config.HeartbeatTimeout {
					c.logger.Info().Str("session_id", sessionID).Msg("Heartbeat timeout")
					c.disconnect(sessionID, protocol.CloseGoingAway, "Heartbeat timeout", monitoring.DisconnectReasonHeartbeatTimeout)
					return
				}
				c.registry.SendToSession(sessionID, protocol.PingMessage(c.now()))
			}
		}
	}()
}

// Broadcast publishes payload on channel. priority is the wire integer
// priority, mapped onto queue classes for offline delivery.
func (c *Coordinator) Broadcast(ctx context.Context, channel string, payload []byte, priority int) session.BroadcastResult {
	return c.registry.Broadcast(ctx, channel, payload, queue.PriorityFromInt(priority))
}

// MaintenanceReport counts what one Maintain pass did.
type MaintenanceReport struct {
	ExpiredSubscriptions int `json:"expiredSubscriptions"`
	SweptWindows         int `json:"sweptWindows"`
	ExpiredAcks          int `json:"expiredAcks"`
	TimedOutSessions     int `json:"timedOutSessions"`
	Drained              int `json:"drained"`
	ForgottenUsers       int `json:"forgottenUsers"`
}

// Maintain runs the periodic sweeps: subscription expiry, rate-limit windows,
// ack timeouts, session timeouts and an opportunistic drain.
func (c *Coordinator) Maintain(ctx context.Context) MaintenanceReport {
	var report MaintenanceReport

	report.ExpiredSubscriptions = c.store.CleanupExpired(ctx)
	report.SweptWindows = c.store.SweepWindows()
	report.ExpiredAcks = c.queue.CleanupExpiredAcks()
	report.ForgottenUsers = c.guard.Sweep()

	for _, s := range c.registry.Sessions() {
		if !s.Authenticated() {
			continue
		}
		if c.guard.IsTimedOut(s.ID) {
			c.disconnect(s.ID, protocol.CloseGoingAway, "Session timeout", monitoring.DisconnectReasonSessionTimeout)
			report.TimedOutSessions++
		}
	}

	report.Drained = c.registry.DrainConnected(ctx)

	c.logger.Debug().
		Int("expired_subscriptions", report.ExpiredSubscriptions).
		Int("swept_windows", report.SweptWindows).
		Int("expired_acks", report.ExpiredAcks).
		Int("timed_out_sessions", report.TimedOutSessions).
		Int("drained", report.Drained).
		Msg("Maintenance pass complete")
	return report
}

// Stats is the server-wide snapshot served on /health.
type Stats struct {
	Sessions      session.Stats      `json:"sessions"`
	Subscriptions subscription.Stats `json:"subscriptions"`
	Auth          auth.Stats         `json:"auth"`
}

func (c *Coordinator) Stats(ctx context.Context) Stats {
	stats := Stats{
		Sessions: c.registry.Stats(),
		Auth:     c.guard.Stats(),
	}
	subs, err := c.store.Stats(ctx)
	if err != nil {
		monitoring.LogError(c.logger, err, "Failed to load subscription stats", nil)
	}
	stats.Subscriptions = subs
	return stats
}

// Shutdown closes every session with GOING_AWAY and returns how many were
// open.
func (c *Coordinator) Shutdown() int {
	sessions := c.registry.Sessions()
	for _, s := range sessions {
		c.disconnect(s.ID, protocol.CloseGoingAway, "Server shutting down", monitoring.DisconnectReasonServerShutdown)
	}
	return len(sessions)
}
