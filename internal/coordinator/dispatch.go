package coordinator

import (
	"context"
	"errors"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
	"github.com/adred-codev/ws_fanout/internal/protocol"
	"github.com/adred-codev/ws_fanout/internal/session"
	"github.com/adred-codev/ws_fanout/internal/subscription"
)

// Message handles one inbound text frame.
func (c *Coordinator) Message(ctx context.Context, sessionID string, raw []byte) {
	s, ok := c.registry.Session(sessionID)
	if !ok {
		return
	}
	c.registry.Heartbeat(sessionID)

	userID, _, authenticated := s.Identity()
	if authenticated {
		c.guard.UpdateActivity(sessionID)
		if c.guard.IsTimedOut(sessionID) {
			c.disconnect(sessionID, protocol.CloseGoingAway, "Session timeout", monitoring.DisconnectReasonSessionTimeout)
			return
		}
		if c.guard.DetectSuspicious(sessionID, userID) {
			monitoring.IncrementSuspiciousCloses()
			c.disconnect(sessionID, protocol.CloseViolatedPolicy, "Suspicious activity detected", monitoring.DisconnectReasonSuspicious)
			return
		}
	}

	cmd, err := protocol.Decode(raw)
	if err != nil {
		c.rejectFrame(s, err)
		return
	}

	if !authenticated {
		switch cmd := cmd.(type) {
		case protocol.Auth:
			c.handleAuth(ctx, s, cmd)
		case protocol.Ping:
			c.send(s, protocol.PongMessage(c.now()))
		default:
			c.send(s, protocol.ErrorMessage(protocol.CodeAuthenticationFailed, "Authentication required", c.now()))
		}
		return
	}

	switch cmd := cmd.(type) {
	case protocol.Auth:
		c.send(s, protocol.ErrorMessage(protocol.CodeInvalidMessage, "Already authenticated", c.now()))
	case protocol.Subscribe:
		c.handleSubscribe(ctx, s, cmd)
	case protocol.Unsubscribe:
		c.handleUnsubscribe(ctx, s, cmd)
	case protocol.Ping:
		c.send(s, protocol.PongMessage(c.now()))
	case protocol.Pong:
		// Heartbeat already recorded.
	case protocol.ListSubscriptions:
		c.send(s, protocol.SubscriptionList(s.Channels(), c.now()))
	case protocol.StatsRequest:
		c.handleStats(s)
	case protocol.Ack:
		ok := c.queue.AcknowledgeFor(userID, cmd.MessageID)
		c.send(s, protocol.AckResponse(cmd.MessageID, ok, c.now()))
	default:
		c.logger.Warn().
			Str("session_id", s.ID).
			Str("type", cmd.Type()).
			Msg("Unhandled command")
	}
}

func (c *Coordinator) rejectFrame(s *session.Session, err error) {
	code := protocol.CodeInvalidMessage
	message := ""

	var verr *protocol.ValidationError
	switch {
	case errors.Is(err, protocol.ErrTooLarge):
		code = protocol.CodeMessageTooLarge
	case errors.As(err, &verr):
		message = verr.Error()
	case errors.Is(err, protocol.ErrUnknownType):
		message = "Unknown message type"
	}

	c.logger.Debug().
		Err(err).
		Str("session_id", s.ID).
		Msg("Client sent invalid message")
	c.send(s, protocol.ErrorMessage(code, message, c.now()))
}

func (c *Coordinator) send(s *session.Session, frame []byte) {
	if err := s.Conn().Send(frame); err != nil {
		c.logger.Debug().Err(err).Str("session_id", s.ID).Msg("Failed to send response")
	}
}

func (c *Coordinator) handleAuth(ctx context.Context, s *session.Session, cmd protocol.Auth) {
	conn := s.Conn()

	p, err := c.guard.Authenticate(ctx, cmd.Token, conn.RemoteAddr(), conn.UserAgent())
	if err != nil {
		failures := c.guard.RecordFailure(s.ID)
		c.send(s, protocol.ErrorMessage(protocol.CodeInvalidToken, "Invalid or expired token", c.now()))
		if failures >= c.guard.MaxFailedAttempts() {
			c.disconnect(s.ID, protocol.CloseViolatedPolicy, "Too many failed authentication attempts", monitoring.DisconnectReasonAuthFailed)
		}
		return
	}

	if err := c.registry.Authenticate(s.ID, p.UserID, p.Role); err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			c.send(s, protocol.ErrorMessage(protocol.CodeConnectionFailed, "Maximum connections exceeded", c.now()))
			c.disconnect(s.ID, protocol.CloseViolatedPolicy, "Maximum connections exceeded", monitoring.DisconnectReasonConnectionLimit)
			return
		}
		c.logger.Debug().Err(err).Str("session_id", s.ID).Msg("Session could not be promoted")
		return
	}
	c.stopAuthTimer(s.ID)

	c.checkDevice(s, p.UserID)
	c.guard.RegisterSession(s.ID, p.UserID, conn.RemoteAddr(), conn.UserAgent())
	if c.guard.DetectSuspicious(s.ID, p.UserID) {
		monitoring.IncrementSuspiciousCloses()
		c.disconnect(s.ID, protocol.CloseViolatedPolicy, "Suspicious activity detected", monitoring.DisconnectReasonSuspicious)
		return
	}

	if err := c.store.EnsureDefaults(ctx, p.UserID); err != nil {
		monitoring.LogError(c.logger, err, "Failed to create default subscriptions", map[string]any{
			"user_id": p.UserID,
		})
	}

	var channels []string
	for _, sub := range c.store.ActiveSubscriptions(ctx, p.UserID) {
		if c.policy.Allow(p.Role, sub.Channel) {
			channels = append(channels, sub.Channel)
		}
	}

	c.send(s, protocol.AuthSuccess(p.UserID, channels, c.now()))
	_, delivered := c.registry.AttachAndDrain(ctx, s.ID, channels)
	c.startHeartbeat(s.ID)

	if p.ExpiresWithin(c.now(), tokenRefreshWindow) {
		c.logger.Info().
			Str("session_id", s.ID).
			Str("user_id", p.UserID).
			Time("expires_at", p.ExpiresAt).
			Msg("Token expires soon, client should refresh")
	}

	c.logger.Info().
		Str("session_id", s.ID).
		Str("user_id", p.UserID).
		Str("role", p.Role).
		Int("channels", len(channels)).
		Int("queued_delivered", delivered).
		Msg("Session authenticated")
}

// checkDevice compares the new connection with the fingerprints of the user's
// other live sessions. A mismatch is only audited; the first one ends the scan.
func (c *Coordinator) checkDevice(s *session.Session, userID string) {
	conn := s.Conn()
	for _, other := range c.registry.UserSessions(userID) {
		if other.ID == s.ID {
			continue
		}
		if _, ok := c.guard.Fingerprint(other.ID); !ok {
			continue
		}
		if !c.guard.VerifyFingerprint(other.ID, conn.RemoteAddr(), conn.UserAgent()) {
			return
		}
	}
}

func (c *Coordinator) handleSubscribe(ctx context.Context, s *session.Session, cmd protocol.Subscribe) {
	userID, role, _ := s.Identity()

	if err := subscription.ValidateChannel(cmd.Channel); err != nil {
		c.send(s, protocol.ErrorMessage(protocol.CodeInvalidChannel, "", c.now()))
		return
	}
	if !c.policy.Allow(role, cmd.Channel) {
		c.audit.Warning(monitoring.AuditSubscriptionDenied, "Subscription denied", map[string]any{
			"session_id": s.ID,
			"user_id":    userID,
			"role":       role,
			"channel":    cmd.Channel,
		})
		c.send(s, protocol.ErrorMessage(protocol.CodePermissionDenied, "", c.now()))
		return
	}

	sub, err := c.store.Subscribe(ctx, userID, cmd.Channel, cmd.PriorityOr(DefaultSubscribePriority), cmd.Filter)
	if err != nil {
		message := ""
		if errors.Is(err, subscription.ErrLimitReached) {
			message = "Subscription limit reached"
		} else {
			monitoring.LogError(c.logger, err, "Subscribe failed", map[string]any{
				"user_id": userID,
				"channel": cmd.Channel,
			})
		}
		c.send(s, protocol.ErrorMessage(protocol.CodeSubscriptionFailed, message, c.now()))
		return
	}

	c.registry.Subscribe(s.ID, cmd.Channel)
	c.send(s, protocol.SubscribeResponse(sub.Channel, sub.Filter, sub.Priority, c.now()))
}

func (c *Coordinator) handleUnsubscribe(ctx context.Context, s *session.Session, cmd protocol.Unsubscribe) {
	userID := s.UserID()

	detached := c.registry.Unsubscribe(s.ID, cmd.Channel)
	removed := c.store.Unsubscribe(ctx, userID, cmd.Channel)
	if !detached && !removed {
		c.send(s, protocol.ErrorMessage(protocol.CodeUnsubscriptionFailed, "Not subscribed to channel", c.now()))
		return
	}
	c.send(s, protocol.UnsubscribeResponse(cmd.Channel, c.now()))
}

// SessionStats is the per-session document answered to a stats command.
type SessionStats struct {
	SessionID     string   `json:"sessionId"`
	UserID        string   `json:"userId"`
	Channels      []string `json:"channels"`
	Connections   int      `json:"connections"`
	QueueSize     int      `json:"queueSize"`
	DeadLetters   int      `json:"deadLetters"`
	MessagesIn    int64    `json:"messagesIn"`
	ConnectedAtMs int64    `json:"connectedAt"`
}

func (c *Coordinator) handleStats(s *session.Session) {
	userID := s.UserID()
	qs := c.queue.Stats(userID)

	stats := SessionStats{
		SessionID:     s.ID,
		UserID:        userID,
		Channels:      s.Channels(),
		Connections:   c.registry.CountUserSessions(userID),
		QueueSize:     qs.QueueSize,
		DeadLetters:   qs.DeadLetterSize,
		ConnectedAtMs: s.ConnectedAt.UnixMilli(),
	}
	if gs, ok := c.guard.SessionStats(s.ID); ok {
		stats.MessagesIn = gs.Messages
	}
	c.send(s, protocol.StatsMessage(stats, c.now()))
}
