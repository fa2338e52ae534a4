package session

import (
	"context"

	"github.com/adred-codev/ws_fanout/internal/protocol"
	"github.com/adred-codev/ws_fanout/internal/queue"
)

// DeliverQueued runs one drain cycle for the session's user and returns the
// number of messages handed to the connection.
func (r *Registry) DeliverQueued(ctx context.Context, sessionID string) int {
	s, ok := r.Session(sessionID)
	if !ok {
		return 0
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	return r.drainLocked(ctx, s)
}

// AttachAndDrain subscribes the session to channels and drains the user's
// queue before any live broadcast on those channels can reach the session.
func (r *Registry) AttachAndDrain(ctx context.Context, sessionID string, channels []string) (attached []string, delivered int) {
	s, ok := r.Session(sessionID)
	if !ok {
		return nil, 0
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	for _, ch := range channels {
		if r.attach(s, ch) {
			attached = append(attached, ch)
		}
	}
	return attached, r.drainLocked(ctx, s)
}

// drainLocked requires s.deliverMu.
func (r *Registry) drainLocked(ctx context.Context, s *Session) int {
	userID, _, authenticated := s.Identity()
	if !authenticated || userID == "" {
		return 0
	}

	clientAck := r.config.AckMode == AckModeClient
	delivered, skipped := 0, 0
	for ctx.Err() == nil && s.alive() {
		msg := r.queue.Dequeue(userID)
		if msg == nil {
			break
		}

		// Paused or suspended since it was queued.
		if !r.subs.Deliverable(ctx, userID, msg.Channel) {
			r.queue.Acknowledge(msg.ID)
			skipped++
			continue
		}

		messageID := ""
		if clientAck {
			messageID = msg.ID
		}
		frame := protocol.Event(msg.Channel, msg.Payload, messageID, r.now())
		if err := s.conn.Send(frame); err != nil {
			r.queue.NegativeAcknowledge(msg.ID, queue.ReasonSendFailed)
			r.logger.Debug().Err(err).
				Str("session_id", s.ID).
				Str("message_id", msg.ID).
				Msg("Queued delivery failed")
			break
		}
		if !clientAck {
			r.queue.Acknowledge(msg.ID)
		}
		r.subs.RecordDelivery(ctx, userID, msg.Channel)
		delivered++
	}

	if delivered > 0 || skipped > 0 {
		r.logger.Debug().
			Str("session_id", s.ID).
			Str("user_id", userID).
			Int("delivered", delivered).
			Int("skipped", skipped).
			Msg("Drained queued messages")
	}
	return delivered
}

// DrainConnected runs a drain cycle for every connected user with queued
// messages, using one live session per user.
func (r *Registry) DrainConnected(ctx context.Context) int {
	total := 0
	for _, userID := range r.connectedUsers() {
		if r.queue.Size(userID) == 0 {
			continue
		}
		for _, s := range r.UserSessions(userID) {
			if !s.alive() {
				continue
			}
			total += r.DeliverQueued(ctx, s.ID)
			break
		}
	}
	return total
}
