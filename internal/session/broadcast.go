package session

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
	"github.com/adred-codev/ws_fanout/internal/protocol"
	"github.com/adred-codev/ws_fanout/internal/queue"
)

// Subscriptions is the part of the subscription store the registry needs on
// the delivery path.
type Subscriptions interface {
	CheckRateLimit(ctx context.Context, sessionID, userID, channel string) bool
	Deliverable(ctx context.Context, userID, channel string) bool
	RecordDelivery(ctx context.Context, userID, channel string)
	ActiveSubscribers(ctx context.Context, channel string) []string
}

type noSubscriptions struct{}

func (noSubscriptions) CheckRateLimit(context.Context, string, string, string) bool { return true }
func (noSubscriptions) Deliverable(context.Context, string, string) bool            { return true }
func (noSubscriptions) RecordDelivery(context.Context, string, string)             {}
func (noSubscriptions) ActiveSubscribers(context.Context, string) []string         { return nil }

// BroadcastResult counts what happened to one broadcast.
type BroadcastResult struct {
	Direct      int `json:"direct"`
	Queued      int `json:"queued"`
	Offline     int `json:"offline"`
	RateLimited int `json:"rateLimited"`
	Dropped     int `json:"dropped"`
}

var droppedLogCounter atomic.Int64

// Broadcast fans payload out to every session subscribed to channel.
//
// The frame is encoded once. Live sessions get a non-blocking send; a dead
// session or failed send routes the payload to the user's queue instead, once
// per user. A delivery refused by CheckRateLimit (over the limit, or the
// subscription is not ACTIVE) is dropped and counted. Users with an ACTIVE
// durable subscription that no live session of theirs is indexed on get the
// payload queued, which covers both offline users and sessions still between
// auth and channel attach. Errors never reach the caller.
func (r *Registry) Broadcast(ctx context.Context, channel string, payload []byte, priority queue.Priority) BroadcastResult {
	var result BroadcastResult

	frame := protocol.Event(channel, payload, "", r.now())
	queued := make(map[string]struct{})
	reached := make(map[string]struct{})

	enqueue := func(userID string) bool {
		if _, done := queued[userID]; done {
			return false
		}
		queued[userID] = struct{}{}
		if _, err := r.queue.Enqueue(userID, channel, payload, priority); err != nil {
			result.Dropped++
			r.logDrop(userID, channel, err)
			return false
		}
		return true
	}

	for _, s := range r.index.Get(channel) {
		userID, _, authenticated := s.Identity()
		if !authenticated || userID == "" {
			continue
		}
		reached[userID] = struct{}{}

		if !r.subs.CheckRateLimit(ctx, s.ID, userID, channel) {
			result.RateLimited++
			monitoring.RecordBroadcast(monitoring.BroadcastRateLimited)
			continue
		}

		if r.sendLive(s, frame) {
			result.Direct++
			monitoring.RecordBroadcast(monitoring.BroadcastDirect)
			r.subs.RecordDelivery(ctx, userID, channel)
			continue
		}

		if enqueue(userID) {
			result.Queued++
			monitoring.RecordBroadcast(monitoring.BroadcastQueued)
		}
	}

	for _, userID := range r.subs.ActiveSubscribers(ctx, channel) {
		if _, ok := reached[userID]; ok {
			continue
		}
		if enqueue(userID) {
			result.Offline++
			monitoring.RecordBroadcast(monitoring.BroadcastOffline)
		}
	}

	r.logger.Debug().
		Str("channel", channel).
		Int("direct", result.Direct).
		Int("queued", result.Queued).
		Int("offline", result.Offline).
		Int("rate_limited", result.RateLimited).
		Msg("Broadcast")
	return result
}

// sendLive hands frame to the session's connection. It waits behind any drain
// in progress for the session so queued messages go out first.
func (r *Registry) sendLive(s *Session, frame []byte) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if !s.alive() {
		return false
	}
	return s.conn.Send(frame) == nil
}

func (r *Registry) logDrop(userID, channel string, err error) {
	if !errors.Is(err, queue.ErrQueueFull) {
		monitoring.LogError(r.logger, err, "Failed to queue broadcast", map[string]any{
			"user_id": userID,
			"channel": channel,
		})
		return
	}
	// Sampled: a full queue for a hot channel fails on every broadcast.
	if n := droppedLogCounter.Add(1); n%100 == 1 {
		r.logger.Warn().
			Str("user_id", userID).
			Str("channel", channel).
			Int64("total_drops", n).
			Msg("Queue full, broadcast dropped for user")
	}
}
