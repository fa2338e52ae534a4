package queue

import (
	"container/list"
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
)

const (
	DefaultMaxSize         = 10000
	DefaultTTL             = 5 * time.Minute
	DefaultAckTimeout      = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultDeadLetterLimit = 1000
	DefaultSweepInterval   = 10 * time.Second

	shardCount = 32
)

var (
	// ErrQueueFull is returned when the user's queue is full and the incoming
	// message ranks below everything already buffered.
	ErrQueueFull = errors.New("queue full")
	// ErrInvalidPriority is returned for priorities outside HIGH..LOW.
	ErrInvalidPriority = errors.New("invalid priority")
)

// Config holds queue limits. Zero values fall back to the defaults above.
type Config struct {
	MaxSize         int
	TTL             time.Duration
	AckTimeout      time.Duration
	MaxRetries      int
	DeadLetterLimit int
	SweepInterval   time.Duration
	Logger          zerolog.Logger
	Audit           monitoring.AuditSink
	Now             func() time.Time
}

// userQueue is one user's buffer: a FIFO per priority class plus the
// dead-letter list. Every field is guarded by mu.
type userQueue struct {
	mu      sync.Mutex
	classes [priorityClasses]*list.List
	size    int
	dead    []*Message
	removed bool // set by Clear; writers move to a fresh buffer
}

func newUserQueue() *userQueue {
	q := &userQueue{}
	for i := range q.classes {
		q.classes[i] = list.New()
	}
	return q
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]*userQueue
}

type pendingShard struct {
	mu       sync.Mutex
	messages map[string]*Message
}

// Queue buffers messages per user in priority-then-arrival order, tracks
// messages awaiting acknowledgement and moves undeliverable ones to a bounded
// per-user dead-letter list.
type Queue struct {
	config Config
	logger zerolog.Logger
	audit  monitoring.AuditSink
	now    func() time.Time
	ids    *IDGenerator

	users   [shardCount]userShard
	pending [shardCount]pendingShard
	depth   atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(config Config) *Queue {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultMaxSize
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = DefaultAckTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.DeadLetterLimit <= 0 {
		config.DeadLetterLimit = DefaultDeadLetterLimit
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.Audit == nil {
		config.Audit = monitoring.NopAudit{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	q := &Queue{
		config: config,
		logger: config.Logger.With().Str("component", "queue").Logger(),
		audit:  config.Audit,
		now:    config.Now,
		ids:    NewIDGenerator(config.Now),
	}
	for i := range q.users {
		q.users[i].users = make(map[string]*userQueue)
		q.pending[i].messages = make(map[string]*Message)
	}
	return q
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (q *Queue) lookup(userID string) *userQueue {
	s := &q.users[shardIndex(userID)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID]
}

// Ensure creates the user's buffer if it does not exist yet.
func (q *Queue) Ensure(userID string) {
	q.getOrCreate(userID)
}

func (q *Queue) getOrCreate(userID string) *userQueue {
	if uq := q.lookup(userID); uq != nil {
		return uq
	}
	s := &q.users[shardIndex(userID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	uq, ok := s.users[userID]
	if !ok {
		uq = newUserQueue()
		s.users[userID] = uq
	}
	return uq
}

// lockUser returns the user's current buffer, locked. A buffer that Clear
// dropped between lookup and lock is skipped for a fresh one.
func (q *Queue) lockUser(userID string) *userQueue {
	for {
		uq := q.getOrCreate(userID)
		uq.mu.Lock()
		if !uq.removed {
			return uq
		}
		uq.mu.Unlock()
	}
}

// Enqueue buffers payload for userID with the configured TTL and returns the
// message id.
func (q *Queue) Enqueue(userID, channel string, payload []byte, priority Priority) (string, error) {
	return q.EnqueueTTL(userID, channel, payload, priority, q.config.TTL)
}

// EnqueueTTL is Enqueue with an explicit time-to-live.
func (q *Queue) EnqueueTTL(userID, channel string, payload []byte, priority Priority, ttl time.Duration) (string, error) {
	if !priority.valid() {
		return "", ErrInvalidPriority
	}

	msg := &Message{
		ID:         q.ids.Next(),
		UserID:     userID,
		Channel:    channel,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: q.now(),
		TTL:        ttl,
	}

	uq := q.lockUser(userID)
	evicted, err := q.pushLocked(uq, msg)
	uq.mu.Unlock()

	if err != nil {
		monitoring.RecordQueueOp(monitoring.QueueOpFull)
		q.logger.Warn().
			Str("user_id", userID).
			Str("channel", channel).
			Str("priority", priority.String()).
			Int("max_size", q.config.MaxSize).
			Msg("Queue full, message rejected")
		return "", err
	}
	q.reportEviction(evicted)
	monitoring.RecordQueueOp(monitoring.QueueOpEnqueue)

	q.logger.Debug().
		Str("message_id", msg.ID).
		Str("user_id", userID).
		Str("priority", priority.String()).
		Msg("Message enqueued")
	return msg.ID, nil
}

// pushLocked appends msg to its class. When the queue is full the oldest
// message of the lowest non-empty class is evicted, unless that class ranks
// above msg, in which case msg is rejected.
func (q *Queue) pushLocked(uq *userQueue, msg *Message) (*Message, error) {
	var evicted *Message
	if uq.size >= q.config.MaxSize {
		for p := priorityClasses - 1; p >= 0; p-- {
			l := uq.classes[p]
			if l.Len() == 0 {
				continue
			}
			if Priority(p) < msg.Priority {
				return nil, ErrQueueFull
			}
			evicted = l.Remove(l.Front()).(*Message)
			uq.size--
			q.depth.Add(-1)
			break
		}
	}
	uq.classes[msg.Priority].PushBack(msg)
	uq.size++
	q.depth.Add(1)
	return evicted, nil
}

func (q *Queue) reportEviction(evicted *Message) {
	if evicted == nil {
		return
	}
	monitoring.RecordQueueOp(monitoring.QueueOpEvict)
	q.audit.Warning(monitoring.AuditQueueEviction, "Queue full, evicted oldest lowest-priority message", map[string]any{
		"message_id": evicted.ID,
		"user_id":    evicted.UserID,
		"channel":    evicted.Channel,
		"priority":   evicted.Priority.String(),
	})
}

// Dequeue pops the highest-priority, oldest live message for userID and moves
// it to the pending-acknowledgement table. Expired messages met on the way are
// dead-lettered. Returns nil when nothing deliverable is buffered.
func (q *Queue) Dequeue(userID string) *Message {
	uq := q.lookup(userID)
	if uq == nil {
		return nil
	}

	now := q.now()
	var expired []*Message
	var msg *Message

	uq.mu.Lock()
	for msg == nil {
		head := uq.popLocked()
		if head == nil {
			break
		}
		q.depth.Add(-1)
		if head.Expired(now) {
			q.deadLetterLocked(uq, head, ReasonExpired, now)
			expired = append(expired, head)
			continue
		}
		msg = head
	}
	uq.mu.Unlock()

	for _, m := range expired {
		monitoring.RecordQueueOp(monitoring.QueueOpExpired)
		q.reportDeadLetter(m)
	}
	if msg == nil {
		return nil
	}

	msg.SentAt = now
	ps := &q.pending[shardIndex(msg.ID)]
	ps.mu.Lock()
	ps.messages[msg.ID] = msg
	out := msg.clone()
	ps.mu.Unlock()

	monitoring.RecordQueueOp(monitoring.QueueOpDequeue)
	return out
}

func (uq *userQueue) popLocked() *Message {
	for _, l := range uq.classes {
		if front := l.Front(); front != nil {
			uq.size--
			return l.Remove(front).(*Message)
		}
	}
	return nil
}

// takePending removes a pending message. A non-empty owner must match the
// message's user.
func (q *Queue) takePending(messageID, owner string) *Message {
	ps := &q.pending[shardIndex(messageID)]
	ps.mu.Lock()
	defer ps.mu.Unlock()
	msg, ok := ps.messages[messageID]
	if !ok || (owner != "" && msg.UserID != owner) {
		return nil
	}
	delete(ps.messages, messageID)
	return msg
}

// Acknowledge resolves a pending message as delivered. It returns false for
// unknown, already acknowledged or dead-lettered ids.
func (q *Queue) Acknowledge(messageID string) bool {
	return q.acknowledge(messageID, "")
}

// AcknowledgeFor is Acknowledge restricted to messages owned by userID.
func (q *Queue) AcknowledgeFor(userID, messageID string) bool {
	if userID == "" {
		return false
	}
	return q.acknowledge(messageID, userID)
}

func (q *Queue) acknowledge(messageID, owner string) bool {
	msg := q.takePending(messageID, owner)
	if msg == nil {
		q.logger.Debug().Str("message_id", messageID).Msg("Acknowledge for unknown message")
		return false
	}
	msg.DeliveredAt = q.now()
	monitoring.RecordQueueOp(monitoring.QueueOpAck)
	return true
}

// NegativeAcknowledge returns a pending message to its user's queue as a fresh
// arrival. Once RetryCount exceeds MaxRetries the message is dead-lettered and
// false is returned.
func (q *Queue) NegativeAcknowledge(messageID, reason string) bool {
	msg := q.takePending(messageID, "")
	if msg == nil {
		return false
	}
	monitoring.RecordQueueOp(monitoring.QueueOpNack)

	msg.RetryCount++

	if msg.RetryCount > q.config.MaxRetries {
		uq := q.lockUser(msg.UserID)
		q.deadLetterLocked(uq, msg, ReasonMaxRetriesPrefix+reason, q.now())
		uq.mu.Unlock()
		q.reportDeadLetter(msg)
		return false
	}

	msg.SentAt = time.Time{}
	uq := q.lockUser(msg.UserID)
	evicted, err := q.pushLocked(uq, msg)
	if err != nil {
		q.deadLetterLocked(uq, msg, ReasonQueueFull, q.now())
	}
	uq.mu.Unlock()

	if err != nil {
		q.reportDeadLetter(msg)
		return false
	}
	q.reportEviction(evicted)

	q.logger.Debug().
		Str("message_id", msg.ID).
		Str("user_id", msg.UserID).
		Int("retry", msg.RetryCount).
		Str("reason", reason).
		Msg("Message requeued")
	return true
}

func (q *Queue) deadLetterLocked(uq *userQueue, msg *Message, reason string, now time.Time) {
	msg.FailureReason = reason
	msg.MovedAt = now
	uq.dead = append(uq.dead, msg)
	if over := len(uq.dead) - q.config.DeadLetterLimit; over > 0 {
		uq.dead = append(uq.dead[:0:0], uq.dead[over:]...)
	}
}

func (q *Queue) reportDeadLetter(msg *Message) {
	monitoring.RecordQueueOp(monitoring.QueueOpDeadLetter)
	q.audit.Warning(monitoring.AuditDeadLettered, "Message moved to dead-letter queue", map[string]any{
		"message_id": msg.ID,
		"user_id":    msg.UserID,
		"channel":    msg.Channel,
		"reason":     msg.FailureReason,
		"retries":    msg.RetryCount,
	})
}

// CleanupExpiredAcks negatively acknowledges every pending message sent more
// than AckTimeout ago and returns how many were processed.
func (q *Queue) CleanupExpiredAcks() int {
	now := q.now()
	var expired []string
	for i := range q.pending {
		ps := &q.pending[i]
		ps.mu.Lock()
		for id, msg := range ps.messages {
			if now.Sub(msg.SentAt) > q.config.AckTimeout {
				expired = append(expired, id)
			}
		}
		ps.mu.Unlock()
	}

	for _, id := range expired {
		q.NegativeAcknowledge(id, ReasonAckTimeout)
	}
	if len(expired) > 0 {
		q.logger.Info().Int("count", len(expired)).Msg("Timed out pending acknowledgements")
	}
	return len(expired)
}

// Size returns the number of buffered (not pending) messages for userID.
func (q *Queue) Size(userID string) int {
	uq := q.lookup(userID)
	if uq == nil {
		return 0
	}
	uq.mu.Lock()
	defer uq.mu.Unlock()
	return uq.size
}

// DeadLetters returns copies of the user's dead-lettered messages, oldest first.
func (q *Queue) DeadLetters(userID string) []Message {
	uq := q.lookup(userID)
	if uq == nil {
		return nil
	}
	uq.mu.Lock()
	defer uq.mu.Unlock()
	out := make([]Message, len(uq.dead))
	for i, m := range uq.dead {
		out[i] = *m
	}
	return out
}

func (q *Queue) DeadLetterSize(userID string) int {
	uq := q.lookup(userID)
	if uq == nil {
		return 0
	}
	uq.mu.Lock()
	defer uq.mu.Unlock()
	return len(uq.dead)
}

// PendingCount returns the number of messages awaiting acknowledgement.
func (q *Queue) PendingCount() int {
	n := 0
	for i := range q.pending {
		ps := &q.pending[i]
		ps.mu.Lock()
		n += len(ps.messages)
		ps.mu.Unlock()
	}
	return n
}

// Depth returns the number of buffered messages across all users.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Clear drops the user's buffer and dead-letter list. Pending messages stay
// pending and are requeued into a fresh buffer if they are nacked.
func (q *Queue) Clear(userID string) {
	s := &q.users[shardIndex(userID)]
	s.mu.Lock()
	uq, ok := s.users[userID]
	delete(s.users, userID)
	s.mu.Unlock()
	if !ok {
		return
	}

	uq.mu.Lock()
	uq.removed = true
	q.depth.Add(-int64(uq.size))
	for _, l := range uq.classes {
		l.Init()
	}
	uq.size = 0
	uq.dead = nil
	uq.mu.Unlock()
	q.logger.Info().Str("user_id", userID).Msg("Cleared user queue")
}

// Stats is a per-user snapshot.
type Stats struct {
	UserID         string `json:"userId"`
	QueueSize      int    `json:"queueSize"`
	DeadLetterSize int    `json:"deadLetterSize"`
	High           int    `json:"high"`
	Normal         int    `json:"normal"`
	Low            int    `json:"low"`
}

func (q *Queue) Stats(userID string) Stats {
	stats := Stats{UserID: userID}
	uq := q.lookup(userID)
	if uq == nil {
		return stats
	}
	uq.mu.Lock()
	defer uq.mu.Unlock()
	stats.QueueSize = uq.size
	stats.DeadLetterSize = len(uq.dead)
	stats.High = uq.classes[PriorityHigh].Len()
	stats.Normal = uq.classes[PriorityNormal].Len()
	stats.Low = uq.classes[PriorityLow].Len()
	return stats
}

// Start launches the periodic acknowledgement sweep.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.sweepLoop(ctx)
}

// Stop halts the sweep and waits for it to exit.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) sweepLoop(ctx context.Context) {
	defer q.wg.Done()
	defer monitoring.RecoverPanic(q.logger, "queue.sweepLoop", nil)

	ticker := time.NewTicker(q.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.CleanupExpiredAcks()
			monitoring.UpdateQueueGauges(q.Depth(), q.PendingCount())
		}
	}
}
