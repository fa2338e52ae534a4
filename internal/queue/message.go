package queue

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Priority is the delivery class of a queued message. Lower values are
// dequeued first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

const priorityClasses = 3

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

func (p Priority) valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// PriorityFromInt maps the integer priority carried by subscriptions and
// events (higher = more important) onto a queue class.
func PriorityFromInt(v int) Priority {
	switch {
	case v >= 8:
		return PriorityHigh
	case v >= 4:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Dead-letter reasons.
const (
	ReasonExpired          = "EXPIRED"
	ReasonAckTimeout       = "ACK_TIMEOUT"
	ReasonSendFailed       = "SEND_FAILED"
	ReasonQueueFull        = "QUEUE_FULL"
	ReasonMaxRetriesPrefix = "MAX_RETRIES_EXCEEDED:"
)

// Message is one payload buffered for a user.
type Message struct {
	ID       string
	UserID   string
	Channel  string
	Payload  []byte
	Priority Priority

	EnqueuedAt time.Time
	TTL        time.Duration
	RetryCount int

	SentAt        time.Time
	DeliveredAt   time.Time
	MovedAt       time.Time
	FailureReason string
}

// Expired reports whether the message outlived its TTL at now.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.EnqueuedAt) > m.TTL
}

// Age returns how long the message has been queued.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(m.EnqueuedAt)
}

func (m *Message) clone() *Message {
	c := *m
	return &c
}

// IDGenerator produces ids of the form msg_<unixmillis>_<counter>. The counter
// is process-wide and monotonically increasing.
type IDGenerator struct {
	counter atomic.Uint64
	now     func() time.Time
}

func NewIDGenerator(now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{now: now}
}

func (g *IDGenerator) Next() string {
	n := g.counter.Add(1)
	return "msg_" + strconv.FormatInt(g.now().UnixMilli(), 10) + "_" + strconv.FormatUint(n, 10)
}
