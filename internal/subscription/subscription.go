package subscription

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a durable subscription.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusSuspended Status = "SUSPENDED"
	StatusExpired   Status = "EXPIRED"
)

var (
	// ErrNotFound is returned by backends when no (user, channel) row exists.
	ErrNotFound = errors.New("subscription not found")
	// ErrDuplicate is returned by backends on a (user, channel) uniqueness conflict.
	ErrDuplicate = errors.New("subscription already exists")
	// ErrLimitReached is returned when a user already holds the maximum number of
	// ACTIVE subscriptions.
	ErrLimitReached = errors.New("subscription limit reached")
	// ErrInvalidChannel is returned for empty or oversized channel names.
	ErrInvalidChannel = errors.New("invalid channel name")
)

// Subscription is one durable (user, channel) relationship.
type Subscription struct {
	ID            string     `db:"id" bson:"_id" json:"id"`
	UserID        string     `db:"user_id" bson:"user_id" json:"userId"`
	Channel       string     `db:"channel" bson:"channel" json:"channel"`
	Status        Status     `db:"status" bson:"status" json:"status"`
	Priority      int        `db:"priority" bson:"priority" json:"priority"`
	Filter        string     `db:"filter" bson:"filter" json:"filter,omitempty"`
	RateLimit     int        `db:"rate_limit" bson:"rate_limit" json:"rateLimit"` // messages per minute
	MessageCount  int64      `db:"message_count" bson:"message_count" json:"messageCount"`
	LastMessageAt *time.Time `db:"last_message_at" bson:"last_message_at,omitempty" json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `db:"created_at" bson:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" bson:"updated_at" json:"updatedAt"`
	ExpiresAt     *time.Time `db:"expires_at" bson:"expires_at,omitempty" json:"expiresAt,omitempty"`
}

// IsActive reports whether the subscription currently receives messages.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// Clone returns a deep copy so callers never alias backend state.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastMessageAt != nil {
		t := *s.LastMessageAt
		c.LastMessageAt = &t
	}
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Stats summarizes every subscription row.
type Stats struct {
	Total         int   `json:"total"`
	Active        int   `json:"active"`
	Paused        int   `json:"paused"`
	Suspended     int   `json:"suspended"`
	Expired       int   `json:"expired"`
	TotalMessages int64 `json:"totalMessages"`
}

func (s *Stats) add(sub *Subscription) {
	s.Total++
	s.TotalMessages += sub.MessageCount
	switch sub.Status {
	case StatusActive:
		s.Active++
	case StatusPaused:
		s.Paused++
	case StatusSuspended:
		s.Suspended++
	case StatusExpired:
		s.Expired++
	}
}
