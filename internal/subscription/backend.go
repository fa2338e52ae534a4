package subscription

import (
	"context"
	"time"
)

// Backend is the persistence contract the Store relies on. Implementations must
// enforce uniqueness of (UserID, Channel) and return ErrNotFound / ErrDuplicate.
type Backend interface {
	Get(ctx context.Context, userID, channel string) (*Subscription, error)
	Insert(ctx context.Context, sub *Subscription) error
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, userID, channel string) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	ListActiveByChannel(ctx context.Context, channel string) ([]*Subscription, error)
	CountActive(ctx context.Context, userID string) (int, error)
	IncrementMessages(ctx context.Context, userID, channel string, at time.Time) error
	// ExpireBefore marks every non-expired row whose ExpiresAt is before t as
	// EXPIRED and returns the affected user ids.
	ExpireBefore(ctx context.Context, t time.Time) ([]string, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
