package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	tokenKeyPrefix = "revoked:token:"
	userKeyPrefix  = "revoked:user:"

	defaultUserRevocationTTL = 24 * time.Hour
)

// RevocationList wraps a TokenVerifier with a Redis-backed deny list: single
// tokens until their natural expiry, and per-user cutoffs that invalidate
// every token issued before them.
type RevocationList struct {
	next  TokenVerifier
	redis *redis.Client
}

func NewRevocationList(next TokenVerifier, client *redis.Client) *RevocationList {
	return &RevocationList{next: next, redis: client}
}

// Revoke denies token until expiresAt. Already expired tokens are ignored.
func (r *RevocationList) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := r.redis.Set(ctx, tokenKeyPrefix+token, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// RevokeUser invalidates every token of userID issued before now. The marker
// should outlive the longest token lifetime.
func (r *RevocationList) RevokeUser(ctx context.Context, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultUserRevocationTTL
	}
	if err := r.redis.Set(ctx, userKeyPrefix+userID, time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke user tokens: %w", err)
	}
	return nil
}

// Verify runs the wrapped verifier, then checks both deny lists. Redis
// errors fail closed.
func (r *RevocationList) Verify(ctx context.Context, token string) (Principal, error) {
	p, err := r.next.Verify(ctx, token)
	if err != nil {
		return Principal{}, err
	}

	exists, err := r.redis.Exists(ctx, tokenKeyPrefix+token).Result()
	if err != nil {
		return Principal{}, fmt.Errorf("failed to check revocation list: %w", err)
	}
	if exists > 0 {
		return Principal{}, ErrTokenRevoked
	}

	cutoff, err := r.redis.Get(ctx, userKeyPrefix+p.UserID).Int64()
	if errors.Is(err, redis.Nil) {
		return p, nil
	}
	if err != nil {
		return Principal{}, fmt.Errorf("failed to check user revocation: %w", err)
	}
	if !p.IssuedAt.IsZero() && p.IssuedAt.Before(time.Unix(cutoff, 0)) {
		return Principal{}, ErrTokenRevoked
	}
	return p, nil
}
