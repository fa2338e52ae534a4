package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
	"github.com/adred-codev/ws_fanout/internal/ratelimit"
)

const (
	DefaultMaxPerUser = 50
	DefaultRateLimit  = 100
	defaultCacheSize  = 4096
	defaultCacheTTL   = time.Minute
)

// DefaultChannels are created for a user on first contact.
var DefaultChannels = []struct {
	Channel  string
	Priority int
}{
	{ChannelTransactions, 5},
	{ChannelSystem, 8},
}

// StoreConfig configures a Store. Zero values fall back to defaults.
type StoreConfig struct {
	MaxPerUser       int
	DefaultRateLimit int
	CacheSize        int
	CacheTTL         time.Duration
	Window           *ratelimit.Window
	Logger           zerolog.Logger
	Audit            monitoring.AuditSink
	Now              func() time.Time
}

// Store owns durable subscriptions: it enforces the per-user cap, resumes
// instead of duplicating, and answers the delivery-time rate limit check.
type Store struct {
	backend Backend
	config  StoreConfig
	logger  zerolog.Logger
	audit   monitoring.AuditSink
	window  *ratelimit.Window
	now     func() time.Time

	// Serializes check-then-write per user so the cap holds under concurrency.
	stripes [memoryShards]sync.Mutex

	active      *expirable.LRU[string, []*Subscription] // user → ACTIVE rows
	subscribers *expirable.LRU[string, []string]        // channel → users with ACTIVE rows

	throttled sync.Map // user\x00channel → time suspended by rate limit
}

func NewStore(backend Backend, config StoreConfig) *Store {
	if config.MaxPerUser <= 0 {
		config.MaxPerUser = DefaultMaxPerUser
	}
	if config.DefaultRateLimit <= 0 {
		config.DefaultRateLimit = DefaultRateLimit
	}
	if config.CacheSize == 0 {
		config.CacheSize = defaultCacheSize
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaultCacheTTL
	}
	if config.Window == nil {
		config.Window = ratelimit.NewWindow(ratelimit.DefaultPeriod)
	}
	if config.Audit == nil {
		config.Audit = monitoring.NopAudit{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Store{
		backend: backend,
		config:  config,
		logger:  config.Logger.With().Str("component", "subscription").Logger(),
		audit:   config.Audit,
		window:  config.Window,
		now:     config.Now,
	}
	if config.CacheSize > 0 {
		s.active = expirable.NewLRU[string, []*Subscription](config.CacheSize, nil, config.CacheTTL)
		s.subscribers = expirable.NewLRU[string, []string](config.CacheSize, nil, config.CacheTTL)
	}
	return s
}

func (s *Store) lockUser(userID string) func() {
	m := &s.stripes[shardFor(userID)]
	m.Lock()
	return m.Unlock
}

func (s *Store) invalidate(userID, channel string) {
	if s.active == nil {
		return
	}
	s.active.Remove(userID)
	s.subscribers.Remove(channel)
}

func throttleKey(userID, channel string) string {
	return userID + "\x00" + channel
}

// Subscribe creates or resumes the (userID, channel) subscription. An existing
// ACTIVE row is returned unchanged. ErrLimitReached is returned, and nothing is
// written, when the user already holds MaxPerUser ACTIVE subscriptions.
func (s *Store) Subscribe(ctx context.Context, userID, channel string, priority int, filter string) (*Subscription, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}

	unlock := s.lockUser(userID)
	defer unlock()

	existing, err := s.backend.Get(ctx, userID, channel)
	switch {
	case err == nil && existing.IsActive():
		monitoring.RecordSubscriptionOp("subscribe", "existing")
		return existing, nil
	case err == nil:
		if err := s.checkCap(ctx, userID); err != nil {
			return nil, err
		}
		now := s.now()
		existing.Status = StatusActive
		existing.UpdatedAt = now
		existing.ExpiresAt = nil
		existing.Priority = priority
		if filter != "" {
			existing.Filter = filter
		}
		if err := s.backend.Update(ctx, existing); err != nil {
			monitoring.RecordSubscriptionOp("subscribe", "error")
			return nil, err
		}
		s.throttled.Delete(throttleKey(userID, channel))
		s.invalidate(userID, channel)
		monitoring.RecordSubscriptionOp("subscribe", "resumed")
		s.logger.Debug().
			Str("user_id", userID).
			Str("channel", channel).
			Msg("Subscription resumed")
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		monitoring.RecordSubscriptionOp("subscribe", "error")
		return nil, err
	}

	if err := s.checkCap(ctx, userID); err != nil {
		return nil, err
	}

	now := s.now()
	sub := &Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		Channel:   channel,
		Status:    StatusActive,
		Priority:  priority,
		Filter:    filter,
		RateLimit: s.config.DefaultRateLimit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.backend.Insert(ctx, sub); err != nil {
		monitoring.RecordSubscriptionOp("subscribe", "error")
		return nil, err
	}
	s.invalidate(userID, channel)
	monitoring.RecordSubscriptionOp("subscribe", "created")

	s.logger.Debug().
		Str("user_id", userID).
		Str("channel", channel).
		Int("priority", priority).
		Msg("Subscription created")
	return sub.Clone(), nil
}

func (s *Store) checkCap(ctx context.Context, userID string) error {
	n, err := s.backend.CountActive(ctx, userID)
	if err != nil {
		return err
	}
	if n >= s.config.MaxPerUser {
		monitoring.RecordSubscriptionOp("subscribe", "limit_reached")
		s.logger.Warn().
			Str("user_id", userID).
			Int("active", n).
			Int("max", s.config.MaxPerUser).
			Msg("Subscription limit reached")
		return ErrLimitReached
	}
	return nil
}

// Unsubscribe removes the row. It is the only hard delete.
func (s *Store) Unsubscribe(ctx context.Context, userID, channel string) bool {
	unlock := s.lockUser(userID)
	defer unlock()

	deleted, err := s.backend.Delete(ctx, userID, channel)
	if err != nil {
		s.backendError(err, "Failed to delete subscription", map[string]any{
			"user_id": userID,
			"channel": channel,
		})
		monitoring.RecordSubscriptionOp("unsubscribe", "error")
		return false
	}
	s.throttled.Delete(throttleKey(userID, channel))
	s.invalidate(userID, channel)
	if deleted {
		monitoring.RecordSubscriptionOp("unsubscribe", "ok")
	} else {
		monitoring.RecordSubscriptionOp("unsubscribe", "not_found")
	}
	return deleted
}

// Pause moves ACTIVE → PAUSED.
func (s *Store) Pause(ctx context.Context, userID, channel string) bool {
	return s.transition(ctx, userID, channel, "pause", StatusPaused, StatusActive)
}

// Resume moves PAUSED, SUSPENDED or EXPIRED → ACTIVE, subject to the cap.
func (s *Store) Resume(ctx context.Context, userID, channel string) bool {
	return s.transition(ctx, userID, channel, "resume", StatusActive, StatusPaused, StatusSuspended, StatusExpired)
}

// Suspend moves ACTIVE or PAUSED → SUSPENDED.
func (s *Store) Suspend(ctx context.Context, userID, channel string) bool {
	return s.transition(ctx, userID, channel, "suspend", StatusSuspended, StatusActive, StatusPaused)
}

func (s *Store) transition(ctx context.Context, userID, channel, op string, to Status, from ...Status) bool {
	unlock := s.lockUser(userID)
	defer unlock()

	sub, err := s.backend.Get(ctx, userID, channel)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.backendError(err, "Failed to load subscription", map[string]any{
				"user_id": userID,
				"channel": channel,
				"op":      op,
			})
		}
		monitoring.RecordSubscriptionOp(op, "not_found")
		return false
	}

	allowed := false
	for _, st := range from {
		if sub.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		monitoring.RecordSubscriptionOp(op, "invalid_state")
		return false
	}

	if to == StatusActive {
		if err := s.checkCap(ctx, userID); err != nil {
			return false
		}
		sub.ExpiresAt = nil
		s.throttled.Delete(throttleKey(userID, channel))
	}

	sub.Status = to
	sub.UpdatedAt = s.now()
	if err := s.backend.Update(ctx, sub); err != nil {
		s.backendError(err, "Failed to update subscription", map[string]any{
			"user_id": userID,
			"channel": channel,
			"op":      op,
		})
		monitoring.RecordSubscriptionOp(op, "error")
		return false
	}
	s.invalidate(userID, channel)
	monitoring.RecordSubscriptionOp(op, "ok")
	return true
}

// ActiveSubscriptions returns the user's ACTIVE subscriptions, highest priority first.
func (s *Store) ActiveSubscriptions(ctx context.Context, userID string) []*Subscription {
	if s.active != nil {
		if cached, ok := s.active.Get(userID); ok {
			return cloneAll(cached)
		}
	}

	all, err := s.backend.ListByUser(ctx, userID)
	if err != nil {
		s.backendError(err, "Failed to list subscriptions", map[string]any{"user_id": userID})
		return nil
	}
	active := make([]*Subscription, 0, len(all))
	for _, sub := range all {
		if sub.IsActive() {
			active = append(active, sub)
		}
	}
	sortByPriority(active)

	if s.active != nil {
		s.active.Add(userID, active)
	}
	return cloneAll(active)
}

// AllSubscriptions returns every row for the user regardless of status.
func (s *Store) AllSubscriptions(ctx context.Context, userID string) ([]*Subscription, error) {
	subs, err := s.backend.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sortByPriority(subs)
	return subs, nil
}

// ActiveSubscribers returns the users holding an ACTIVE subscription to channel.
func (s *Store) ActiveSubscribers(ctx context.Context, channel string) []string {
	if s.subscribers != nil {
		if cached, ok := s.subscribers.Get(channel); ok {
			return append([]string(nil), cached...)
		}
	}

	subs, err := s.backend.ListActiveByChannel(ctx, channel)
	if err != nil {
		s.backendError(err, "Failed to list channel subscribers", map[string]any{"channel": channel})
		return nil
	}
	users := make([]string, 0, len(subs))
	for _, sub := range subs {
		users = append(users, sub.UserID)
	}
	sort.Strings(users)

	if s.subscribers != nil {
		s.subscribers.Add(channel, users)
	}
	return append([]string(nil), users...)
}

// CleanupExpired moves every subscription past its ExpiresAt to EXPIRED and
// returns how many rows changed. Rows are never deleted here.
func (s *Store) CleanupExpired(ctx context.Context) int {
	users, err := s.backend.ExpireBefore(ctx, s.now())
	if err != nil {
		s.backendError(err, "Failed to expire subscriptions", nil)
		return 0
	}
	if len(users) == 0 {
		return 0
	}
	if s.active != nil {
		for _, userID := range users {
			s.active.Remove(userID)
		}
		s.subscribers.Purge()
	}
	s.logger.Info().Int("expired", len(users)).Msg("Expired subscriptions")
	return len(users)
}

// CheckRateLimit is called for each live delivery to sessionID. No row allows
// the delivery; an inactive row denies it. Going over the row's per-minute
// limit suspends the subscription and denies. A subscription suspended this
// way is resumed on the first check after a full window has passed.
func (s *Store) CheckRateLimit(ctx context.Context, sessionID, userID, channel string) bool {
	sub := s.lookup(ctx, userID, channel)
	if sub == nil {
		return true
	}

	if !sub.IsActive() {
		if !s.releaseThrottle(ctx, userID, channel) {
			return false
		}
	}

	if s.window.Allow(sessionID, channel, sub.RateLimit) {
		return true
	}

	monitoring.IncrementRateLimitViolations()
	s.audit.Warning(monitoring.AuditRateLimitViolation, "Subscription rate limit exceeded", map[string]any{
		"session_id": sessionID,
		"user_id":    userID,
		"channel":    channel,
		"limit":      sub.RateLimit,
	})
	if s.Suspend(ctx, userID, channel) {
		s.throttled.Store(throttleKey(userID, channel), s.now())
	}
	return false
}

// Deliverable reports whether a queued message for (userID, channel) may still
// go out. Only an existing row that is no longer ACTIVE says no; a missing row
// or an unreadable backend lets the message through.
func (s *Store) Deliverable(ctx context.Context, userID, channel string) bool {
	for _, sub := range s.ActiveSubscriptions(ctx, userID) {
		if sub.Channel == channel {
			return true
		}
	}
	sub, err := s.backend.Get(ctx, userID, channel)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.backendError(err, "Failed to load subscription", map[string]any{
				"user_id": userID,
				"channel": channel,
			})
		}
		return true
	}
	return sub.IsActive()
}

// lookup prefers the cached ACTIVE list and falls back to the backend for
// inactive rows. Nil means no row.
func (s *Store) lookup(ctx context.Context, userID, channel string) *Subscription {
	for _, sub := range s.ActiveSubscriptions(ctx, userID) {
		if sub.Channel == channel {
			return sub
		}
	}
	sub, err := s.backend.Get(ctx, userID, channel)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.backendError(err, "Failed to load subscription", map[string]any{
				"user_id": userID,
				"channel": channel,
			})
			// Fail closed on backend errors for rows we cannot see.
			return &Subscription{UserID: userID, Channel: channel, Status: StatusSuspended}
		}
		return nil
	}
	return sub
}

func (s *Store) releaseThrottle(ctx context.Context, userID, channel string) bool {
	key := throttleKey(userID, channel)
	v, ok := s.throttled.Load(key)
	if !ok {
		return false
	}
	if s.now().Sub(v.(time.Time)) < s.window.Period() {
		return false
	}
	s.throttled.Delete(key)
	return s.Resume(ctx, userID, channel)
}

// RecordDelivery bumps the message counter of the (userID, channel) row.
func (s *Store) RecordDelivery(ctx context.Context, userID, channel string) {
	if err := s.backend.IncrementMessages(ctx, userID, channel, s.now()); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Debug().Err(err).
			Str("user_id", userID).
			Str("channel", channel).
			Msg("Failed to record delivery")
	}
}

// ReleaseSession drops the rate-limit windows of a closed session.
func (s *Store) ReleaseSession(sessionID string) {
	s.window.Reset(sessionID)
}

// SweepWindows drops idle rate-limit windows.
func (s *Store) SweepWindows() int {
	return s.window.Sweep()
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	return s.backend.Stats(ctx)
}

// EnsureDefaults creates the default subscriptions for a user that has none.
func (s *Store) EnsureDefaults(ctx context.Context, userID string) error {
	existing, err := s.backend.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, def := range DefaultChannels {
		if _, err := s.Subscribe(ctx, userID, def.Channel, def.Priority, ""); err != nil && !errors.Is(err, ErrDuplicate) {
			return err
		}
	}
	s.logger.Info().Str("user_id", userID).Msg("Created default subscriptions")
	return nil
}

func (s *Store) backendError(err error, msg string, fields map[string]any) {
	monitoring.RecordError(monitoring.ErrorTypeStorage, monitoring.ErrorSeverityWarning)
	monitoring.LogError(s.logger, err, msg, fields)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// sortByPriority orders by priority descending, then channel name.
func sortByPriority(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Priority != subs[j].Priority {
			return subs[i].Priority > subs[j].Priority
		}
		return subs[i].Channel < subs[j].Channel
	})
}

func cloneAll(subs []*Subscription) []*Subscription {
	out := make([]*Subscription, len(subs))
	for i, sub := range subs {
		out[i] = sub.Clone()
	}
	return out
}
