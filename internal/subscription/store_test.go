package subscription

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/ws_fanout/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAudit) record(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingAudit) Info(event, _ string, _ map[string]any)    { r.record(event) }
func (r *recordingAudit) Warning(event, _ string, _ map[string]any) { r.record(event) }
func (r *recordingAudit) Error(event, _ string, _ map[string]any)   { r.record(event) }

func (r *recordingAudit) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestStore(t *testing.T, mutate func(*StoreConfig)) (*Store, *MemoryBackend, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	backend := NewMemoryBackend()
	cfg := StoreConfig{
		MaxPerUser:       3,
		DefaultRateLimit: 100,
		Window:           ratelimit.NewWindow(time.Minute).WithClock(clock.Now),
		Logger:           zerolog.Nop(),
		Now:              clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewStore(backend, cfg), backend, clock
}

func TestStore_SubscribeCreatesActiveRow(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "alice", ChannelTransactions, 5, "amount>100")
	require.NoError(t, err)
	require.NotNil(t, sub)

	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, "alice", sub.UserID)
	assert.Equal(t, ChannelTransactions, sub.Channel)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, 5, sub.Priority)
	assert.Equal(t, "amount>100", sub.Filter)
	assert.Equal(t, 100, sub.RateLimit)
}

func TestStore_SubscribeIsIdempotent(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	first, err := store.Subscribe(ctx, "alice", ChannelTransactions, 5, "")
	require.NoError(t, err)
	second, err := store.Subscribe(ctx, "alice", ChannelTransactions, 5, "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	all, err := store.AllSubscriptions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_SubscribeResumesInactiveRow(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	first, err := store.Subscribe(ctx, "alice", ChannelBlocks, 3, "")
	require.NoError(t, err)
	require.True(t, store.Suspend(ctx, "alice", ChannelBlocks))

	resumed, err := store.Subscribe(ctx, "alice", ChannelBlocks, 7, "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, resumed.ID)
	assert.Equal(t, StatusActive, resumed.Status)
	assert.Equal(t, 7, resumed.Priority)

	all, err := store.AllSubscriptions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_SubscriptionCap(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	for _, ch := range []string{ChannelTransactions, ChannelBlocks, ChannelBridge} {
		_, err := store.Subscribe(ctx, "alice", ch, 1, "")
		require.NoError(t, err)
	}

	sub, err := store.Subscribe(ctx, "alice", ChannelAnalytics, 1, "")
	assert.ErrorIs(t, err, ErrLimitReached)
	assert.Nil(t, sub)

	all, err := store.AllSubscriptions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 3, "the rejected subscribe must not create a row")

	// Other users are unaffected.
	_, err = store.Subscribe(ctx, "bob", ChannelAnalytics, 1, "")
	assert.NoError(t, err)
}

func TestStore_PausedRowsDoNotCountTowardCap(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	for _, ch := range []string{ChannelTransactions, ChannelBlocks, ChannelBridge} {
		_, err := store.Subscribe(ctx, "alice", ch, 1, "")
		require.NoError(t, err)
	}
	require.True(t, store.Pause(ctx, "alice", ChannelBridge))

	_, err := store.Subscribe(ctx, "alice", ChannelAnalytics, 1, "")
	require.NoError(t, err)

	assert.False(t, store.Resume(ctx, "alice", ChannelBridge), "resume must respect the cap")
}

func TestStore_SubscriptionCapUnderConcurrency(t *testing.T) {
	store, _, _ := newTestStore(t, func(c *StoreConfig) { c.MaxPerUser = 5 })
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := range 40 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Subscribe(ctx, "alice", fmt.Sprintf("chan-%d", i), 1, ""); err == nil {
				succeeded.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(5), succeeded.Load())
	assert.Len(t, store.ActiveSubscriptions(ctx, "alice"), 5)
}

func TestStore_StatusTransitions(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Subscribe(ctx, "alice", ChannelTransactions, 5, "")
	require.NoError(t, err)

	assert.False(t, store.Resume(ctx, "alice", ChannelTransactions), "already active")
	assert.True(t, store.Pause(ctx, "alice", ChannelTransactions))
	assert.False(t, store.Pause(ctx, "alice", ChannelTransactions), "already paused")
	assert.True(t, store.Suspend(ctx, "alice", ChannelTransactions))
	assert.False(t, store.Suspend(ctx, "alice", ChannelTransactions), "already suspended")
	assert.True(t, store.Resume(ctx, "alice", ChannelTransactions))

	assert.False(t, store.Pause(ctx, "alice", "missing"))
	assert.False(t, store.Resume(ctx, "nobody", ChannelTransactions))
}

func TestStore_ActiveSubscriptionsOrderedAndFiltered(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Subscribe(ctx, "alice", ChannelTransactions, 5, "")
	require.NoError(t, err)
	_, err = store.Subscribe(ctx, "alice", ChannelSystem, 8, "")
	require.NoError(t, err)
	_, err = store.Subscribe(ctx, "alice", ChannelBlocks, 1, "")
	require.NoError(t, err)
	require.True(t, store.Pause(ctx, "alice", ChannelBlocks))

	active := store.ActiveSubscriptions(ctx, "alice")
	require.Len(t, active, 2)
	assert.Equal(t, ChannelSystem, active[0].Channel)
	assert.Equal(t, ChannelTransactions, active[1].Channel)

	// Cached copies must not alias store state.
	active[0].Status = StatusExpired
	again := store.ActiveSubscriptions(ctx, "alice")
	assert.Equal(t, StatusActive, again[0].Status)
}

func TestStore_ActiveSubscribers(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	for _, user := range []string{"carol", "alice", "bob"} {
		_, err := store.Subscribe(ctx, user, ChannelTransactions, 5, "")
		require.NoError(t, err)
	}
	require.True(t, store.Pause(ctx, "bob", ChannelTransactions))

	assert.Equal(t, []string{"alice", "carol"}, store.ActiveSubscribers(ctx, ChannelTransactions))

	require.True(t, store.Unsubscribe(ctx, "alice", ChannelTransactions))
	assert.Equal(t, []string{"carol"}, store.ActiveSubscribers(ctx, ChannelTransactions))
	assert.False(t, store.Unsubscribe(ctx, "alice", ChannelTransactions))
}

func TestStore_CleanupExpiredTransitionsWithoutDeleting(t *testing.T) {
	store, backend, clock := newTestStore(t, nil)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "alice", ChannelTransactions, 5, "")
	require.NoError(t, err)
	_, err = store.Subscribe(ctx, "alice", ChannelSystem, 8, "")
	require.NoError(t, err)

	expires := clock.Now().Add(time.Minute)
	sub.ExpiresAt = &expires
	require.NoError(t, backend.Update(ctx, sub))

	assert.Equal(t, 0, store.CleanupExpired(ctx))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, store.CleanupExpired(ctx))
	assert.Equal(t, 0, store.CleanupExpired(ctx), "already expired rows are not counted again")

	all, err := store.AllSubscriptions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, all, 2)

	row, err := backend.Get(ctx, "alice", ChannelTransactions)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, row.Status)

	active := store.ActiveSubscriptions(ctx, "alice")
	require.Len(t, active, 1)
	assert.Equal(t, ChannelSystem, active[0].Channel)

	// Resubscribing resumes the expired row and clears its expiry.
	resumed, err := store.Subscribe(ctx, "alice", ChannelTransactions, 5, "")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, resumed.ID)
	assert.Nil(t, resumed.ExpiresAt)
}

func TestStore_CheckRateLimitSuspendsAndRecovers(t *testing.T) {
	audit := &recordingAudit{}
	store, backend, clock := newTestStore(t, func(c *StoreConfig) {
		c.DefaultRateLimit = 3
		c.Audit = audit
	})
	ctx := context.Background()

	_, err := store.Subscribe(ctx, "alice", ChannelTransactions, 5, "")
	require.NoError(t, err)

	for i := range 3 {
		assert.True(t, store.CheckRateLimit(ctx, "s1", "alice", ChannelTransactions), "delivery %d", i)
	}
	assert.False(t, store.CheckRateLimit(ctx, "s1", "alice", ChannelTransactions))

	row, err := backend.Get(ctx, "alice", ChannelTransactions)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, row.Status)
	assert.Contains(t, audit.Events(), "RateLimitViolation")

	assert.False(t, store.CheckRateLimit(ctx, "s1", "alice", ChannelTransactions), "suspended rows deny")

	clock.Advance(61 * time.Second)
	assert.True(t, store.CheckRateLimit(ctx, "s1", "alice", ChannelTransactions))

	row, err = backend.Get(ctx, "alice", ChannelTransactions)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, row.Status)
}

func TestStore_CheckRateLimitRules(t *testing.T) {
	store, _, clock := newTestStore(t, nil)
	ctx := context.Background()

	assert.True(t, store.CheckRateLimit(ctx, "s1", "alice", "unknown"), "no row allows")

	_, err := store.Subscribe(ctx, "alice", ChannelBlocks, 1, "")
	require.NoError(t, err)
	require.True(t, store.Pause(ctx, "alice", ChannelBlocks))

	assert.False(t, store.CheckRateLimit(ctx, "s1", "alice", ChannelBlocks), "paused rows deny")

	clock.Advance(5 * time.Minute)
	assert.False(t, store.CheckRateLimit(ctx, "s1", "alice", ChannelBlocks),
		"manual pauses are not lifted by the rate limiter")
}

func TestStore_Deliverable(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	assert.True(t, store.Deliverable(ctx, "alice", "unknown"), "no row")

	_, err := store.Subscribe(ctx, "alice", ChannelBlocks, 1, "")
	require.NoError(t, err)
	assert.True(t, store.Deliverable(ctx, "alice", ChannelBlocks))

	require.True(t, store.Pause(ctx, "alice", ChannelBlocks))
	assert.False(t, store.Deliverable(ctx, "alice", ChannelBlocks))

	require.True(t, store.Resume(ctx, "alice", ChannelBlocks))
	require.True(t, store.Suspend(ctx, "alice", ChannelBlocks))
	assert.False(t, store.Deliverable(ctx, "alice", ChannelBlocks))
}

func TestStore_RecordDeliveryAndStats(t *testing.T) {
	store, backend, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Subscribe(ctx, "alice", ChannelTransactions, 5, "")
	require.NoError(t, err)
	_, err = store.Subscribe(ctx, "bob", ChannelTransactions, 5, "")
	require.NoError(t, err)
	require.True(t, store.Pause(ctx, "bob", ChannelTransactions))

	store.RecordDelivery(ctx, "alice", ChannelTransactions)
	store.RecordDelivery(ctx, "alice", ChannelTransactions)
	store.RecordDelivery(ctx, "alice", "missing")

	row, err := backend.Get(ctx, "alice", ChannelTransactions)
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.MessageCount)
	require.NotNil(t, row.LastMessageAt)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Active: 1, Paused: 1, TotalMessages: 2}, stats)
}

func TestStore_EnsureDefaults(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.EnsureDefaults(ctx, "alice"))

	active := store.ActiveSubscriptions(ctx, "alice")
	require.Len(t, active, 2)
	assert.Equal(t, ChannelSystem, active[0].Channel)
	assert.Equal(t, 8, active[0].Priority)
	assert.Equal(t, ChannelTransactions, active[1].Channel)
	assert.Equal(t, 5, active[1].Priority)

	// A user with any row, even an inactive one, gets no defaults.
	require.True(t, store.Unsubscribe(ctx, "alice", ChannelSystem))
	require.NoError(t, store.EnsureDefaults(ctx, "alice"))
	assert.Len(t, store.ActiveSubscriptions(ctx, "alice"), 1)
}

func TestStore_RejectsInvalidChannel(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Subscribe(ctx, "alice", "", 1, "")
	assert.ErrorIs(t, err, ErrInvalidChannel)

	_, err = store.Subscribe(ctx, "alice", strings.Repeat("x", MaxChannelLength+1), 1, "")
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestStore_WithoutCache(t *testing.T) {
	store, _, _ := newTestStore(t, func(c *StoreConfig) { c.CacheSize = -1 })
	ctx := context.Background()

	_, err := store.Subscribe(ctx, "alice", ChannelTransactions, 5, "")
	require.NoError(t, err)
	assert.Len(t, store.ActiveSubscriptions(ctx, "alice"), 1)
	assert.Equal(t, []string{"alice"}, store.ActiveSubscribers(ctx, ChannelTransactions))
}
