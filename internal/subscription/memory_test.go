package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRow(user, channel string, status Status) *Subscription {
	now := time.Unix(1_700_000_000, 0)
	return &Subscription{
		ID:        user + "/" + channel,
		UserID:    user,
		Channel:   channel,
		Status:    status,
		RateLimit: DefaultRateLimit,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryBackend_UniquePerUserChannel(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, newRow("alice", "blocks", StatusActive)))
	assert.ErrorIs(t, b.Insert(ctx, newRow("alice", "blocks", StatusPaused)), ErrDuplicate)
	assert.NoError(t, b.Insert(ctx, newRow("bob", "blocks", StatusActive)))

	_, err := b.Get(ctx, "carol", "blocks")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, b.Update(ctx, newRow("carol", "blocks", StatusActive)), ErrNotFound)
}

func TestMemoryBackend_ChannelIndexFollowsStatus(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	row := newRow("alice", "blocks", StatusActive)
	require.NoError(t, b.Insert(ctx, row))

	subs, err := b.ListActiveByChannel(ctx, "blocks")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	row.Status = StatusPaused
	require.NoError(t, b.Update(ctx, row))
	subs, err = b.ListActiveByChannel(ctx, "blocks")
	require.NoError(t, err)
	assert.Empty(t, subs)

	row.Status = StatusActive
	require.NoError(t, b.Update(ctx, row))
	deleted, err := b.Delete(ctx, "alice", "blocks")
	require.NoError(t, err)
	assert.True(t, deleted)

	subs, err = b.ListActiveByChannel(ctx, "blocks")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestMemoryBackend_ReturnsCopies(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, newRow("alice", "blocks", StatusActive)))

	got, err := b.Get(ctx, "alice", "blocks")
	require.NoError(t, err)
	got.Status = StatusExpired

	again, err := b.Get(ctx, "alice", "blocks")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, again.Status)
}

func TestMemoryBackend_ExpireBefore(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	r1 := newRow("alice", "blocks", StatusActive)
	r1.ExpiresAt = &past
	r2 := newRow("bob", "blocks", StatusPaused)
	r2.ExpiresAt = &past
	r3 := newRow("carol", "blocks", StatusActive)
	r3.ExpiresAt = &future
	for _, r := range []*Subscription{r1, r2, r3} {
		require.NoError(t, b.Insert(ctx, r))
	}

	users, err := b.ExpireBefore(ctx, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)

	subs, err := b.ListActiveByChannel(ctx, "blocks")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "carol", subs[0].UserID)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Expired)
}

func TestMemoryBackend_ConcurrentAccess(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	var wg sync.WaitGroup
	for u := range 20 {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", u)
			for c := range 10 {
				channel := fmt.Sprintf("chan-%d", c)
				_ = b.Insert(ctx, newRow(user, channel, StatusActive))
				_ = b.IncrementMessages(ctx, user, channel, time.Now())
				if c%2 == 0 {
					_, _ = b.Delete(ctx, user, channel)
				}
			}
		}(u)
	}
	wg.Wait()

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, stats.Total)
	assert.Equal(t, int64(100), stats.TotalMessages)

	subs, err := b.ListActiveByChannel(ctx, "chan-1")
	require.NoError(t, err)
	assert.Len(t, subs, 20)
}
