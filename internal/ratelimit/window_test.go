package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func newTestWindow() (*Window, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewWindow(time.Minute).WithClock(clock.Now), clock
}

func TestWindow_AllowsUpToLimit(t *testing.T) {
	w, _ := newTestWindow()

	for i := range 3 {
		assert.True(t, w.Allow("s1", "transactions", 3), "hit %d should pass", i)
	}
	assert.False(t, w.Allow("s1", "transactions", 3))
	assert.Equal(t, 3, w.Count("s1", "transactions"))
}

func TestWindow_ResetsAfterPeriod(t *testing.T) {
	w, clock := newTestWindow()

	require.True(t, w.Allow("s1", "blocks", 1))
	require.False(t, w.Allow("s1", "blocks", 1))

	clock.Advance(time.Minute)
	assert.True(t, w.Allow("s1", "blocks", 1))
	assert.Equal(t, 1, w.Count("s1", "blocks"))
}

func TestWindow_KeysAreIndependent(t *testing.T) {
	w, _ := newTestWindow()

	require.True(t, w.Allow("s1", "a", 1))
	assert.True(t, w.Allow("s1", "b", 1))
	assert.True(t, w.Allow("s2", "a", 1))
	assert.False(t, w.Allow("s1", "a", 1))
}

func TestWindow_ZeroLimitIsUnlimited(t *testing.T) {
	w, _ := newTestWindow()
	for range 1000 {
		require.True(t, w.Allow("s1", "a", 0))
	}
	assert.Zero(t, w.Len())
}

func TestWindow_ResetAndSweep(t *testing.T) {
	w, clock := newTestWindow()

	w.Allow("s1", "a", 10)
	w.Allow("s2", "a", 10)
	require.Equal(t, 2, w.Len())

	w.Reset("s1")
	assert.Equal(t, 1, w.Len())
	assert.Zero(t, w.Count("s1", "a"))

	clock.Advance(30 * time.Second)
	assert.Zero(t, w.Sweep())

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, w.Sweep())
	assert.Zero(t, w.Len())
}

func TestWindow_ConcurrentAllowNeverExceedsLimit(t *testing.T) {
	w, _ := newTestWindow()
	const limit = 100

	var allowed int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if w.Allow("s1", "transactions", limit) {
					atomic.AddInt64(&allowed, 1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed)
}
