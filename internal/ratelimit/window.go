package ratelimit

import (
	"sync"
	"time"
)

// DefaultPeriod is the length of one rate-limit window.
const DefaultPeriod = time.Minute

// counter is a fixed window: count hits since start, reset when period elapses.
type counter struct {
	count int
	start time.Time
}

// sessionWindows holds every channel window of one session behind its own lock,
// so sessions never contend with each other.
type sessionWindows struct {
	mu       sync.Mutex
	channels map[string]*counter
	lastSeen time.Time
}

// Window tracks per (session, channel) message counts over a fixed period.
type Window struct {
	sessions sync.Map // map[string]*sessionWindows
	period   time.Duration
	now      func() time.Time
}

// NewWindow creates a window with the given period (DefaultPeriod when zero).
func NewWindow(period time.Duration) *Window {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Window{period: period, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

// Period returns the window length.
func (w *Window) Period() time.Duration { return w.period }

// Allow counts one message for (sessionID, channel) and reports whether the
// count is still within limit. A limit <= 0 disables the check.
func (w *Window) Allow(sessionID, channel string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := w.now()
	v, _ := w.sessions.LoadOrStore(sessionID, &sessionWindows{channels: make(map[string]*counter)})
	sw := v.(*sessionWindows)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.lastSeen = now
	c, ok := sw.channels[channel]
	if !ok || now.Sub(c.start) >= w.period {
		c = &counter{start: now}
		sw.channels[channel] = c
	}

	if c.count >= limit {
		return false
	}
	c.count++
	return true
}

// Count returns the hits in the current window for (sessionID, channel).
func (w *Window) Count(sessionID, channel string) int {
	v, ok := w.sessions.Load(sessionID)
	if !ok {
		return 0
	}
	sw := v.(*sessionWindows)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	c, ok := sw.channels[channel]
	if !ok || w.now().Sub(c.start) >= w.period {
		return 0
	}
	return c.count
}

// Reset drops every window of a session. Called when the session closes.
func (w *Window) Reset(sessionID string) {
	w.sessions.Delete(sessionID)
}

// Sweep removes sessions with no activity for a full period and returns how
// many were dropped.
func (w *Window) Sweep() int {
	now := w.now()
	removed := 0
	w.sessions.Range(func(key, value any) bool {
		sw := value.(*sessionWindows)
		sw.mu.Lock()
		idle := now.Sub(sw.lastSeen) >= w.period
		sw.mu.Unlock()
		if idle {
			w.sessions.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of tracked sessions.
func (w *Window) Len() int {
	n := 0
	w.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
