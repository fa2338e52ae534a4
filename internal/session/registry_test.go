package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/ws_fanout/internal/protocol"
	"github.com/adred-codev/ws_fanout/internal/queue"
	"github.com/adred-codev/ws_fanout/internal/ratelimit"
	"github.com/adred-codev/ws_fanout/internal/subscription"
)

type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	dead    atomic.Bool
	failing atomic.Bool
	closed  protocol.CloseCode
}

func (c *fakeConn) Send(data []byte) error {
	if c.failing.Load() {
		return errors.New("send buffer full")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code protocol.CloseCode, _ string) {
	c.mu.Lock()
	c.closed = code
	c.mu.Unlock()
	c.dead.Store(true)
}

func (c *fakeConn) Alive() bool        { return !c.dead.Load() }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:5000" }
func (c *fakeConn) UserAgent() string  { return "test" }

func (c *fakeConn) Messages(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.frames))
	for _, f := range c.frames {
		m, err := protocol.ParseMessage(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

type fixture struct {
	registry *Registry
	queue    *queue.Queue
	store    *subscription.Store
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	q := queue.New(queue.Config{Logger: zerolog.Nop()})
	store := subscription.NewStore(subscription.NewMemoryBackend(), subscription.StoreConfig{
		Window: ratelimit.NewWindow(time.Minute),
		Logger: zerolog.Nop(),
	})
	cfg := Config{MaxConnectionsPerUser: 2, Logger: zerolog.Nop()}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{registry: NewRegistry(q, store, cfg), queue: q, store: store}
}

// connect registers an authenticated session and attaches the user's active
// subscriptions, the way the coordinator does after auth.
func (f *fixture) connect(t *testing.T, userID string) (*Session, *fakeConn) {
	t.Helper()
	ctx := context.Background()
	conn := &fakeConn{}
	s, err := f.registry.Register(conn, userID, subscription.RoleUser, true)
	require.NoError(t, err)

	var channels []string
	for _, sub := range f.store.ActiveSubscriptions(ctx, userID) {
		channels = append(channels, sub.Channel)
	}
	f.registry.AttachAndDrain(ctx, s.ID, channels)
	return s, conn
}

func TestRegistry_LiveBroadcastReachesConnectedUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.Subscribe(ctx, "alice", subscription.ChannelTransactions, 5, "")
	require.NoError(t, err)
	_, conn := f.connect(t, "alice")

	res := f.registry.Broadcast(ctx, subscription.ChannelTransactions, []byte(`{"p":"P"}`), queue.PriorityNormal)
	assert.Equal(t, 1, res.Direct)
	assert.Zero(t, res.Queued)

	msgs := conn.Messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeMessage, msgs[0].Type)
	assert.Equal(t, subscription.ChannelTransactions, msgs[0].Channel)
	assert.JSONEq(t, `{"p":"P"}`, string(msgs[0].Data))
	assert.Zero(t, f.queue.Size("alice"))

	all, err := f.store.AllSubscriptions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(1), all[0].MessageCount)
}

func TestRegistry_OfflineMessageDeliveredBeforeNewBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.Subscribe(ctx, "alice", subscription.ChannelTransactions, 5, "")
	require.NoError(t, err)
	s, _ := f.connect(t, "alice")
	f.registry.Unregister(s.ID)

	res := f.registry.Broadcast(ctx, subscription.ChannelTransactions, []byte(`"Q"`), queue.PriorityNormal)
	assert.Equal(t, 1, res.Offline)
	assert.Equal(t, 1, f.queue.Size("alice"))

	_, conn := f.connect(t, "alice")
	f.registry.Broadcast(ctx, subscription.ChannelTransactions, []byte(`"R"`), queue.PriorityNormal)

	msgs := conn.Messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, `"Q"`, string(msgs[0].Data))
	assert.Equal(t, `"R"`, string(msgs[1].Data))
	assert.Zero(t, f.queue.Size("alice"))
	assert.Zero(t, f.queue.PendingCount())
}

func TestRegistry_ClientAckMode(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AckMode = AckModeClient })

	_, err := f.queue.Enqueue("alice", "blocks", []byte(`1`), queue.PriorityHigh)
	require.NoError(t, err)

	_, conn := f.connect(t, "alice")
	msgs := conn.Messages(t)
	require.Len(t, msgs, 1)
	require.NotEmpty(t, msgs[0].MessageID)

	assert.Zero(t, f.queue.Size("alice"))
	assert.Equal(t, 1, f.queue.PendingCount())
	assert.True(t, f.queue.Acknowledge(msgs[0].MessageID))
	assert.Zero(t, f.queue.PendingCount())
}

func TestRegistry_FailedSendsQueueOncePerUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s1, c1 := f.connect(t, "bob")
	s2, c2 := f.connect(t, "bob")
	require.True(t, f.registry.Subscribe(s1.ID, "blocks"))
	require.True(t, f.registry.Subscribe(s2.ID, "blocks"))

	c1.failing.Store(true)
	c2.dead.Store(true)

	res := f.registry.Broadcast(ctx, "blocks", []byte(`"x"`), queue.PriorityLow)
	assert.Zero(t, res.Direct)
	assert.Equal(t, 1, res.Queued)
	assert.Equal(t, 1, f.queue.Size("bob"))
}

func TestRegistry_RateLimitHoldsAcrossDrain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.Subscribe(ctx, "carol", "blocks", 5, "")
	require.NoError(t, err)
	_, conn := f.connect(t, "carol")

	for i := 0; i < subscription.DefaultRateLimit; i++ {
		res := f.registry.Broadcast(ctx, "blocks", []byte(fmt.Sprint(i)), queue.PriorityNormal)
		require.Equal(t, 1, res.Direct)
	}

	for i := 0; i < 5; i++ {
		res := f.registry.Broadcast(ctx, "blocks", []byte(`"over"`), queue.PriorityNormal)
		assert.Equal(t, 1, res.RateLimited)
		assert.Zero(t, res.Queued)
		assert.Zero(t, res.Offline)
	}
	assert.Zero(t, f.queue.Size("carol"))

	assert.Zero(t, f.registry.DrainConnected(ctx))
	assert.Len(t, conn.Messages(t), subscription.DefaultRateLimit)
}

func TestRegistry_PausedSubscriptionReceivesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.Subscribe(ctx, "alice", subscription.ChannelTransactions, 5, "")
	require.NoError(t, err)
	_, conn := f.connect(t, "alice")
	require.True(t, f.store.Pause(ctx, "alice", subscription.ChannelTransactions))

	res := f.registry.Broadcast(ctx, subscription.ChannelTransactions, []byte(`"P"`), queue.PriorityNormal)
	assert.Equal(t, BroadcastResult{RateLimited: 1}, res)

	assert.Zero(t, f.registry.DrainConnected(ctx))
	assert.Empty(t, conn.Messages(t))
	assert.Zero(t, f.queue.Size("alice"))
}

func TestRegistry_DrainSkipsChannelPausedWhileQueued(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.Subscribe(ctx, "alice", subscription.ChannelTransactions, 5, "")
	require.NoError(t, err)

	res := f.registry.Broadcast(ctx, subscription.ChannelTransactions, []byte(`"Q"`), queue.PriorityNormal)
	require.Equal(t, 1, res.Offline)
	require.True(t, f.store.Pause(ctx, "alice", subscription.ChannelTransactions))

	_, conn := f.connect(t, "alice")
	assert.Empty(t, conn.Messages(t))
	assert.Zero(t, f.queue.Size("alice"))
	assert.Zero(t, f.queue.PendingCount())
}

func TestRegistry_BroadcastBetweenAuthAndAttachIsQueued(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.Subscribe(ctx, "alice", subscription.ChannelTransactions, 5, "")
	require.NoError(t, err)

	conn := &fakeConn{}
	s, err := f.registry.Register(conn, "", "", false)
	require.NoError(t, err)
	require.NoError(t, f.registry.Authenticate(s.ID, "alice", subscription.RoleUser))

	res := f.registry.Broadcast(ctx, subscription.ChannelTransactions, []byte(`"Q"`), queue.PriorityNormal)
	assert.Equal(t, 1, res.Offline)

	attached, delivered := f.registry.AttachAndDrain(ctx, s.ID, []string{subscription.ChannelTransactions})
	assert.Equal(t, []string{subscription.ChannelTransactions}, attached)
	assert.Equal(t, 1, delivered)

	msgs := conn.Messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, `"Q"`, string(msgs[0].Data))
	assert.Zero(t, f.queue.Size("alice"))
}

func TestRegistry_UnauthenticatedSessionsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	conn := &fakeConn{}
	s, err := f.registry.Register(conn, "", "", false)
	require.NoError(t, err)
	require.True(t, f.registry.Subscribe(s.ID, "blocks"))

	res := f.registry.Broadcast(context.Background(), "blocks", []byte(`1`), queue.PriorityNormal)
	assert.Equal(t, BroadcastResult{}, res)
	assert.Empty(t, conn.Messages(t))
}

func TestRegistry_MaxConnectionsPerUser(t *testing.T) {
	f := newFixture(t, nil)

	s1, _ := f.connect(t, "dave")
	f.connect(t, "dave")

	_, err := f.registry.Register(&fakeConn{}, "dave", subscription.RoleUser, true)
	assert.ErrorIs(t, err, ErrTooManySessions)
	assert.Equal(t, 2, f.registry.CountUserSessions("dave"))

	pending, err := f.registry.Register(&fakeConn{}, "", "", false)
	require.NoError(t, err)
	assert.ErrorIs(t, f.registry.Authenticate(pending.ID, "dave", subscription.RoleUser), ErrTooManySessions)

	f.registry.Unregister(s1.ID)
	require.NoError(t, f.registry.Authenticate(pending.ID, "dave", subscription.RoleUser))
	assert.Equal(t, 2, f.registry.CountUserSessions("dave"))
	assert.ErrorIs(t, f.registry.Authenticate(pending.ID, "dave", subscription.RoleUser), ErrAlreadyAuthenticated)
}

func TestRegistry_UnregisterCleansIndexes(t *testing.T) {
	f := newFixture(t, nil)

	s, _ := f.connect(t, "erin")
	require.True(t, f.registry.Subscribe(s.ID, "blocks"))
	require.True(t, f.registry.Subscribe(s.ID, "system"))

	var stopped atomic.Int32
	require.True(t, f.registry.SetHeartbeat(s.ID, func() { stopped.Add(1) }))

	f.registry.Unregister(s.ID)

	assert.Equal(t, int32(1), stopped.Load())
	assert.Empty(t, f.registry.Subscribers("blocks"))
	assert.Empty(t, f.registry.Subscribers("system"))
	assert.Empty(t, f.registry.UserSessions("erin"))
	assert.Nil(t, f.registry.Unregister(s.ID))
	assert.False(t, f.registry.Subscribe(s.ID, "blocks"))
	assert.False(t, f.registry.SetHeartbeat(s.ID, func() { stopped.Add(1) }))
	assert.Equal(t, int32(2), stopped.Load())
}

func TestRegistry_Unsubscribe(t *testing.T) {
	f := newFixture(t, nil)
	s, _ := f.connect(t, "frank")

	require.True(t, f.registry.Subscribe(s.ID, "blocks"))
	assert.True(t, f.registry.Unsubscribe(s.ID, "blocks"))
	assert.False(t, f.registry.Unsubscribe(s.ID, "blocks"))
	assert.Empty(t, f.registry.Channels(s.ID))
	assert.Empty(t, f.registry.Subscribers("blocks"))
}

func TestRegistry_IndexConsistencyUnderConcurrency(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxConnectionsPerUser = 100 })
	channels := []string{"a", "b", "c", "d"}

	var sessions []*Session
	for i := 0; i < 20; i++ {
		s, _ := f.connect(t, fmt.Sprintf("user-%d", i%5))
		sessions = append(sessions, s)
	}

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				ch := channels[(i+j)%len(channels)]
				if j%3 == 0 {
					f.registry.Unsubscribe(s.ID, ch)
				} else {
					f.registry.Subscribe(s.ID, ch)
				}
				if i%7 == 0 && j == 150 {
					f.registry.Unregister(s.ID)
				}
			}
		}(i, s)
	}
	wg.Wait()

	for _, ch := range channels {
		indexed := make(map[string]bool)
		for _, s := range f.registry.Subscribers(ch) {
			indexed[s.ID] = true
		}
		for _, s := range sessions {
			assert.Equal(t, s.HasChannel(ch), indexed[s.ID], "session %s channel %s", s.ID, ch)
		}
	}
}

func TestRegistry_DrainConnected(t *testing.T) {
	f := newFixture(t, nil)
	_, conn := f.connect(t, "gina")

	for i := 0; i < 3; i++ {
		_, err := f.queue.Enqueue("gina", "blocks", []byte(fmt.Sprint(i)), queue.PriorityNormal)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, f.registry.DrainConnected(context.Background()))
	assert.Len(t, conn.Messages(t), 3)
	assert.Zero(t, f.queue.Size("gina"))
}

func TestRegistry_DrainStopsOnSendFailure(t *testing.T) {
	f := newFixture(t, nil)
	s, conn := f.connect(t, "hank")

	_, err := f.queue.Enqueue("hank", "blocks", []byte(`1`), queue.PriorityNormal)
	require.NoError(t, err)
	conn.failing.Store(true)

	assert.Zero(t, f.registry.DeliverQueued(context.Background(), s.ID))
	assert.Equal(t, 1, f.queue.Size("hank"), "failed send is requeued")
	assert.Zero(t, f.queue.PendingCount())
}

func TestRegistry_StatsAndCloseAll(t *testing.T) {
	f := newFixture(t, nil)
	s, c1 := f.connect(t, "ivy")
	require.True(t, f.registry.Subscribe(s.ID, "blocks"))
	_, err := f.registry.Register(&fakeConn{}, "", "", false)
	require.NoError(t, err)
	_, err = f.queue.Enqueue("nobody", "blocks", []byte(`1`), queue.PriorityLow)
	require.NoError(t, err)

	stats := f.registry.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Authenticated)
	assert.Equal(t, 1, stats.UniqueUsers)
	assert.Equal(t, 1, stats.ActiveChannels)
	assert.Equal(t, 1, stats.QueuedMessages)

	assert.Equal(t, 2, f.registry.CloseAll(protocol.CloseGoingAway, "shutdown"))
	assert.Equal(t, protocol.CloseGoingAway, c1.closed)
	assert.False(t, f.registry.SendToSession(s.ID, []byte("x")))
}
