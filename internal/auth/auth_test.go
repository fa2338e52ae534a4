package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
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
	meta   []map[string]any
}

func (r *recordingAudit) record(event string, meta map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.meta = append(r.meta, meta)
	r.mu.Unlock()
}

func (r *recordingAudit) Info(event, _ string, m map[string]any)    { r.record(event, m) }
func (r *recordingAudit) Warning(event, _ string, m map[string]any) { r.record(event, m) }
func (r *recordingAudit) Error(event, _ string, m map[string]any)   { r.record(event, m) }

type verifierFunc func(ctx context.Context, token string) (Principal, error)

func (f verifierFunc) Verify(ctx context.Context, token string) (Principal, error) { return f(ctx, token) }

func newTestGuard(verifier TokenVerifier) (*Guard, *fakeClock, *recordingAudit) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	audit := &recordingAudit{}
	if verifier == nil {
		verifier = StaticVerifier{}
	}
	g := NewGuard(verifier, GuardConfig{
		Logger: zerolog.Nop(),
		Audit:  audit,
		Now:    clock.Now,
	})
	return g, clock, audit
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier("secret", "ws-fanout", time.Hour)

	token, err := v.Issue("alice", "admin")
	require.NoError(t, err)

	p, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "ADMIN", p.Role)
	assert.False(t, p.ExpiresAt.IsZero())
	assert.False(t, p.ExpiresWithin(time.Now(), time.Minute))
	assert.True(t, p.ExpiresWithin(time.Now(), 2*time.Hour))
}

func TestJWTVerifier_Rejects(t *testing.T) {
	v := NewJWTVerifier("secret", "ws-fanout", time.Hour)
	ctx := context.Background()

	other, err := NewJWTVerifier("other", "ws-fanout", time.Hour).Issue("alice", "")
	require.NoError(t, err)
	_, err = v.Verify(ctx, other)
	assert.Error(t, err, "wrong key")

	wrongIssuer, err := NewJWTVerifier("secret", "someone-else", time.Hour).Issue("alice", "")
	require.NoError(t, err)
	_, err = v.Verify(ctx, wrongIssuer)
	assert.Error(t, err, "wrong issuer")

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "ws-fanout",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.Verify(ctx, signed)
	assert.Error(t, err, "expired")

	_, err = v.Verify(ctx, "not-a-jwt")
	assert.Error(t, err)
}

func TestStaticVerifier(t *testing.T) {
	p, err := StaticVerifier{}.Verify(context.Background(), "bob:validator")
	require.NoError(t, err)
	assert.Equal(t, "bob", p.UserID)
	assert.Equal(t, "VALIDATOR", p.Role)

	p, err = StaticVerifier{}.Verify(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, "USER", p.Role)

	_, err = StaticVerifier{}.Verify(context.Background(), "  ")
	assert.Error(t, err)
}

func TestRevocationList_FailsClosedWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	list := NewRevocationList(StaticVerifier{}, client)
	_, err := list.Verify(context.Background(), "alice")
	assert.Error(t, err)

	// Verifier errors short-circuit before Redis.
	_, err = list.Verify(context.Background(), "")
	assert.EqualError(t, err, "empty dev token")
}

func TestGuard_AuthenticateHidesReason(t *testing.T) {
	g, _, audit := newTestGuard(verifierFunc(func(context.Context, string) (Principal, error) {
		return Principal{}, errors.New("signature is invalid")
	}))

	_, err := g.Authenticate(context.Background(), "tok", "10.0.0.1:5555", "ua")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, "invalid or expired token", err.Error())

	_, err = g.Authenticate(context.Background(), "   ", "10.0.0.1:5555", "ua")
	assert.ErrorIs(t, err, ErrInvalidToken)

	require.Len(t, audit.events, 2)
	assert.Equal(t, monitoring.AuditAuthFailed, audit.events[0])
	assert.Equal(t, "signature is invalid", audit.meta[0]["reason"])
	assert.Equal(t, "10.0.0.1", audit.meta[0]["client_ip"])
	assert.Equal(t, "missing token", audit.meta[1]["reason"])

	stats := g.Stats()
	assert.Equal(t, int64(2), stats.AuthFailures)
	assert.Zero(t, stats.AuthSuccesses)
}

func TestGuard_AuthenticateSuccess(t *testing.T) {
	g, _, audit := newTestGuard(nil)

	p, err := g.Authenticate(context.Background(), "alice:admin", "10.0.0.1:1", "ua")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, []string{monitoring.AuditAuthSucceeded}, audit.events)
}

func TestGuard_Timeouts(t *testing.T) {
	g, clock, _ := newTestGuard(nil)

	assert.True(t, g.IsTimedOut("unknown"))

	g.RegisterSession("s1", "alice", "10.0.0.1:1", "ua")
	assert.False(t, g.IsTimedOut("s1"))

	clock.Advance(4 * time.Minute)
	g.UpdateActivity("s1")
	clock.Advance(4 * time.Minute)
	assert.False(t, g.IsTimedOut("s1"), "activity resets idle time")

	clock.Advance(5*time.Minute + time.Second)
	assert.True(t, g.IsTimedOut("s1"), "idle")

	g.RegisterSession("s2", "bob", "10.0.0.2:1", "ua")
	for i := 0; i < 8; i++ {
		clock.Advance(4 * time.Minute)
		g.UpdateActivity("s2")
	}
	assert.True(t, g.IsTimedOut("s2"), "absolute age over 30m")
}

func TestGuard_DetectSuspiciousReconnects(t *testing.T) {
	g, clock, audit := newTestGuard(nil)

	for i := 0; i < 10; i++ {
		g.RegisterSession("s", "alice", "10.0.0.1:1", "ua")
		clock.Advance(time.Second)
	}
	assert.False(t, g.DetectSuspicious("s", "alice"))

	g.RegisterSession("s", "alice", "10.0.0.1:1", "ua")
	assert.True(t, g.DetectSuspicious("s", "alice"))
	assert.Contains(t, audit.events, monitoring.AuditSuspiciousActivity)

	clock.Advance(time.Minute)
	assert.False(t, g.DetectSuspicious("s", "alice"), "window slid past the burst")
}

func TestGuard_DetectSuspiciousMessageRate(t *testing.T) {
	g, clock, _ := newTestGuard(nil)
	g.RegisterSession("s", "alice", "10.0.0.1:1", "ua")

	for i := 0; i < 100; i++ {
		g.UpdateActivity("s")
	}
	assert.False(t, g.DetectSuspicious("s", "alice"), "100 in the first second is at the ceiling")

	g.UpdateActivity("s")
	assert.True(t, g.DetectSuspicious("s", "alice"))

	clock.Advance(2 * time.Second)
	assert.False(t, g.DetectSuspicious("s", "alice"), "rate averages over session age")
}

func TestGuard_Fingerprint(t *testing.T) {
	g, _, audit := newTestGuard(nil)
	g.RegisterSession("s", "alice", "10.0.0.1:5000", "Mozilla")

	fp, ok := g.Fingerprint("s")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", fp.ClientIP)
	assert.NotEmpty(t, fp.Hash)

	assert.True(t, g.VerifyFingerprint("s", "10.0.0.1:6000", "Mozilla"), "port is not part of the fingerprint")
	assert.False(t, g.VerifyFingerprint("s", "10.0.0.2:6000", "Mozilla"))
	assert.False(t, g.VerifyFingerprint("missing", "10.0.0.1:1", "Mozilla"))
	assert.Contains(t, audit.events, monitoring.AuditFingerprintChanged)
}

func TestGuard_FailuresAndCleanup(t *testing.T) {
	g, _, _ := newTestGuard(nil)

	assert.Equal(t, 1, g.RecordFailure("s"))
	assert.Equal(t, 2, g.RecordFailure("s"))

	g.RegisterSession("s", "alice", "10.0.0.1:1", "ua")
	assert.Equal(t, 1, g.RecordFailure("s"), "registration resets failures")

	stats, ok := g.SessionStats("s")
	require.True(t, ok)
	assert.Equal(t, "alice", stats.UserID)
	assert.Equal(t, 1, stats.Reconnects)

	g.Cleanup("s")
	_, ok = g.SessionStats("s")
	assert.False(t, ok)
	assert.True(t, g.IsTimedOut("s"))
	assert.Equal(t, 1, g.Stats().TrackedUsers, "reconnect history outlives the session")
}

func TestGuard_Sweep(t *testing.T) {
	g, clock, _ := newTestGuard(nil)
	g.RegisterSession("s1", "alice", "a:1", "ua")
	g.RegisterSession("s2", "bob", "b:1", "ua")

	clock.Advance(30 * time.Second)
	assert.Zero(t, g.Sweep())

	clock.Advance(31 * time.Second)
	assert.Equal(t, 2, g.Sweep())
	assert.Zero(t, g.Stats().TrackedUsers)
}
