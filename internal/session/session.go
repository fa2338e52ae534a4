package session

import (
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/ws_fanout/internal/protocol"
)

// Conn is the physical connection behind a session.
type Conn interface {
	// Send queues data for writing without blocking. It fails when the
	// connection is closed or its outbound buffer is full.
	Send(data []byte) error
	Close(code protocol.CloseCode, reason string)
	Alive() bool
	RemoteAddr() string
	UserAgent() string
}

// Session is one live connection as seen by the registry.
type Session struct {
	ID          string
	ConnectedAt time.Time

	conn Conn

	// mu guards the fields below. Channel set changes and the matching
	// ChannelIndex changes happen together under mu.
	mu            sync.Mutex
	userID        string
	role          string
	authenticated bool
	channels      map[string]struct{}
	lastHeartbeat time.Time
	stopHeartbeat func()
	closed        bool

	// deliverMu orders deliveries to this session: a queue drain holds it so
	// live broadcasts cannot overtake older queued messages.
	deliverMu sync.Mutex
}

func newSession(id string, conn Conn, userID, role string, authenticated bool, now time.Time) *Session {
	return &Session{
		ID:            id,
		ConnectedAt:   now,
		conn:          conn,
		userID:        userID,
		role:          role,
		authenticated: authenticated,
		channels:      make(map[string]struct{}),
		lastHeartbeat: now,
	}
}

func (s *Session) Conn() Conn { return s.conn }

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Role() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Identity returns user id, role and authenticated flag in one lock.
func (s *Session) Identity() (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.role, s.authenticated
}

// Channels returns the subscribed channel names, sorted.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (s *Session) HasChannel(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// alive reports whether a send may be attempted.
func (s *Session) alive() bool {
	return !s.Closed() && s.conn != nil && s.conn.Alive()
}
