package session

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
	"github.com/adred-codev/ws_fanout/internal/protocol"
	"github.com/adred-codev/ws_fanout/internal/queue"
)

const (
	registryShards = 32

	DefaultMaxConnectionsPerUser = 5

	AckModeTransport = "transport"
	AckModeClient    = "client"
)

var (
	ErrTooManySessions      = errors.New("too many sessions for user")
	ErrUnknownSession       = errors.New("unknown session")
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	ErrSessionClosed        = errors.New("session closed")
)

// Config configures a Registry.
type Config struct {
	MaxConnectionsPerUser int
	// AckMode decides when a queued delivery counts as acknowledged:
	// AckModeTransport on hand-off to the connection, AckModeClient on an
	// explicit ack from the client.
	AckMode string
	Logger  zerolog.Logger
	Audit   monitoring.AuditSink
	Now     func() time.Time
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Session // user → session id → session
}

// Registry owns live sessions, the channel → session index and the
// user → sessions index.
type Registry struct {
	config Config
	logger zerolog.Logger
	audit  monitoring.AuditSink
	now    func() time.Time

	queue *queue.Queue
	subs  Subscriptions
	index *ChannelIndex

	sessions [registryShards]sessionShard
	users    [registryShards]userShard
}

func NewRegistry(q *queue.Queue, subs Subscriptions, config Config) *Registry {
	if config.MaxConnectionsPerUser <= 0 {
		config.MaxConnectionsPerUser = DefaultMaxConnectionsPerUser
	}
	if config.AckMode == "" {
		config.AckMode = AckModeTransport
	}
	if config.Audit == nil {
		config.Audit = monitoring.NopAudit{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if subs == nil {
		subs = noSubscriptions{}
	}

	r := &Registry{
		config: config,
		logger: config.Logger.With().Str("component", "registry").Logger(),
		audit:  config.Audit,
		now:    config.Now,
		queue:  q,
		subs:   subs,
		index:  NewChannelIndex(),
	}
	for i := range r.sessions {
		r.sessions[i].sessions = make(map[string]*Session)
		r.users[i].users = make(map[string]map[string]*Session)
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % registryShards)
}

func (r *Registry) sessionShard(id string) *sessionShard { return &r.sessions[shardOf(id)] }
func (r *Registry) userShard(id string) *userShard       { return &r.users[shardOf(id)] }

// Register creates a session for conn. When authenticated with a user id the
// session joins the user index, subject to MaxConnectionsPerUser.
func (r *Registry) Register(conn Conn, userID, role string, authenticated bool) (*Session, error) {
	s := newSession(uuid.NewString(), conn, userID, role, authenticated, r.now())

	if authenticated && userID != "" {
		if err := r.addUserSession(userID, s); err != nil {
			return nil, err
		}
		r.queue.Ensure(userID)
	}

	sh := r.sessionShard(s.ID)
	sh.mu.Lock()
	sh.sessions[s.ID] = s
	sh.mu.Unlock()

	r.logger.Debug().
		Str("session_id", s.ID).
		Str("user_id", userID).
		Bool("authenticated", authenticated).
		Msg("Session registered")
	return s, nil
}

func (r *Registry) addUserSession(userID string, s *Session) error {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	set := us.users[userID]
	if len(set) >= r.config.MaxConnectionsPerUser {
		r.audit.Warning(monitoring.AuditConnectionLimit, "Maximum connections per user reached", map[string]any{
			"user_id": userID,
			"limit":   r.config.MaxConnectionsPerUser,
		})
		return ErrTooManySessions
	}
	if set == nil {
		set = make(map[string]*Session)
		us.users[userID] = set
	}
	set[s.ID] = s
	return nil
}

func (r *Registry) removeUserSession(userID, sessionID string) {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	set, ok := us.users[userID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(us.users, userID)
	}
}

// Authenticate promotes an unauthenticated session.
func (r *Registry) Authenticate(sessionID, userID, role string) error {
	s, ok := r.Session(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.authenticated {
		return ErrAlreadyAuthenticated
	}
	if err := r.addUserSession(userID, s); err != nil {
		return err
	}
	s.userID = userID
	s.role = role
	s.authenticated = true
	r.queue.Ensure(userID)
	return nil
}

// Unregister removes the session from every index and stops its heartbeat.
// The user's queue is kept for a later reconnect.
func (r *Registry) Unregister(sessionID string) *Session {
	sh := r.sessionShard(sessionID)
	sh.mu.Lock()
	s, ok := sh.sessions[sessionID]
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.closed = true
	stop := s.stopHeartbeat
	s.stopHeartbeat = nil
	for ch := range s.channels {
		r.index.Remove(ch, s)
	}
	s.channels = make(map[string]struct{})
	userID, authenticated := s.userID, s.authenticated
	if authenticated && userID != "" {
		r.removeUserSession(userID, sessionID)
	}
	s.mu.Unlock()

	if stop != nil {
		stop()
	}

	r.logger.Debug().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Dur("duration", r.now().Sub(s.ConnectedAt)).
		Msg("Session unregistered")
	return s
}

func (r *Registry) Session(sessionID string) (*Session, bool) {
	sh := r.sessionShard(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[sessionID]
	return s, ok
}

// Sessions returns a snapshot of every live session.
func (r *Registry) Sessions() []*Session {
	var out []*Session
	for i := range r.sessions {
		sh := &r.sessions[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Subscribe adds channel to the session and the channel index together.
func (r *Registry) Subscribe(sessionID, channel string) bool {
	s, ok := r.Session(sessionID)
	if !ok {
		return false
	}
	return r.attach(s, channel)
}

func (r *Registry) attach(s *Session, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.channels[channel] = struct{}{}
	r.index.Add(channel, s)
	return true
}

// Unsubscribe removes channel from the session and the channel index.
// Returns false when the session was not subscribed.
func (r *Registry) Unsubscribe(sessionID, channel string) bool {
	s, ok := r.Session(sessionID)
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channel]; !ok {
		return false
	}
	delete(s.channels, channel)
	r.index.Remove(channel, s)
	return true
}

// Subscribers returns the sessions currently indexed under channel.
func (r *Registry) Subscribers(channel string) []*Session {
	return r.index.Get(channel)
}

func (r *Registry) Channels(sessionID string) []string {
	s, ok := r.Session(sessionID)
	if !ok {
		return nil
	}
	return s.Channels()
}

// UserSessions returns the user's live sessions.
func (r *Registry) UserSessions(userID string) []*Session {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	set := us.users[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Registry) CountUserSessions(userID string) int {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.users[userID])
}

func (r *Registry) connectedUsers() []string {
	var out []string
	for i := range r.users {
		us := &r.users[i]
		us.mu.RLock()
		for userID := range us.users {
			out = append(out, userID)
		}
		us.mu.RUnlock()
	}
	return out
}

// Heartbeat records a heartbeat for the session.
func (r *Registry) Heartbeat(sessionID string) bool {
	s, ok := r.Session(sessionID)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.lastHeartbeat = r.now()
	s.mu.Unlock()
	return true
}

// SetHeartbeat hands the session ownership of its heartbeat task. stop runs
// on Unregister, or immediately if the session is already gone.
func (r *Registry) SetHeartbeat(sessionID string, stop func()) bool {
	s, ok := r.Session(sessionID)
	if !ok {
		stop()
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
		return false
	}
	previous := s.stopHeartbeat
	s.stopHeartbeat = stop
	s.mu.Unlock()

	if previous != nil {
		previous()
	}
	return true
}

// SendToSession writes a raw frame to one session.
func (r *Registry) SendToSession(sessionID string, payload []byte) bool {
	s, ok := r.Session(sessionID)
	if !ok || !s.alive() {
		return false
	}
	if err := s.conn.Send(payload); err != nil {
		r.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Send to session failed")
		return false
	}
	return true
}

// CloseAll closes every live session with code and returns how many it closed.
func (r *Registry) CloseAll(code protocol.CloseCode, reason string) int {
	sessions := r.Sessions()
	for _, s := range sessions {
		if s.conn != nil {
			s.conn.Close(code, reason)
		}
	}
	return len(sessions)
}

// Stats is a registry snapshot.
type Stats struct {
	Total          int `json:"total"`
	Authenticated  int `json:"authenticated"`
	UniqueUsers    int `json:"uniqueUsers"`
	ActiveChannels int `json:"activeChannels"`
	QueuedMessages int `json:"queuedMessages"`
	PendingAcks    int `json:"pendingAcks"`
}

func (r *Registry) Stats() Stats {
	var stats Stats
	for _, s := range r.Sessions() {
		stats.Total++
		if s.Authenticated() {
			stats.Authenticated++
		}
	}
	for i := range r.users {
		us := &r.users[i]
		us.mu.RLock()
		stats.UniqueUsers += len(us.users)
		us.mu.RUnlock()
	}
	stats.ActiveChannels = r.index.Channels()
	stats.QueuedMessages = r.queue.Depth()
	stats.PendingAcks = r.queue.PendingCount()
	return stats
}
