// Package reconnect is the consumer side of the fan-out protocol: a websocket
// client that authenticates, keeps its subscriptions alive across reconnects
// and buffers outbound commands while the link is down.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_fanout/internal/protocol"
)

// State is where a Driver is in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateReady
	StateReconnectScheduled
)

var stateNames = [...]string{
	StateDisconnected:       "DISCONNECTED",
	StateConnecting:         "CONNECTING",
	StateConnected:          "CONNECTED",
	StateAuthenticating:     "AUTHENTICATING",
	StateReady:              "READY",
	StateReconnectScheduled: "RECONNECT_SCHEDULED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	DefaultBufferSize    = 100
	DefaultMessageBuffer = 256
	DefaultReadTimeout   = 90 * time.Second

	maxBackoff = 30 * time.Second
	writeWait  = 10 * time.Second
)

var (
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrClosed            = errors.New("driver closed")

	errStopped = errors.New("driver stopped")
)

// Backoff returns the delay before reconnect attempt n (1-based):
// 1s, 2s, 4s, 8s, 16s, then 30s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return maxBackoff
	}
	return time.Second << (attempt - 1)
}

type Config struct {
	URL    string
	Token  string
	Header http.Header

	// MaxAttempts bounds consecutive failed reconnects. 0 retries forever.
	MaxAttempts int
	// BufferSize bounds commands held while not READY; the oldest is dropped.
	BufferSize    int
	MessageBuffer int
	// CompressThreshold sends payloads longer than this many bytes as gzip
	// binary frames. 0 disables compression.
	CompressThreshold int
	// AutoAck acknowledges every delivered message that carries an id.
	AutoAck     bool
	ReadTimeout time.Duration

	Backoff       func(attempt int) time.Duration
	Dialer        *websocket.Dialer
	OnStateChange func(State)
	Logger        zerolog.Logger
}

type subscription struct {
	channel  string
	priority int
}

func (s subscription) command() protocol.Subscribe {
	cmd := protocol.Subscribe{Channel: s.channel}
	if s.priority >= 0 {
		p := s.priority
		cmd.Priority = &p
	}
	return cmd
}

// Driver owns one logical connection. Run drives it; the other methods are
// safe to call from any goroutine.
type Driver struct {
	config Config
	logger zerolog.Logger
	state  atomic.Int32

	// mu guards the live conn, the subscription list and the outbound
	// buffer. Writes that must stay ordered against replay happen under it.
	mu       sync.Mutex
	conn     *websocket.Conn
	subs     []subscription
	outbound [][]byte
	dropped  int64

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex

	messages  chan protocol.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func New(config Config) (*Driver, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if config.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.MessageBuffer <= 0 {
		config.MessageBuffer = DefaultMessageBuffer
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.Backoff == nil {
		config.Backoff = Backoff
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}

	return &Driver{
		config:   config,
		logger:   config.Logger.With().Str("component", "reconnect").Str("url", config.URL).Logger(),
		messages: make(chan protocol.Message, config.MessageBuffer),
		closed:   make(chan struct{}),
	}, nil
}

func (d *Driver) State() State { return State(d.state.Load()) }

// Messages yields every server frame except handshake and heartbeat traffic.
// It is closed when Run returns.
func (d *Driver) Messages() <-chan protocol.Message { return d.messages }

// Buffered is the number of commands waiting for READY.
func (d *Driver) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.outbound)
}

// Dropped counts buffered commands discarded on overflow.
func (d *Driver) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run connects and keeps reconnecting until ctx is done, Close is called or
// MaxAttempts consecutive attempts fail. It returns nil after Close. Run may
// be called once.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.messages)
	defer d.setState(StateDisconnected)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.isClosed() {
			return nil
		}

		ready, err := d.connect(ctx)
		if d.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if ready {
			attempt = 0
		}
		attempt++
		if d.config.MaxAttempts > 0 && attempt > d.config.MaxAttempts {
			d.logger.Error().Err(err).Int("attempts", attempt-1).Msg("Giving up reconnecting")
			return fmt.Errorf("%w: %w", ErrAttemptsExhausted, err)
		}

		delay := d.config.Backoff(attempt)
		d.setState(StateReconnectScheduled)
		d.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Connection lost, reconnect scheduled")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-d.closed:
			timer.Stop()
			return nil
		}
	}
}

// connect runs one connection until it fails. ready reports whether it got
// as far as READY, which resets the attempt count.
func (d *Driver) connect(ctx context.Context) (ready bool, err error) {
	d.setState(StateConnecting)

	conn, resp, err := d.config.Dialer.DialContext(ctx, d.config.URL, d.config.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	d.setState(StateConnected)

	stop := make(chan struct{})
	defer func() {
		close(stop)
		d.mu.Lock()
		d.conn = nil
		d.mu.Unlock()
		conn.Close()
	}()
	// Unblock ReadMessage on cancel or Close.
	go func() {
		select {
		case <-ctx.Done():
		case <-d.closed:
		case <-stop:
			return
		}
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(d.config.ReadTimeout))
		op, raw, err := conn.ReadMessage()
		if err != nil {
			return ready, err
		}

		if op == websocket.BinaryMessage {
			if raw, err = protocol.Decompress(raw); err != nil {
				d.logger.Warn().Err(err).Msg("Dropping undecodable binary frame")
				continue
			}
		}
		msg, err := protocol.ParseMessage(raw)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}

		switch msg.Type {
		case protocol.TypeAuthRequired:
			d.setState(StateAuthenticating)
			if err := d.writeCommand(conn, protocol.Auth{Token: d.config.Token}); err != nil {
				return ready, err
			}
			continue

		case protocol.TypePing:
			if err := d.writeCommand(conn, protocol.Pong{}); err != nil {
				return ready, err
			}
			continue

		case protocol.TypeAuthResponse:
			if msg.Status != protocol.StatusSuccess {
				return ready, fmt.Errorf("%w: %s", ErrAuthFailed, msg.Message)
			}
			if err := d.becomeReady(conn); err != nil {
				return ready, err
			}
			ready = true

		case protocol.TypeError:
			if d.State() == StateAuthenticating && isAuthError(msg.Code) {
				return ready, fmt.Errorf("%w: %s", ErrAuthFailed, msg.Message)
			}

		case protocol.TypeMessage:
			if d.config.AutoAck && msg.MessageID != "" {
				if err := d.writeCommand(conn, protocol.Ack{MessageID: msg.MessageID}); err != nil {
					return ready, err
				}
			}
		}

		select {
		case d.messages <- msg:
		case <-ctx.Done():
			return ready, errStopped
		case <-d.closed:
			return ready, errStopped
		}
	}
}

// becomeReady replays subscriptions, flushes the outbound buffer in order and
// only then flips to READY, so nothing sent later can overtake them.
func (d *Driver) becomeReady(conn *websocket.Conn) error {
	d.mu.Lock()
	for _, sub := range d.subs {
		if err := d.writeCommand(conn, sub.command()); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("replay subscription %s: %w", sub.channel, err)
		}
	}
	flushed := 0
	for len(d.outbound) > 0 {
		if err := d.write(conn, d.outbound[0]); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("flush outbound: %w", err)
		}
		d.outbound = d.outbound[1:]
		flushed++
	}
	d.outbound = nil
	replayed := len(d.subs)
	old := d.swapState(StateReady)
	d.mu.Unlock()

	// Callbacks run outside mu so they may call back into the driver.
	d.notify(old, StateReady)
	d.logger.Info().Int("subscriptions", replayed).Int("flushed", flushed).Msg("Ready")
	return nil
}

// Send transmits cmd now when READY, otherwise buffers it. A failed write is
// buffered too and goes out after the next reconnect.
func (d *Driver) Send(cmd protocol.Command) error {
	payload, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	if d.isClosed() {
		return ErrClosed
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil || d.State() != StateReady {
		d.bufferLocked(payload)
		return nil
	}
	if err := d.write(d.conn, payload); err != nil {
		d.logger.Debug().Err(err).Msg("Write failed, buffering")
		d.bufferLocked(payload)
	}
	return nil
}

func (d *Driver) bufferLocked(payload []byte) {
	if len(d.outbound) >= d.config.BufferSize {
		d.outbound = append(d.outbound[:0], d.outbound[1:]...)
		d.dropped++
		d.logger.Warn().Int("buffer_size", d.config.BufferSize).Msg("Outbound buffer full, dropped oldest")
	}
	d.outbound = append(d.outbound, payload)
}

// Subscribe records channel in local state, replayed on every reconnect. A
// negative priority lets the server pick its default.
func (d *Driver) Subscribe(channel string, priority int) error {
	if channel == "" {
		return fmt.Errorf("channel is required")
	}
	if d.isClosed() {
		return ErrClosed
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	sub := subscription{channel: channel, priority: priority}
	replaced := false
	for i := range d.subs {
		if d.subs[i].channel == channel {
			d.subs[i] = sub
			replaced = true
		}
	}
	if !replaced {
		d.subs = append(d.subs, sub)
	}

	if d.conn == nil || d.State() != StateReady {
		return nil
	}
	return d.writeCommand(d.conn, sub.command())
}

// Unsubscribe removes channel from local state and tells the server when
// connected.
func (d *Driver) Unsubscribe(channel string) error {
	if d.isClosed() {
		return ErrClosed
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	found := false
	for i := range d.subs {
		if d.subs[i].channel == channel {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			found = true
			break
		}
	}
	if !found || d.conn == nil || d.State() != StateReady {
		return nil
	}
	return d.writeCommand(d.conn, protocol.Unsubscribe{Channel: channel})
}

// Subscriptions lists the channels that will be replayed.
func (d *Driver) Subscriptions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.subs))
	for i, s := range d.subs {
		out[i] = s.channel
	}
	return out
}

// Close sends a normal closure and stops Run.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)

		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()
		if conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			d.logger.Debug().Err(err).Msg("Close frame not sent")
		}
		conn.Close()
	})
	return nil
}

func (d *Driver) writeCommand(conn *websocket.Conn, cmd protocol.Command) error {
	payload, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	return d.write(conn, payload)
}

func (d *Driver) write(conn *websocket.Conn, payload []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if t := d.config.CompressThreshold; t > 0 && len(payload) > t {
		compressed, err := protocol.Compress(payload)
		if err == nil {
			return conn.WriteMessage(websocket.BinaryMessage, compressed)
		}
		d.logger.Debug().Err(err).Msg("Compression failed, sending text")
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (d *Driver) setState(s State) {
	d.notify(d.swapState(s), s)
}

func (d *Driver) swapState(s State) State {
	return State(d.state.Swap(int32(s)))
}

func (d *Driver) notify(old, s State) {
	if old == s {
		return
	}
	d.logger.Debug().Stringer("from", old).Stringer("to", s).Msg("State change")
	if d.config.OnStateChange != nil {
		d.config.OnStateChange(s)
	}
}

func isAuthError(code protocol.ErrorCode) bool {
	return code == protocol.CodeInvalidToken || code == protocol.CodeAuthenticationFailed
}

func (d *Driver) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}
