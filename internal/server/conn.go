package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_fanout/internal/protocol"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// wsConn is one upgraded socket. It satisfies session.Conn: Send never
// blocks, and Close hands the close frame to the write pump.
type wsConn struct {
	id          string
	conn        net.Conn
	remoteAddr  string
	userAgent   string
	connectedAt time.Time

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closed      atomic.Bool
	closeCode   protocol.CloseCode
	closeReason string

	socketOnce sync.Once
}

func newWSConn(conn net.Conn, remoteAddr, userAgent string, bufferSize int) *wsConn {
	return &wsConn{
		conn:        conn,
		remoteAddr:  remoteAddr,
		userAgent:   userAgent,
		connectedAt: time.Now(),
		send:        make(chan []byte, bufferSize),
		done:        make(chan struct{}),
	}
}

func (c *wsConn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close records the close status and wakes the write pump. Only the first
// call wins.
func (c *wsConn) Close(code protocol.CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.closed.Store(true)
		close(c.done)
	})
}

func (c *wsConn) Alive() bool { return !c.closed.Load() }

func (c *wsConn) RemoteAddr() string { return c.remoteAddr }

func (c *wsConn) UserAgent() string { return c.userAgent }

func (c *wsConn) closeSocket() {
	c.socketOnce.Do(func() { c.conn.Close() })
}
