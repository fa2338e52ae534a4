package server

import (
	"bufio"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
)

// writePump batches queued frames into one flush per wakeup. When the
// connection is closed it writes what is still queued, sends the close frame
// and shuts the socket.
func (s *Server) writePump(c *wsConn) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"session_id": c.id,
	})
	defer s.pumps.Done()
	defer c.closeSocket()

	writer := bufio.NewWriter(c.conn)

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.writeBatch(writer, c, message); err != nil {
				s.logger.Debug().Err(err).Str("session_id", c.id).Msg("Failed to write message")
				s.coordinator.Error(c.id, err)
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if len(c.send) > 0 {
				if err := s.writeBatch(writer, c, <-c.send); err != nil {
					return
				}
			}
			body := ws.NewCloseFrameBody(ws.StatusCode(c.closeCode), c.closeReason)
			wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
			return
		}
	}
}

func (s *Server) writeBatch(writer *bufio.Writer, c *wsConn, first []byte) error {
	if err := s.writeFrame(writer, first); err != nil {
		return err
	}
	for n := len(c.send); n > 0; n-- {
		if err := s.writeFrame(writer, <-c.send); err != nil {
			return err
		}
	}
	return writer.Flush()
}

func (s *Server) writeFrame(writer *bufio.Writer, message []byte) error {
	if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
		return err
	}
	atomic.AddInt64(&s.stats.MessagesSent, 1)
	atomic.AddInt64(&s.stats.BytesSent, int64(len(message)))
	monitoring.UpdateMessageMetrics(1, 0)
	monitoring.UpdateBytesMetrics(int64(len(message)), 0)
	return nil
}
