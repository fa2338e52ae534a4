package server

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
	"github.com/adred-codev/ws_fanout/internal/protocol"
)

// readPump reads client frames until the socket fails or the peer closes,
// then tears the session down.
func (s *Server) readPump(c *wsConn) {
	// Panic recovery must be the first defer so it runs last.
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"session_id": c.id,
	})

	code := protocol.CloseAbnormal
	defer func() {
		s.coordinator.Close(c.id, code)
		// No-op when the server already closed it; 1006 is never put on the wire.
		c.Close(protocol.CloseNormal, "")
		s.clients.Delete(c)
		s.guard.Release()
		atomic.AddInt64(&s.stats.CurrentConnections, -1)
		s.pumps.Done()
	}()

	for {
		c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		msg, op, err := readClientMessage(c.conn, protocol.MaxMessageSize)
		if errors.Is(err, errFrameTooLarge) {
			s.rejectFrame(c, protocol.ErrTooLarge)
			code = protocol.CloseViolatedPolicy
			c.Close(code, "Message too large")
			return
		}
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				code = protocol.CloseCode(closed.Code)
			}
			return
		}

		atomic.AddInt64(&s.stats.MessagesReceived, 1)
		atomic.AddInt64(&s.stats.BytesReceived, int64(len(msg)))
		monitoring.UpdateMessageMetrics(0, 1)
		monitoring.UpdateBytesMetrics(0, int64(len(msg)))

		switch op {
		case ws.OpText:
		case ws.OpBinary:
			// Binary frames carry gzip-compressed JSON.
			msg, err = protocol.Decompress(msg)
			if err != nil {
				s.rejectFrame(c, err)
				continue
			}
		default:
			continue
		}

		s.coordinator.Message(s.ctx, c.id, msg)
	}
}

var errFrameTooLarge = errors.New("frame exceeds message size limit")

// readClientMessage reads the next data message, answering control frames on
// the way. Frames whose header announces more than limit bytes are refused
// before their payload is read, and fragmented messages stop at limit+1.
func readClientMessage(rw io.ReadWriter, limit int64) ([]byte, ws.OpCode, error) {
	control := wsutil.ControlFrameHandler(rw, ws.StateServerSide)
	rd := wsutil.Reader{
		Source:         rw,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, 0, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, &rd); err != nil {
				return nil, 0, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, 0, err
			}
			continue
		}
		if hdr.Length > limit {
			return nil, 0, errFrameTooLarge
		}

		msg, err := io.ReadAll(io.LimitReader(&rd, limit+1))
		if err != nil {
			return nil, 0, err
		}
		if int64(len(msg)) > limit {
			return nil, 0, errFrameTooLarge
		}
		return msg, hdr.OpCode, nil
	}
}

func (s *Server) rejectFrame(c *wsConn, err error) {
	atomic.AddInt64(&s.stats.RejectedMessages, 1)

	errCode := protocol.CodeInvalidMessage
	if errors.Is(err, protocol.ErrTooLarge) {
		errCode = protocol.CodeMessageTooLarge
	}
	s.logger.Debug().Err(err).Str("session_id", c.id).Msg("Rejected binary frame")
	c.Send(protocol.ErrorMessage(errCode, "", time.Now()))
}
