package chat

import (
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ---- 读循环：只读，不写；回执经出站队列由写协程发出 ----
func (m *Manager) readLoop(c *Conn) {
	defer m.closeConn(c, CloseGoingAway, "reader exit")
	for {
		data, err := c.transport.ReadFrame()
		if err != nil {
			code, reason := readCloseCode(err)
			if c.State() != Closed {
				m.log.Debug("read ended", zap.String("conn_id", c.ID), zap.Error(err))
			}
			m.closeConn(c, code, reason)
			return
		}
		c.touch(m.now())

		f, perr := ParseFrameJSON(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			m.log.Debug("bad frame", zap.String("conn_id", c.ID), zap.ByteString("sample", sample), zap.Error(perr))
			m.push(c, BuildError(perr, ""))
			continue
		}

		switch f.Type {
		case FramePing:
			m.push(c, BuildPong())
		case FrameSubscribe:
			if err := m.Join(c.ID, f.Room); err != nil {
				m.push(c, BuildError(err, f.Room))
				continue
			}
			m.push(c, BuildRoomAck(FrameSubscribed, f.Room))
		case FrameUnsubscribe:
			_ = m.Leave(c.ID, f.Room)
			m.push(c, BuildRoomAck(FrameUnsubscribed, f.Room))
		case FrameLogout:
			if err := m.Drain(c.ID, "logout"); err != nil {
				m.log.Debug("logout drain", zap.String("conn_id", c.ID), zap.Error(err))
			}
		}
	}
}

// ---- 写循环：队列帧、心跳 ping、排空 ----
func (m *Manager) writeLoop(c *Conn) {
	defer m.closeConn(c, CloseGoingAway, "writer exit")
	ticker := time.NewTicker(m.conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.drainCh:
			if err := m.flush(c); err != nil {
				m.closeConn(c, CloseGoingAway, "write failed")
				return
			}
			m.closeConn(c, CloseNormal, "drained")
			return
		case frame := <-c.queue:
			if err := c.transport.WriteFrame(frame); err != nil {
				m.log.Debug("write failed", zap.String("conn_id", c.ID), zap.Error(err))
				m.closeConn(c, CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.transport.Ping(); err != nil {
				m.closeConn(c, CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

// flush 写出 Draining 之前已入队的帧；进入 Draining 后队列只减不增
func (m *Manager) flush(c *Conn) error {
	for {
		select {
		case <-c.done:
			return nil
		case frame := <-c.queue:
			if err := c.transport.WriteFrame(frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func readCloseCode(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return CloseNormal, "peer closed"
		}
		return CloseGoingAway, "peer closed abnormally"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CloseGoingAway, "read timeout"
	}
	return CloseGoingAway, "connection lost"
}
