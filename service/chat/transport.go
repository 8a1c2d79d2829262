package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport 连接的底层收发。ReadFrame 只在读协程调用，WriteFrame 只在写协程调用；
// Ping/Close 任意协程可调
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Ping() error
	Close(code int, reason string) error
	SetPongHandler(fn func())
	RemoteAddr() string
}

// ---- 常量参数 ----
const (
	defaultWriteWait = 10 * time.Second
	defaultReadLimit = 64 * 1024
)

type wsTransport struct {
	ws        *websocket.Conn
	writeWait time.Duration
	closeOnce sync.Once
}

// NewWSTransport gorilla/websocket 适配
func NewWSTransport(ws *websocket.Conn, writeWait time.Duration, readLimit int64) Transport {
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	ws.SetReadLimit(readLimit)
	return &wsTransport{ws: ws, writeWait: writeWait}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := t.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteFrame(data []byte) error {
	if err := t.ws.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(t.writeWait))
}

// Close 先发 close 帧再关底层连接，多次调用只生效一次
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		_ = t.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(t.writeWait))
		err = t.ws.Close()
	})
	return err
}

func (t *wsTransport) SetPongHandler(fn func()) {
	t.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (t *wsTransport) RemoteAddr() string {
	if ra := t.ws.RemoteAddr(); ra != nil {
		return ra.String()
	}
	return ""
}
