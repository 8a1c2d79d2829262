package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PGateway/module/notify/model"
	"PGateway/tools/errs"
)

// 客户端 -> 服务端
const (
	FramePing        = "ping"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameLogout      = "logout"
)

// 服务端 -> 客户端
const (
	FrameWelcome      = "welcome"
	FrameEvent        = "event"
	FramePong         = "pong"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameError        = "error"
)

type ClientFrame struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
}

type ServerFrame struct {
	Type     string          `json:"type"`
	ConnID   string          `json:"connId,omitempty"`
	Instance string          `json:"instance,omitempty"`
	Room     string          `json:"room,omitempty"`
	Rooms    []string        `json:"rooms,omitempty"`
	Event    *model.Event    `json:"event,omitempty"`
	Error    *errs.CodeError `json:"error,omitempty"`
	TS       int64           `json:"ts"`
}

func ParseFrameJSON(raw []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, errs.ErrMalformedRequest.WithDetail(fmt.Sprintf("unmarshal frame failed: %v", err))
	}
	f.Type = strings.ToLower(strings.TrimSpace(f.Type))
	f.Room = strings.TrimSpace(f.Room)
	switch f.Type {
	case FramePing, FrameLogout:
	case FrameSubscribe, FrameUnsubscribe:
		if f.Room == "" {
			return f, errs.ErrMalformedRequest.WithDetail(f.Type + " requires room")
		}
	default:
		return f, errs.ErrMalformedRequest.WithDetail(fmt.Sprintf("unknown frame type %q", f.Type))
	}
	return f, nil
}

// ---- 构造若干服务端回执 ----

func encode(f ServerFrame) []byte {
	if f.TS == 0 {
		f.TS = time.Now().UnixMilli()
	}
	b, _ := json.Marshal(f)
	return b
}

func BuildWelcome(connID, instanceID string, rooms []string) []byte {
	return encode(ServerFrame{Type: FrameWelcome, ConnID: connID, Instance: instanceID, Rooms: rooms})
}

// BuildEventFrame 每个事件编码一次，所有目标连接共享同一份字节
func BuildEventFrame(ev model.Event) ([]byte, error) {
	return json.Marshal(ServerFrame{Type: FrameEvent, Event: &ev, TS: time.Now().UnixMilli()})
}

func BuildPong() []byte { return encode(ServerFrame{Type: FramePong}) }

func BuildRoomAck(frameType, room string) []byte {
	return encode(ServerFrame{Type: frameType, Room: room})
}

func BuildError(err error, room string) []byte {
	ce, ok := errs.As(err)
	if !ok {
		ce = errs.ErrInternal
	}
	return encode(ServerFrame{Type: FrameError, Room: room, Error: ce})
}
