package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"PGateway/module/notify/model"
	"PGateway/tools/errs"
)

const maxRoomLen = 128

// RoomPolicy 决定主体能否加入房间；返回的错误原样回给客户端
type RoomPolicy interface {
	CanJoin(p model.Principal, room string) error
}

type RoomPolicyFunc func(p model.Principal, room string) error

func (f RoomPolicyFunc) CanJoin(p model.Principal, room string) error { return f(p, room) }

// AllowAll 默认策略
var AllowAll RoomPolicy = RoomPolicyFunc(func(model.Principal, string) error { return nil })

// TopicListener 本地兴趣变化通知（首个订阅者加入 / 最后一个离开）。
// 回调在 Manager 锁外执行，接收方应以 Manager.HasInterest 的当前值为准
type TopicListener interface {
	TopicChanged(topic string)
}

type TopicListenerFunc func(topic string)

func (f TopicListenerFunc) TopicChanged(topic string) { f(topic) }

// SessionRegistry 会话存储中 Connection Manager 用到的部分
type SessionRegistry interface {
	Register(ctx context.Context, principalID, connectionID, instanceID string) (*model.SessionRecord, error)
	Deregister(ctx context.Context, principalID, connectionID string) error
	Refresh(ctx context.Context, principalID, connectionID string) (bool, error)
}

func validRoom(room string) error {
	switch {
	case strings.TrimSpace(room) == "":
		return errs.ErrMalformedRequest.WithDetail("room is empty")
	case len(room) > maxRoomLen:
		return errs.ErrMalformedRequest.WithDetail("room name too long")
	case !utf8.ValidString(room):
		return errs.ErrMalformedRequest.WithDetail("room name is not utf-8")
	}
	return nil
}

func roomTopic(room string) string { return model.ToRoom(room).Topic() }

func principalTopic(id string) string { return model.ToPrincipal(id).Topic() }
