package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PGateway/tools/errs"
	"PGateway/tools/ids"
)

type TargetKind string

const (
	TargetPrincipal TargetKind = "principal"
	TargetRoom      TargetKind = "room"
	TargetBroadcast TargetKind = "broadcast"
)

// BroadcastTopic 全实例唯一的广播主题
const BroadcastTopic = "broadcast:all"

// TargetSelector 事件目标：某个主体的全部连接 / 某房间 / 全体
type TargetSelector struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

func ToPrincipal(id string) TargetSelector { return TargetSelector{Kind: TargetPrincipal, ID: id} }
func ToRoom(id string) TargetSelector      { return TargetSelector{Kind: TargetRoom, ID: id} }
func ToBroadcast() TargetSelector          { return TargetSelector{Kind: TargetBroadcast} }

func (t TargetSelector) Validate() error {
	switch t.Kind {
	case TargetPrincipal, TargetRoom:
		if strings.TrimSpace(t.ID) == "" {
			return errs.ErrMalformedRequest.WithDetail(fmt.Sprintf("target %s requires id", t.Kind))
		}
		return nil
	case TargetBroadcast:
		return nil
	default:
		return errs.ErrMalformedRequest.WithDetail(fmt.Sprintf("unknown target kind %q", t.Kind))
	}
}

// Topic 主题名：principal:<id> / room:<id> / broadcast:all
func (t TargetSelector) Topic() string {
	if t.Kind == TargetBroadcast {
		return BroadcastTopic
	}
	return string(t.Kind) + ":" + t.ID
}

// ParseTopic 是 Topic 的逆运算
func ParseTopic(topic string) (TargetSelector, error) {
	if topic == BroadcastTopic {
		return ToBroadcast(), nil
	}
	kind, id, ok := strings.Cut(topic, ":")
	if !ok {
		return TargetSelector{}, errs.ErrMalformedRequest.WithDetail("topic " + topic)
	}
	t := TargetSelector{Kind: TargetKind(kind), ID: id}
	if t.Kind == TargetBroadcast {
		return TargetSelector{}, errs.ErrMalformedRequest.WithDetail("topic " + topic)
	}
	if err := t.Validate(); err != nil {
		return TargetSelector{}, err
	}
	return t, nil
}

// Event 发布后不可变；ID 用于跨实例与跨房间去重
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Target      TargetSelector  `json:"target"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PublishedAt time.Time       `json:"publishedAt"`
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errs.ErrMalformedRequest.WithDetail("event type is required")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return errs.ErrMalformedRequest.WithDetail("payload is not valid json")
	}
	return e.Target.Validate()
}

// EnsureID 调用方未指定时补齐 ID 和发布时间，返回副本
func (e Event) EnsureID(now time.Time) Event {
	if e.ID == "" {
		e.ID = ids.EventID()
	}
	if e.PublishedAt.IsZero() {
		e.PublishedAt = now.UTC()
	}
	return e
}
