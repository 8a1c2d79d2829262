package natsx

import (
	"context"
	"strings"
	"time"

	"PGateway/tools/dedupe"
)

// ----- 抽象存储 -----
type IdemStore interface {
	SeenOnce(key string) (seen bool, err error)
}

// ----- 内存实现（单进程，有界） -----
type memIdem struct {
	w *dedupe.Window
}

// NewMemIdem 最多记 size 个 key，超过 ttl 视为新消息；不起后台协程
func NewMemIdem(size int, ttl time.Duration) IdemStore {
	return &memIdem{w: dedupe.New(size, ttl)}
}

func (mi *memIdem) SeenOnce(key string) (bool, error) {
	return mi.w.CheckAndMark(key), nil
}

// ----- 从消息头提取 msgID -----
func msgIDFromHeader(h map[string]string) string {
	// 标准头：Nats-Msg-Id；兼容 X-Msg-Id
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// ----- 幂等中间件 -----
// 同一主题上重复的事件ID直接丢弃
// 用法：NewNatsManager(cfg, log, NatsxIdemMiddleware(store))
func NatsxIdemMiddleware(store IdemStore) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			id := msg.MsgID()
			if id == "" {
				// 无ID时根据 subject+内容构造一个弱ID
				id = msg.Subject + "|" + strings.TrimSpace(string(msg.Data))
			}
			seen, _ := store.SeenOnce(msg.Topic + "|" + id)
			if seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
