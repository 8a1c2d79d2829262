package natsx

import (
	"context"

	"PGateway/tools/errs"

	"go.uber.org/zap"
)

// 消息头
const (
	HeaderMsgID  = "Nats-Msg-Id" // 事件ID，跨实例去重
	HeaderOrigin = "Gw-Origin"   // 发布方实例ID
)

// NatsxMessage 统一消息对象
type NatsxMessage struct {
	Topic   string // 逻辑主题 room:<id> / principal:<id> / broadcast:all
	Subject string // 传输层 subject；进程内总线与 Topic 相同
	Data    []byte
	Header  map[string]string
}

func (m NatsxMessage) MsgID() string  { return msgIDFromHeader(m.Header) }
func (m NatsxMessage) Origin() string { return m.Header[HeaderOrigin] }

// NatsxHandler 业务处理函数
type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

// NatsxMiddleware 中间件（日志、指标、重试等）
type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain 组合中间件
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Subscription 单个主题的订阅句柄
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// NatsxOriginFilter 丢弃本实例自己发布的消息（本地投递已在发布路径完成）
func NatsxOriginFilter(self string) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			if self != "" && msg.Origin() == self {
				return nil
			}
			return next(ctx, msg)
		}
	}
}

// NatsxRecover 回调 panic 转为错误，订阅 goroutine 不退出
func NatsxRecover(log *zap.Logger) NatsxMiddleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errs.ErrPanic(r)
					log.Error("subscription handler panic", zap.String("topic", msg.Topic), zap.Error(err))
				}
			}()
			return next(ctx, msg)
		}
	}
}
