package natsx

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// NatsManager 统一门面：网关只依赖这一个对象（发布、按主题订阅、连接状态）
type NatsManager struct {
	client   *NatsxClient
	producer *NatsxProducer
	consumer *NatsxConsumer
}

// NewNatsManager 初始化；默认中间件顺序：recover -> 来源过滤 -> 幂等 -> 自定义
func NewNatsManager(cfg NatsxConfig, log *zap.Logger, middlewares ...NatsxMiddleware) (*NatsManager, error) {
	c, err := NewNatsxClient(cfg, log)
	if err != nil {
		return nil, err
	}
	mws := append([]NatsxMiddleware{
		NatsxRecover(c.log),
		NatsxOriginFilter(cfg.Origin),
	}, middlewares...)
	m := &NatsManager{
		client:   c,
		producer: NewNatsxProducer(c),
		consumer: NewNatsxConsumer(c, mws...),
	}
	return m, nil
}

// Close 释放资源（优雅关闭订阅与连接）
func (m *NatsManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

// Publish 生产消息
func (m *NatsManager) Publish(ctx context.Context, topic, eventID string, data []byte) error {
	if m == nil || m.producer == nil {
		return fmt.Errorf("manager not initialized")
	}
	return m.producer.Publish(ctx, topic, eventID, data)
}

// Subscribe 广播语义订阅（不使用队列组，每个实例都收到）
func (m *NatsManager) Subscribe(topic string, h NatsxHandler) (Subscription, error) {
	if m == nil || m.consumer == nil {
		return nil, fmt.Errorf("manager not initialized")
	}
	return m.consumer.Subscribe(topic, h)
}

func (m *NatsManager) Connected() bool {
	return m != nil && m.client != nil && m.client.Connected()
}

// Flush 测试与优雅关闭时确保发布已送达服务端
func (m *NatsManager) Flush(ctx context.Context) error {
	return m.producer.Flush(ctx)
}
