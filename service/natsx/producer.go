package natsx

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsxProducer 生产端
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// Publish 发往 topic 对应的 subject，事件ID 与来源实例写入消息头
func (p *NatsxProducer) Publish(ctx context.Context, topic, eventID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.c.Connected() {
		return ErrDisconnected
	}
	subject, err := TopicToSubject(topic)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	if eventID != "" {
		msg.Header.Set(HeaderMsgID, eventID)
	}
	if p.c.cfg.Origin != "" {
		msg.Header.Set(HeaderOrigin, p.c.cfg.Origin)
	}
	if err := p.c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Flush 等待已发布消息到达服务端
func (p *NatsxProducer) Flush(ctx context.Context) error {
	return p.c.nc.FlushWithContext(ctx)
}
