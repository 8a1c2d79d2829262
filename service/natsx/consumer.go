package natsx

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsxConsumer 消费端
type NatsxConsumer struct {
	c   *NatsxClient
	mws []NatsxMiddleware
}

func NewNatsxConsumer(c *NatsxClient, mws ...NatsxMiddleware) *NatsxConsumer {
	return &NatsxConsumer{c: c, mws: mws}
}

type natsSub struct {
	topic string
	c     *NatsxClient
	sub   *nats.Subscription
}

func (s *natsSub) Topic() string { return s.topic }

func (s *natsSub) Unsubscribe() error {
	s.c.mu.Lock()
	if cur, ok := s.c.subs[s.topic]; ok && cur == s.sub {
		delete(s.c.subs, s.topic)
	}
	s.c.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Subscribe Core 订阅；每个 topic 一个 subscription，nats 为其分配一个回调 goroutine
func (cs *NatsxConsumer) Subscribe(topic string, h NatsxHandler) (Subscription, error) {
	subject, err := TopicToSubject(topic)
	if err != nil {
		return nil, err
	}

	cs.c.mu.Lock()
	defer cs.c.mu.Unlock()
	if _, ok := cs.c.subs[topic]; ok {
		return nil, fmt.Errorf("topic already subscribed: %s", topic)
	}

	h = NatsxChain(h, cs.mws...)
	log := cs.c.log
	cb := func(m *nats.Msg) {
		msg := NatsxMessage{
			Topic:   topic,
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		}
		if err := h(context.Background(), msg); err != nil {
			log.Warn("handle message failed", zap.String("topic", topic), zap.String("event_id", msg.MsgID()), zap.Error(err))
		}
	}

	sub, err := cs.c.nc.Subscribe(subject, cb)
	if err != nil {
		return nil, err
	}
	_ = sub.SetPendingLimits(cs.c.cfg.PendingMsgs, cs.c.cfg.PendingBytes)
	cs.c.subs[topic] = sub
	return &natsSub{topic: topic, c: cs.c, sub: sub}, nil
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
