// Package localbus is an in-process broker with the same contract as the
// NATS adapter. Several gateway instances in one process (tests, single-node
// mode) attach to one Bus and see each other's publications.
package localbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"PGateway/service/natsx"
	"PGateway/tools/safe"

	"go.uber.org/zap"
)

var (
	ErrDisconnected = errors.New("localbus: not connected")
	ErrClosed       = errors.New("localbus: closed")
)

// Bus 共享的主题表
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*subscription]struct{}
	buffer int
	log    *zap.Logger
}

// New buffer 为每个订阅的待处理消息上限，满了丢弃并告警
func New(buffer int, log *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{topics: make(map[string]map[*subscription]struct{}), buffer: buffer, log: log}
}

func (b *Bus) deliver(msg natsx.NatsxMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.topics[msg.Topic] {
		if s.client.origin == msg.Origin() {
			continue // NoEcho
		}
		select {
		case s.ch <- msg:
		default:
			b.log.Warn("subscription buffer full, message dropped",
				zap.String("topic", msg.Topic), zap.String("instance", s.client.origin))
		}
	}
}

func (b *Bus) add(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.topics[s.topic]
	if !ok {
		set = make(map[*subscription]struct{})
		b.topics[s.topic] = set
	}
	set[s] = struct{}{}
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.topics[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.topics, s.topic)
		}
	}
}

// Client 一个实例在总线上的端点
type Client struct {
	bus       *Bus
	origin    string
	mws       []natsx.NatsxMiddleware
	connected atomic.Bool
	closed    atomic.Bool

	mu   sync.Mutex
	subs map[string]*subscription
}

// Connect 默认中间件与 NATS 端一致：recover -> 来源过滤 -> 自定义
func (b *Bus) Connect(origin string, mws ...natsx.NatsxMiddleware) *Client {
	c := &Client{
		bus:    b,
		origin: origin,
		mws: append([]natsx.NatsxMiddleware{
			natsx.NatsxRecover(b.log),
			natsx.NatsxOriginFilter(origin),
		}, mws...),
		subs: make(map[string]*subscription),
	}
	c.connected.Store(true)
	return c
}

func (c *Client) Connected() bool { return c.connected.Load() && !c.closed.Load() }

// SetConnected 模拟断线/恢复
func (c *Client) SetConnected(v bool) { c.connected.Store(v) }

func (c *Client) Publish(ctx context.Context, topic, eventID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.connected.Load() {
		return ErrDisconnected
	}
	hdr := map[string]string{natsx.HeaderOrigin: c.origin}
	if eventID != "" {
		hdr[natsx.HeaderMsgID] = eventID
	}
	c.bus.deliver(natsx.NatsxMessage{
		Topic:   topic,
		Subject: topic,
		Data:    append([]byte(nil), data...),
		Header:  hdr,
	})
	return nil
}

// Subscribe 每个主题一个订阅、一个投递 goroutine
func (c *Client) Subscribe(topic string, h natsx.NatsxHandler) (natsx.Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[topic]; ok {
		return nil, fmt.Errorf("topic already subscribed: %s", topic)
	}
	s := &subscription{
		topic:   topic,
		client:  c,
		handler: natsx.NatsxChain(h, c.mws...),
		ch:      make(chan natsx.NatsxMessage, c.bus.buffer),
		done:    make(chan struct{}),
	}
	c.subs[topic] = s
	c.bus.add(s)
	safe.Go(c.bus.log, "localbus:"+topic, s.loop)
	return s, nil
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

type subscription struct {
	topic   string
	client  *Client
	handler natsx.NatsxHandler
	ch      chan natsx.NatsxMessage
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.client.bus.remove(s)
		s.client.mu.Lock()
		if cur, ok := s.client.subs[s.topic]; ok && cur == s {
			delete(s.client.subs, s.topic)
		}
		s.client.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ch:
			if err := s.handler(context.Background(), msg); err != nil {
				s.client.bus.log.Warn("handle message failed",
					zap.String("topic", s.topic), zap.String("event_id", msg.MsgID()), zap.Error(err))
			}
		}
	}
}
