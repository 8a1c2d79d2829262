package gateway

import (
	"context"
	"sync"
	"time"

	"PGateway/logger"
	"PGateway/module/notify/model"
	"PGateway/service/chat"
	"PGateway/service/metrics"
	"PGateway/service/natsx"
	"PGateway/tools/errs"
	"PGateway/tools/retry"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type RouterConf struct {
	InstanceID     string
	BroadcastRate  float64 // 每秒允许的广播数
	BroadcastBurst int
	Publish        retry.Policy
	PublishTimeout time.Duration // 单次发布超时
	StoreTimeout   time.Duration
	Clock          func() time.Time
}

func (c *RouterConf) norm() {
	if c.BroadcastRate <= 0 {
		c.BroadcastRate = 5
	}
	if c.BroadcastBurst <= 0 {
		c.BroadcastBurst = 10
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Router 本地投递 + 按主题发布一次；订阅跟随本地兴趣
type Router struct {
	conf    RouterConf
	log     *zap.Logger
	mgr     *chat.Manager
	store   SessionStore
	broker  Broker
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mu      sync.Mutex
	subs    map[string]natsx.Subscription
	started bool
	stopped bool
}

func NewRouter(conf RouterConf, mgr *chat.Manager, store SessionStore, broker Broker, m *metrics.Metrics, log *zap.Logger) *Router {
	conf.norm()
	return &Router{
		conf:    conf,
		log:     logger.OrNop(log).Named("router"),
		mgr:     mgr,
		store:   store,
		broker:  broker,
		metrics: m,
		limiter: rate.NewLimiter(rate.Limit(conf.BroadcastRate), conf.BroadcastBurst),
		subs:    make(map[string]natsx.Subscription),
	}
}

// Start 订阅广播主题并开始跟随本地兴趣
func (r *Router) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	r.mgr.SetTopicListener(r)
	r.reconcile(model.BroadcastTopic)
	r.mu.Lock()
	_, ok := r.subs[model.BroadcastTopic]
	r.mu.Unlock()
	if !ok {
		return errs.WrapMsg(errs.ErrDeliveryDegraded, "subscribe broadcast topic")
	}
	return nil
}

// Stop 退订全部主题
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for topic, s := range r.subs {
		if err := s.Unsubscribe(); err != nil {
			r.log.Warn("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
		delete(r.subs, topic)
	}
}

// TopicChanged 实现 chat.TopicListener
func (r *Router) TopicChanged(topic string) { r.reconcile(topic) }

// Subscribed 当前持有的订阅
func (r *Router) Subscribed(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[topic]
	return ok
}

// reconcile 以 Manager 的当前兴趣为准收敛订阅；通知乱序到达也能得到正确结果
func (r *Router) reconcile(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped {
		return
	}
	want := r.mgr.HasInterest(topic)
	sub, have := r.subs[topic]
	switch {
	case want && !have:
		s, err := r.broker.Subscribe(topic, r.handle)
		if err != nil {
			r.log.Warn("subscribe failed", zap.String("topic", topic), zap.Error(err))
			return
		}
		r.subs[topic] = s
		r.log.Debug("subscribed", zap.String("topic", topic))
	case !want && have:
		if err := sub.Unsubscribe(); err != nil {
			r.log.Warn("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
		delete(r.subs, topic)
		r.log.Debug("unsubscribed", zap.String("topic", topic))
	}
}

// PublishEvent 校验、本地投递、向目标主题发布一次。
// 发布最终失败时返回 Ack 和 DeliveryDegraded，本地投递不受影响
func (r *Router) PublishEvent(ctx context.Context, ev model.Event) (Ack, error) {
	if err := ev.Validate(); err != nil {
		return Ack{}, err
	}
	ev = ev.EnsureID(r.conf.Clock())
	kind := string(ev.Target.Kind)
	ack := Ack{EventID: ev.ID}

	if ev.Target.Kind == model.TargetBroadcast && !r.limiter.Allow() {
		r.metrics.EventPublished(kind, "rate_limited")
		return ack, errs.ErrRateLimited.WrapMsg("broadcast rate exceeded")
	}

	ack.LocalDeliveries = r.deliverLocal(ctx, ev)
	r.metrics.Delivered("local", ack.LocalDeliveries)

	topic := ev.Target.Topic()
	if err := r.publish(ctx, topic, ev); err != nil {
		r.metrics.BrokerPublishFailed()
		r.metrics.EventPublished(kind, "degraded")
		r.log.Warn("publish failed, delivery degraded",
			zap.String("event_id", ev.ID), zap.String("topic", topic), zap.Error(err))
		ack.Degraded = true
		return ack, errs.ErrDeliveryDegraded.WrapMsg("publish", "topic", topic, "err", err)
	}
	ack.Published = true
	r.metrics.EventPublished(kind, "ok")
	return ack, nil
}

func (r *Router) publish(ctx context.Context, topic string, ev model.Event) error {
	data, err := encodeEnvelope(Envelope{Origin: r.conf.InstanceID, Event: ev})
	if err != nil {
		return err
	}
	return retry.Do(ctx, r.conf.Publish, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, r.conf.PublishTimeout)
		defer cancel()
		return r.broker.Publish(pctx, topic, ev.ID, data)
	})
}

func (r *Router) deliverLocal(ctx context.Context, ev model.Event) int {
	if ev.Target.Kind != model.TargetPrincipal {
		return r.mgr.Deliver(ev)
	}
	ids := r.lookupLocal(ctx, ev.Target.ID)
	// 本地索引补齐存储里没有的本地连接（存储不可用、登记失败）；每条连接只投一次
	covered := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		covered[id] = struct{}{}
	}
	for _, id := range r.mgr.LocalConns(ev.Target.ID) {
		if _, ok := covered[id]; !ok {
			ids = append(ids, id)
		}
	}
	return r.mgr.DeliverToConns(ev, ids...)
}

// handle 处理来自其他实例的事件
func (r *Router) handle(_ context.Context, msg natsx.NatsxMessage) error {
	env, err := decodeEnvelope(msg.Data)
	if err != nil {
		return err
	}
	if env.Origin == r.conf.InstanceID {
		return nil
	}
	target, err := model.ParseTopic(msg.Topic)
	if err != nil {
		return err
	}
	ev := env.Event
	ev.Target = target
	n := r.mgr.Deliver(ev)
	r.metrics.Delivered("broker", n)
	return nil
}
