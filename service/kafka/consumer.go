// Package kafka ingests domain events from Kafka topics and hands them to the
// gateway's event router. Each message value is a JSON event; the message key,
// when set, is used as the event id so producer retries deduplicate downstream.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"PGateway/logger"
	"PGateway/module/notify/model"
	"PGateway/service/gateway"
	"PGateway/service/metrics"
	"PGateway/tools/errs"
	"PGateway/tools/retry"
	"PGateway/tools/safe"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Publisher 事件入口，*gateway.Gateway 满足
type Publisher interface {
	PublishEvent(ctx context.Context, ev model.Event) (gateway.Ack, error)
}

type ConsumerGroupHandler struct {
	conf    IngestConfig
	pub     Publisher
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewConsumerGroupHandler(conf IngestConfig, pub Publisher, m *metrics.Metrics, log *zap.Logger) *ConsumerGroupHandler {
	conf.norm()
	return &ConsumerGroupHandler{conf: conf, pub: pub, metrics: m, log: logger.OrNop(log).Named("kafka")}
}

func (h *ConsumerGroupHandler) Setup(s sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group setup", zap.String("member", s.MemberID()), zap.Int32("generation", s.GenerationID()))
	return nil
}

func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group cleanup")
	return nil
}

// ConsumeClaim 每条消息处理后都提交位点；发布失败不重放（本地已投递，重放会重复）
func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handleMessage(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

// handleMessage 返回处理结果标签，同时记入指标
func (h *ConsumerGroupHandler) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) string {
	result := h.publish(ctx, msg)
	h.metrics.KafkaMessage(result)
	return result
}

func (h *ConsumerGroupHandler) publish(ctx context.Context, msg *sarama.ConsumerMessage) string {
	log := h.log.With(zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	var ev model.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		log.Warn("malformed event dropped", zap.Error(err))
		return "malformed"
	}
	if ev.ID == "" && len(msg.Key) > 0 {
		ev.ID = string(msg.Key)
	}
	if ev.PublishedAt.IsZero() && !msg.Timestamp.IsZero() {
		ev.PublishedAt = msg.Timestamp.UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, h.conf.HandleTimeout)
	defer cancel()
	ack, err := h.pub.PublishEvent(ctx, ev)
	switch {
	case err == nil:
		log.Debug("event ingested", zap.String("event_id", ack.EventID), zap.Int("local", ack.LocalDeliveries))
		return "ok"
	case errors.Is(err, errs.ErrDeliveryDegraded):
		log.Warn("event ingested with degraded delivery", zap.String("event_id", ack.EventID), zap.Error(err))
		return "degraded"
	case errors.Is(err, errs.ErrMalformedRequest):
		log.Warn("invalid event dropped", zap.Error(err))
		return "malformed"
	case errors.Is(err, errs.ErrRateLimited):
		log.Warn("event dropped by rate limit", zap.String("event_id", ack.EventID))
		return "rate_limited"
	default:
		log.Error("publish event failed", zap.Error(err))
		return "error"
	}
}

// Ingestor 消费组生命周期
type Ingestor struct {
	conf    IngestConfig
	group   sarama.ConsumerGroup
	handler *ConsumerGroupHandler
	log     *zap.Logger
}

func NewIngestor(conf IngestConfig, pub Publisher, m *metrics.Metrics, log *zap.Logger) (*Ingestor, error) {
	conf.norm()
	if len(conf.Brokers) == 0 || len(conf.Topics) == 0 {
		return nil, errs.ErrInternal.WrapMsg("kafka brokers and topics are required")
	}
	group, err := sarama.NewConsumerGroup(conf.Brokers, conf.GroupID, conf.saramaConfig())
	if err != nil {
		return nil, errs.WrapMsg(err, "new consumer group", "group", conf.GroupID)
	}
	h := NewConsumerGroupHandler(conf, pub, m, log)
	return &Ingestor{conf: conf, group: group, handler: h, log: h.log}, nil
}

// Run 阻塞直到 ctx 结束；再均衡后重新 Consume
func (in *Ingestor) Run(ctx context.Context) {
	safe.Go(in.log, "kafka.errors", func() {
		for err := range in.group.Errors() {
			in.log.Warn("consumer group error", zap.Error(err))
		}
	})
	// 连续失败时退避，成功完成一轮（再均衡）后重置
	bo := retry.Policy{Backoff: in.conf.RetryBackoff, MaxBackoff: in.conf.MaxBackoff}.NewBackOff()
	for ctx.Err() == nil {
		err := in.group.Consume(ctx, in.conf.Topics, in.handler)
		if err == nil {
			bo.Reset()
			continue
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		wait := bo.NextBackOff()
		in.log.Warn("consume failed", zap.Duration("retry_in", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (in *Ingestor) Close() error {
	return in.group.Close()
}
