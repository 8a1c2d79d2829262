package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PGateway/module/notify/model"
	"PGateway/service/gateway"
	"PGateway/service/metrics"
	"PGateway/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	got []model.Event
	err error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, ev model.Event) (gateway.Ack, error) {
	p.got = append(p.got, ev)
	if err := ev.Validate(); err != nil {
		return gateway.Ack{}, err
	}
	return gateway.Ack{EventID: ev.ID, LocalDeliveries: 1, Published: p.err == nil}, p.err
}

func message(key, value string) *sarama.ConsumerMessage {
	m := &sarama.ConsumerMessage{Topic: "gw.events", Value: []byte(value), Timestamp: time.Unix(1_700_000_000, 0)}
	if key != "" {
		m.Key = []byte(key)
	}
	return m
}

func TestHandleMessage(t *testing.T) {
	pub := &recordingPublisher{}
	h := NewConsumerGroupHandler(IngestConfig{}, pub, metrics.New(), nil)
	ctx := context.Background()

	res := h.handleMessage(ctx, message("evt-1", `{"type":"report.ready","target":{"kind":"principal","id":"u1"},"payload":{"a":1}}`))
	assert.Equal(t, "ok", res)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "evt-1", pub.got[0].ID)
	assert.Equal(t, model.ToPrincipal("u1"), pub.got[0].Target)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), pub.got[0].PublishedAt)

	// 消息体自带 id 时优先
	h.handleMessage(ctx, message("key", `{"id":"own","type":"x","target":{"kind":"broadcast"}}`))
	assert.Equal(t, "own", pub.got[1].ID)

	assert.Equal(t, "malformed", h.handleMessage(ctx, message("", `{not json`)))
	assert.Len(t, pub.got, 2)
	assert.Equal(t, "malformed", h.handleMessage(ctx, message("", `{"type":"x","target":{"kind":"room"}}`)))
}

func TestHandleMessageOutcomes(t *testing.T) {
	body := `{"type":"x","target":{"kind":"broadcast"}}`
	cases := []struct {
		err  error
		want string
	}{
		{errs.ErrDeliveryDegraded.WrapMsg("nats down"), "degraded"},
		{errs.ErrRateLimited.Wrap(), "rate_limited"},
		{context.DeadlineExceeded, "error"},
	}
	for _, tc := range cases {
		pub := &recordingPublisher{err: tc.err}
		h := NewConsumerGroupHandler(IngestConfig{}, pub, nil, nil)
		assert.Equal(t, tc.want, h.handleMessage(context.Background(), message("", body)))
	}
}

func TestNewIngestorRequiresTopics(t *testing.T) {
	_, err := NewIngestor(IngestConfig{Brokers: []string{"127.0.0.1:9092"}}, &recordingPublisher{}, nil, nil)
	assert.Error(t, err)
}

// failingGroup Consume 总是失败，记录调用时间
type failingGroup struct {
	sarama.ConsumerGroup

	mu    sync.Mutex
	calls []time.Time
	errs  chan error
}

func (g *failingGroup) Consume(context.Context, []string, sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.calls = append(g.calls, time.Now())
	g.mu.Unlock()
	return errors.New("kafka: client has run out of available brokers")
}

func (g *failingGroup) Errors() <-chan error { return g.errs }

func (g *failingGroup) Close() error { return nil }

func TestRunBacksOffBetweenFailedConsumes(t *testing.T) {
	g := &failingGroup{errs: make(chan error)}
	close(g.errs)
	conf := IngestConfig{Topics: []string{"gw.events"}, RetryBackoff: 20 * time.Millisecond, MaxBackoff: 80 * time.Millisecond}
	conf.norm()
	in := &Ingestor{conf: conf, group: g, handler: NewConsumerGroupHandler(conf, &recordingPublisher{}, nil, nil), log: zap.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		in.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx ended")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	require.GreaterOrEqual(t, len(g.calls), 2)
	assert.LessOrEqual(t, len(g.calls), 5, "failed consumes are spaced by backoff")
	for i := 1; i < len(g.calls); i++ {
		assert.GreaterOrEqual(t, g.calls[i].Sub(g.calls[i-1]), 20*time.Millisecond)
	}
}
