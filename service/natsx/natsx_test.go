package natsx

import (
	"context"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []NatsxMessage
}

func (b *inbox) handler(_ context.Context, msg NatsxMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func newManager(t *testing.T, url, origin string, mws ...NatsxMiddleware) *NatsManager {
	t.Helper()
	m, err := NewNatsManager(NatsxConfig{Servers: []string{url}, Name: origin, Origin: origin}, nil, mws...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSubjectMapping(t *testing.T) {
	cases := map[string]string{
		"room:lobby":      "gw.room.lobby",
		"principal:u-1_x": "gw.principal.u-1_x",
		"broadcast:all":   "gw.broadcast.all",
		"room:a.b*c>d e%": "gw.room.a%2Eb%2Ac%3Ed%20e%25",
		"room:中":          "gw.room.%E4%B8%AD",
	}
	for topic, subject := range cases {
		got, err := TopicToSubject(topic)
		require.NoError(t, err)
		assert.Equal(t, subject, got)
		back, err := SubjectToTopic(got)
		require.NoError(t, err)
		assert.Equal(t, topic, back)
	}

	_, err := TopicToSubject("nokind")
	assert.Error(t, err)
	_, err = SubjectToTopic("other.room.x")
	assert.Error(t, err)
	_, err = SubjectToTopic("gw.room.%4")
	assert.Error(t, err)
}

func TestPublishReachesOtherInstanceOnly(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	a := newManager(t, srv.ClientURL(), "gw-a")
	b := newManager(t, srv.ClientURL(), "gw-b")

	var gotA, gotB inbox
	_, err := a.Subscribe("room:r1", gotA.handler)
	require.NoError(t, err)
	_, err = b.Subscribe("room:r1", gotB.handler)
	require.NoError(t, err)
	require.NoError(t, b.Flush(context.Background()))
	require.NoError(t, a.Flush(context.Background()))

	require.NoError(t, a.Publish(context.Background(), "room:r1", "evt-1", []byte(`{"x":1}`)))
	require.NoError(t, a.Flush(context.Background()))

	require.Eventually(t, func() bool { return gotB.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, gotA.len(), "publisher never hears its own message")

	gotB.mu.Lock()
	msg := gotB.msgs[0]
	gotB.mu.Unlock()
	assert.Equal(t, "room:r1", msg.Topic)
	assert.Equal(t, "evt-1", msg.MsgID())
	assert.Equal(t, "gw-a", msg.Origin())
	assert.JSONEq(t, `{"x":1}`, string(msg.Data))
}

func TestIdemMiddlewareDropsRepeatedEventIDs(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	pub := newManager(t, srv.ClientURL(), "gw-a")
	sub := newManager(t, srv.ClientURL(), "gw-b", NatsxIdemMiddleware(NewMemIdem(64, time.Minute)))

	var got inbox
	s, err := sub.Subscribe("principal:u1", got.handler)
	require.NoError(t, err)
	assert.Equal(t, "principal:u1", s.Topic())
	require.NoError(t, sub.Flush(context.Background()))

	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Publish(context.Background(), "principal:u1", "evt-dup", []byte(`{}`)))
	}
	require.NoError(t, pub.Publish(context.Background(), "principal:u1", "evt-other", []byte(`{}`)))
	require.NoError(t, pub.Flush(context.Background()))

	require.Eventually(t, func() bool { return got.len() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, got.len())
}

func TestSubscribeOncePerTopicAndUnsubscribe(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()
	m := newManager(t, srv.ClientURL(), "gw-a")

	var got inbox
	s, err := m.Subscribe("room:r1", got.handler)
	require.NoError(t, err)
	_, err = m.Subscribe("room:r1", got.handler)
	assert.Error(t, err)

	require.NoError(t, s.Unsubscribe())
	_, err = m.Subscribe("room:r1", got.handler)
	assert.NoError(t, err, "topic can be subscribed again after unsubscribe")
}

func TestStartsWhileBrokerDown(t *testing.T) {
	m, err := NewNatsManager(NatsxConfig{
		Servers:       []string{"nats://127.0.0.1:1"},
		Origin:        "gw-a",
		ReconnectWait: 50 * time.Millisecond,
	}, nil)
	require.NoError(t, err, "RetryOnFailedConnect keeps the instance up")
	defer m.Close()

	assert.False(t, m.Connected())
	err = m.Publish(context.Background(), "broadcast:all", "evt-1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestOriginFilterAndRecover(t *testing.T) {
	var got inbox
	h := NatsxChain(func(ctx context.Context, msg NatsxMessage) error {
		if string(msg.Data) == "boom" {
			panic("boom")
		}
		return got.handler(ctx, msg)
	}, NatsxRecover(nil), NatsxOriginFilter("gw-a"))

	assert.NoError(t, h(context.Background(), NatsxMessage{Header: map[string]string{HeaderOrigin: "gw-a"}}))
	assert.NoError(t, h(context.Background(), NatsxMessage{Header: map[string]string{HeaderOrigin: "gw-b"}}))
	assert.Error(t, h(context.Background(), NatsxMessage{Data: []byte("boom")}))
	assert.Equal(t, 1, got.len())
}
