package localbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"PGateway/service/natsx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) handle(_ context.Context, msg natsx.NatsxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, msg.MsgID())
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestFanOutSkipsOrigin(t *testing.T) {
	bus := New(16, nil)
	a, b, c := bus.Connect("gw-a"), bus.Connect("gw-b"), bus.Connect("gw-c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var ra, rb, rc recorder
	for _, pair := range []struct {
		cl *Client
		r  *recorder
	}{{a, &ra}, {b, &rb}, {c, &rc}} {
		_, err := pair.cl.Subscribe("broadcast:all", pair.r.handle)
		require.NoError(t, err)
	}

	require.NoError(t, a.Publish(context.Background(), "broadcast:all", "evt-1", []byte(`{}`)))

	require.Eventually(t, func() bool { return len(rb.snapshot()) == 1 && len(rc.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ra.snapshot())
	assert.Equal(t, []string{"evt-1"}, rb.snapshot())
}

func TestFIFOPerTopic(t *testing.T) {
	bus := New(64, nil)
	pub, sub := bus.Connect("gw-a"), bus.Connect("gw-b")
	defer pub.Close()
	defer sub.Close()

	var r recorder
	_, err := sub.Subscribe("room:r1", r.handle)
	require.NoError(t, err)

	want := []string{"e1", "e2", "e3", "e4"}
	for _, id := range want {
		require.NoError(t, pub.Publish(context.Background(), "room:r1", id, nil))
	}
	require.Eventually(t, func() bool { return len(r.snapshot()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, r.snapshot())
}

func TestDisconnectedAndClosed(t *testing.T) {
	bus := New(4, nil)
	c := bus.Connect("gw-a")

	c.SetConnected(false)
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Publish(context.Background(), "room:r1", "e1", nil), ErrDisconnected)

	c.SetConnected(true)
	assert.NoError(t, c.Publish(context.Background(), "room:r1", "e1", nil))

	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Publish(context.Background(), "room:r1", "e1", nil), ErrClosed)
	_, err := c.Subscribe("room:r1", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(4, nil)
	pub, sub := bus.Connect("gw-a"), bus.Connect("gw-b")

	var r recorder
	s, err := sub.Subscribe("room:r1", r.handle)
	require.NoError(t, err)
	_, err = sub.Subscribe("room:r1", r.handle)
	assert.Error(t, err, "one subscription per topic")

	require.NoError(t, s.Unsubscribe())
	require.NoError(t, s.Unsubscribe())
	require.NoError(t, pub.Publish(context.Background(), "room:r1", "e1", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.snapshot())

	bus.mu.RLock()
	assert.Empty(t, bus.topics)
	bus.mu.RUnlock()
}
