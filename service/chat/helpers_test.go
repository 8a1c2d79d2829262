package chat

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"PGateway/module/notify/model"

	"github.com/stretchr/testify/require"
)

// fakeTransport 基于 channel 的 Transport；block 非空时 WriteFrame 卡住直到连接关闭
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	block  chan struct{}
	closed chan struct{}

	once   sync.Once
	mu     sync.Mutex
	code   int
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteFrame(b []byte) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-f.closed:
			return io.ErrClosedPipe
		}
	}
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	case f.out <- b:
		return nil
	}
}

func (f *fakeTransport) Ping() error { return nil }

func (f *fakeTransport) Close(code int, reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.code, f.reason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) SetPongHandler(func()) {}

func (f *fakeTransport) RemoteAddr() string { return "pipe" }

func (f *fakeTransport) closeCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

func (f *fakeTransport) send(t *testing.T, v any) {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	f.in <- b
}

func (f *fakeTransport) next(t *testing.T) ServerFrame {
	t.Helper()
	select {
	case b := <-f.out:
		var sf ServerFrame
		require.NoError(t, json.Unmarshal(b, &sf))
		return sf
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
	}
	return ServerFrame{}
}

func (f *fakeTransport) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case b := <-f.out:
		t.Fatalf("unexpected frame %s", b)
	case <-time.After(d):
	}
}

type fakeRegistry struct {
	mu          sync.Mutex
	recs        map[string]string // connID -> principal
	registerErr error
	refreshErr  error
	registers   int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{recs: make(map[string]string)}
}

func (r *fakeRegistry) Register(_ context.Context, principalID, connectionID, _ string) (*model.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registers++
	if r.registerErr != nil {
		return nil, r.registerErr
	}
	r.recs[connectionID] = principalID
	return nil, nil
}

func (r *fakeRegistry) Deregister(_ context.Context, _, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recs, connectionID)
	return nil
}

func (r *fakeRegistry) Refresh(_ context.Context, _, connectionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refreshErr != nil {
		return false, r.refreshErr
	}
	_, ok := r.recs[connectionID]
	return ok, nil
}

func (r *fakeRegistry) has(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.recs[connID]
	return ok
}

func (r *fakeRegistry) registerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registers
}

func (r *fakeRegistry) setRegisterErr(err error) {
	r.mu.Lock()
	r.registerErr = err
	r.mu.Unlock()
}

func testConf() ManagerConf {
	return ManagerConf{
		InstanceID:        "gw-test",
		HeartbeatInterval: time.Hour,
		MissedThreshold:   3,
		QueueBound:        16,
		DedupeWindow:      64,
		DrainGrace:        time.Second,
	}
}

func newTestManager(t *testing.T, conf ManagerConf, deps ManagerDeps) *Manager {
	t.Helper()
	m := NewConnManager(conf, deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx, 10*time.Millisecond)
	})
	return m
}

func accept(t *testing.T, m *Manager, principal string, rooms ...string) (*Conn, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c, err := m.Accept(context.Background(), model.Principal{ID: principal}, ft, rooms)
	require.NoError(t, err)
	welcome := ft.next(t)
	require.Equal(t, FrameWelcome, welcome.Type)
	require.Equal(t, c.ID, welcome.ConnID)
	return c, ft
}

func event(id string, target model.TargetSelector) model.Event {
	return model.Event{ID: id, Type: "notice", Target: target, Payload: json.RawMessage(`{"n":1}`)}
}
