package chat

import (
	"sort"
	"sync"
	"time"

	"PGateway/module/notify/model"
	"PGateway/tools/dedupe"
)

// Conn 单条客户端连接，只属于创建它的实例
type Conn struct {
	ID          string
	PrincipalID string
	InstanceID  string
	Principal   model.Principal
	ConnectedAt time.Time
	RemoteAddr  string

	transport Transport
	queue     chan []byte // 出站队列，有界；从不关闭，由 done 通知写协程退出
	seen      *dedupe.Window
	done      chan struct{}
	drainCh   chan struct{}

	mu          sync.Mutex
	state       State
	rooms       map[string]struct{}
	lastBeat    time.Time
	drainTimer  *time.Timer
	closeCode   int
	closeReason string
}

type offerResult int

const (
	offerQueued offerResult = iota
	offerDuplicate
	offerInactive
	offerOverflow
)

func newConn(id, instanceID string, p model.Principal, t Transport, conf ManagerConf, now time.Time) *Conn {
	return &Conn{
		ID:          id,
		PrincipalID: p.ID,
		InstanceID:  instanceID,
		Principal:   p,
		ConnectedAt: now,
		RemoteAddr:  t.RemoteAddr(),
		transport:   t,
		queue:       make(chan []byte, conf.QueueBound),
		seen:        dedupe.New(conf.DedupeWindow, conf.DedupeTTL),
		done:        make(chan struct{}),
		drainCh:     make(chan struct{}),
		state:       Connecting,
		rooms:       make(map[string]struct{}),
		lastBeat:    now,
	}
}

// Done 连接进入 Closed 时关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms 当前加入的房间（排序后的副本）
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBeat
}

// CloseStatus 关闭码和原因，Closed 之前为零值
func (c *Conn) CloseStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	if now.After(c.lastBeat) {
		c.lastBeat = now
	}
	c.mu.Unlock()
}

// offer 非阻塞入队。检查状态、去重、入队在同一把锁内完成，
// 所以进入 Draining 之后不会再有新帧
func (c *Conn) offer(eventID string, frame []byte) offerResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active {
		return offerInactive
	}
	if eventID != "" && c.seen.CheckAndMark(eventID) {
		return offerDuplicate
	}
	select {
	case c.queue <- frame:
		return offerQueued
	default:
		return offerOverflow
	}
}

// setStateLocked 仅做合法性检查与赋值；调用方持有 c.mu
func (c *Conn) setStateLocked(to State) (State, error) {
	from := c.state
	if !canTransition(from, to) {
		return from, ErrIllegalTransition{From: from, To: to}
	}
	c.state = to
	return from, nil
}
