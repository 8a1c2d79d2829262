package chat

import (
	"context"
	"sync"
	"time"

	"PGateway/logger"
	"PGateway/module/notify/model"
	"PGateway/service/metrics"
	"PGateway/tools/errs"
	"PGateway/tools/ids"
	"PGateway/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 关闭码
const (
	CloseNormal       = websocket.CloseNormalClosure    // 1000 正常关闭 / 排空完成
	CloseGoingAway    = websocket.CloseGoingAway        // 1001 心跳超时、强制下线
	CloseSlowConsumer = websocket.ClosePolicyViolation  // 1008 出站队列溢出
	CloseInternal     = websocket.CloseInternalServerErr // 1011
)

// ===== 配置 =====

type ManagerConf struct {
	InstanceID        string
	HeartbeatInterval time.Duration // ping 周期，同时是清理周期
	MissedThreshold   int           // 连续错过多少个周期判定失联
	QueueBound        int           // 每连接出站队列容量
	DedupeWindow      int           // 每连接记住的最近事件ID数
	DedupeTTL         time.Duration // 0 表示只按容量淘汰
	DrainGrace        time.Duration // logout 排空的最长等待
	WriteWait         time.Duration
	StoreTimeout      time.Duration // 单次会话存储调用超时
	TransitionBuffer  int
	NodeID            int64            // 雪花节点号；0 时由 InstanceID 推导
	Clock             func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.MissedThreshold <= 0 {
		c.MissedThreshold = 3
	}
	if c.QueueBound <= 0 {
		c.QueueBound = 256
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 512
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.TransitionBuffer <= 0 {
		c.TransitionBuffer = 1024
	}
	if c.NodeID == 0 {
		c.NodeID = ids.NodeIDFor(c.InstanceID)
	}
}

// SessionTTL 存储侧记录的存活期：失联判定时长
func (c ManagerConf) SessionTTL() time.Duration {
	c.norm()
	return c.HeartbeatInterval * time.Duration(c.MissedThreshold)
}

// ManagerDeps 外部依赖；Store 为空时只维护本地状态
type ManagerDeps struct {
	Store   SessionRegistry
	Policy  RoomPolicy
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// ===== 数据结构 =====

type Manager struct {
	conf    ManagerConf
	log     *zap.Logger
	store   SessionRegistry
	policy  RoomPolicy
	metrics *metrics.Metrics
	ids     *ids.Generator

	mu       sync.RWMutex
	bySnow   map[string]*Conn            // 主索引：connID -> conn
	byUser   map[string]map[string]*Conn // principalID -> (connID -> conn)
	byRoom   map[string]map[string]*Conn // room -> (connID -> conn)
	listener TopicListener
	shutting bool

	transitions chan Transition
	wg          sync.WaitGroup // 读写协程与关闭收尾
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// ===== 构造/关闭 =====

func NewConnManager(conf ManagerConf, deps ManagerDeps) *Manager {
	conf.norm()
	if deps.Policy == nil {
		deps.Policy = AllowAll
	}
	m := &Manager{
		conf:        conf,
		log:         logger.OrNop(deps.Log).Named("conn"),
		store:       deps.Store,
		policy:      deps.Policy,
		metrics:     deps.Metrics,
		ids:         ids.NewGenerator(conf.NodeID),
		bySnow:      make(map[string]*Conn),
		byUser:      make(map[string]map[string]*Conn),
		byRoom:      make(map[string]map[string]*Conn),
		transitions: make(chan Transition, conf.TransitionBuffer),
		stopCh:      make(chan struct{}),
	}
	safe.Go(m.log, "conn.sweeper", m.sweeper)
	return m
}

func (m *Manager) InstanceID() string { return m.conf.InstanceID }

func (m *Manager) Conf() ManagerConf { return m.conf }

// SetTopicListener 路由器创建后挂上
func (m *Manager) SetTopicListener(l TopicListener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// Transitions 生命周期事件；缓冲满时丢弃，不阻塞连接
func (m *Manager) Transitions() <-chan Transition { return m.transitions }

func (m *Manager) Accepting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.shutting
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySnow)
}

func (m *Manager) Get(connID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.bySnow[connID]
	return c, ok
}

// LocalConns 某主体在本实例上的连接ID
func (m *Manager) LocalConns(principalID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byUser[principalID]))
	for id := range m.byUser[principalID] {
		out = append(out, id)
	}
	return out
}

// HasInterest 本实例是否有连接关心该主题；广播主题恒为 true
func (m *Manager) HasInterest(topic string) bool {
	t, err := model.ParseTopic(topic)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch t.Kind {
	case model.TargetPrincipal:
		return len(m.byUser[t.ID]) > 0
	case model.TargetRoom:
		return len(m.byRoom[t.ID]) > 0
	}
	return true
}

// ===== 握手 =====

// Accept 执行握手 Connecting -> Authenticated -> Active，启动读写协程并下发 welcome。
// rooms 为初始房间提示，被策略拒绝的会跳过
func (m *Manager) Accept(ctx context.Context, p model.Principal, t Transport, rooms []string) (*Conn, error) {
	if !p.Valid() {
		return nil, errs.ErrUnauthorized.WrapMsg("empty principal")
	}
	safe.MustNotNil(t, "transport")

	c := newConn(m.ids.NextString(), m.conf.InstanceID, p, t, m.conf, m.now())
	log := m.log.With(zap.String("conn_id", c.ID), zap.String("principal", c.PrincipalID))

	m.mu.Lock()
	if m.shutting {
		m.mu.Unlock()
		return nil, errs.ErrNotAccepting.Wrap()
	}
	m.bySnow[c.ID] = c
	first := m.addUserLocked(c)
	m.mu.Unlock()
	m.emit(c, noState, Connecting, "accept")
	if first {
		m.notify(principalTopic(c.PrincipalID))
	}

	// Authenticated：登记会话。存储不可用时放行，心跳刷新发现缺失会补登记
	m.register(ctx, c, log)
	if err := m.transition(c, Authenticated, "registered"); err != nil {
		m.closeConn(c, CloseGoingAway, "handshake aborted")
		return nil, err
	}

	for _, r := range rooms {
		if err := m.Join(c.ID, r); err != nil {
			log.Info("initial room skipped", zap.String("room", r), zap.Error(err))
		}
	}

	if err := m.transition(c, Active, "handshake complete"); err != nil {
		m.closeConn(c, CloseGoingAway, "handshake aborted")
		return nil, err
	}

	t.SetPongHandler(func() { c.touch(m.now()) })
	m.spawn("conn.writer", func() { m.writeLoop(c) })
	m.spawn("conn.reader", func() { m.readLoop(c) })

	m.push(c, BuildWelcome(c.ID, c.InstanceID, c.Rooms()))
	log.Info("connection active", zap.String("remote", c.RemoteAddr))
	return c, nil
}

func (m *Manager) register(ctx context.Context, c *Conn, log *zap.Logger) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.conf.StoreTimeout)
	defer cancel()
	if _, err := m.store.Register(ctx, c.PrincipalID, c.ID, c.InstanceID); err != nil {
		m.metrics.StoreUnavailable()
		log.Warn("session register failed, continuing without presence", zap.Error(err))
	}
}

// ===== 房间 =====

func (m *Manager) Join(connID, room string) error {
	if err := validRoom(room); err != nil {
		return err
	}
	c, ok := m.Get(connID)
	if !ok {
		return errs.ErrMalformedRequest.WithDetail("unknown connection " + connID)
	}
	if err := m.policy.CanJoin(c.Principal, room); err != nil {
		if _, ok := errs.As(err); ok {
			return err
		}
		return errs.ErrForbidden.WithDetail(err.Error())
	}

	m.mu.Lock()
	c.mu.Lock()
	if c.state == Draining || c.state.Terminal() {
		c.mu.Unlock()
		m.mu.Unlock()
		return errs.ErrNotAccepting.WithDetail("connection is " + c.state.String())
	}
	if _, dup := c.rooms[room]; dup {
		c.mu.Unlock()
		m.mu.Unlock()
		return nil
	}
	c.rooms[room] = struct{}{}
	c.mu.Unlock()

	members := m.byRoom[room]
	if members == nil {
		members = make(map[string]*Conn)
		m.byRoom[room] = members
	}
	members[c.ID] = c
	first := len(members) == 1
	m.mu.Unlock()

	if first {
		m.notify(roomTopic(room))
	}
	return nil
}

// Leave 未加入时不报错
func (m *Manager) Leave(connID, room string) error {
	c, ok := m.Get(connID)
	if !ok {
		return errs.ErrMalformedRequest.WithDetail("unknown connection " + connID)
	}
	m.mu.Lock()
	c.mu.Lock()
	_, joined := c.rooms[room]
	delete(c.rooms, room)
	c.mu.Unlock()
	last := joined && m.removeRoomLocked(room, c.ID)
	m.mu.Unlock()

	if last {
		m.notify(roomTopic(room))
	}
	return nil
}

// ===== 投递 =====

// DeliverToConns 按连接ID投递，返回新入队的连接数
func (m *Manager) DeliverToConns(ev model.Event, connIDs ...string) int {
	if len(connIDs) == 0 {
		return 0
	}
	m.mu.RLock()
	targets := make([]*Conn, 0, len(connIDs))
	for _, id := range connIDs {
		if c, ok := m.bySnow[id]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()
	return m.deliverAll(ev, targets)
}

func (m *Manager) DeliverToPrincipal(principalID string, ev model.Event) int {
	m.mu.RLock()
	targets := snapshot(m.byUser[principalID])
	m.mu.RUnlock()
	return m.deliverAll(ev, targets)
}

func (m *Manager) DeliverToRoom(room string, ev model.Event) int {
	m.mu.RLock()
	targets := snapshot(m.byRoom[room])
	m.mu.RUnlock()
	return m.deliverAll(ev, targets)
}

func (m *Manager) DeliverToAll(ev model.Event) int {
	m.mu.RLock()
	targets := snapshot(m.bySnow)
	m.mu.RUnlock()
	return m.deliverAll(ev, targets)
}

// Deliver 按事件目标投递到本地连接
func (m *Manager) Deliver(ev model.Event) int {
	switch ev.Target.Kind {
	case model.TargetPrincipal:
		return m.DeliverToPrincipal(ev.Target.ID, ev)
	case model.TargetRoom:
		return m.DeliverToRoom(ev.Target.ID, ev)
	case model.TargetBroadcast:
		return m.DeliverToAll(ev)
	}
	return 0
}

func (m *Manager) deliverAll(ev model.Event, targets []*Conn) int {
	if len(targets) == 0 {
		return 0
	}
	frame, err := BuildEventFrame(ev)
	if err != nil {
		m.log.Error("encode event frame", zap.String("event_id", ev.ID), zap.Error(err))
		return 0
	}
	n := 0
	for _, c := range targets {
		if m.offer(c, ev.ID, frame) {
			n++
		}
	}
	return n
}

// offer 入队失败（溢出）时驱逐连接；关闭收尾在后台执行，调用方不会被阻塞
func (m *Manager) offer(c *Conn, eventID string, frame []byte) bool {
	switch c.offer(eventID, frame) {
	case offerQueued:
		return true
	case offerDuplicate:
		m.metrics.DuplicateDropped()
	case offerOverflow:
		m.metrics.SlowConsumerEvicted()
		m.log.Warn("slow consumer evicted",
			zap.String("conn_id", c.ID), zap.String("principal", c.PrincipalID), zap.Int("queue", cap(c.queue)))
		m.closeConn(c, CloseSlowConsumer, errs.ErrSlowConsumerEvicted.Msg)
	}
	return false
}

// push 控制帧（welcome/pong/ack/error），不参与去重
func (m *Manager) push(c *Conn, frame []byte) bool {
	return m.offer(c, "", frame)
}

// ===== 状态迁移 =====

func (m *Manager) transition(c *Conn, to State, reason string) error {
	if to == Closed {
		if !m.closeConn(c, CloseNormal, reason) {
			return ErrIllegalTransition{From: Closed, To: Closed}
		}
		return nil
	}
	c.mu.Lock()
	from, err := c.setStateLocked(to)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	m.emit(c, from, to, reason)
	return nil
}

// Drain 进入 Draining：不再接收新投递，写协程冲刷队列后正常关闭；超过 grace 强制关闭
func (m *Manager) Drain(connID, reason string) error {
	c, ok := m.Get(connID)
	if !ok {
		return errs.ErrMalformedRequest.WithDetail("unknown connection " + connID)
	}
	return m.drain(c, reason, m.conf.DrainGrace)
}

func (m *Manager) drain(c *Conn, reason string, grace time.Duration) error {
	c.mu.Lock()
	if c.state == Connecting {
		// 握手未完成，直接关闭
		c.mu.Unlock()
		m.closeConn(c, CloseGoingAway, reason)
		return nil
	}
	from, err := c.setStateLocked(Draining)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.drainTimer = time.AfterFunc(grace, func() {
		m.closeConn(c, CloseGoingAway, "drain timeout")
	})
	c.mu.Unlock()

	close(c.drainCh)
	m.emit(c, from, Draining, reason)
	return nil
}

// closeConn 进入 Closed。索引与房间在管理器锁内一并释放；
// 关闭底层连接、注销会话在后台完成。已关闭返回 false
func (m *Manager) closeConn(c *Conn, code int, reason string) bool {
	m.mu.Lock()
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		m.mu.Unlock()
		return false
	}
	from := c.state
	c.state = Closed
	c.closeCode, c.closeReason = code, reason
	if c.drainTimer != nil {
		c.drainTimer.Stop()
	}
	rooms := c.rooms
	c.rooms = make(map[string]struct{})
	c.mu.Unlock()

	var released []string
	delete(m.bySnow, c.ID)
	if m.removeUserLocked(c) {
		released = append(released, principalTopic(c.PrincipalID))
	}
	for r := range rooms {
		if m.removeRoomLocked(r, c.ID) {
			released = append(released, roomTopic(r))
		}
	}
	m.mu.Unlock()

	m.spawn("conn.close", func() {
		_ = c.transport.Close(code, reason)
		if m.store == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.conf.StoreTimeout)
		defer cancel()
		if err := m.store.Deregister(ctx, c.PrincipalID, c.ID); err != nil {
			m.log.Warn("session deregister failed", zap.String("conn_id", c.ID), zap.Error(err))
		}
	})
	close(c.done)
	m.emit(c, from, Closed, reason)
	for _, t := range released {
		m.notify(t)
	}
	m.log.Info("connection closed",
		zap.String("conn_id", c.ID), zap.String("principal", c.PrincipalID),
		zap.Int("code", code), zap.String("reason", reason))
	return true
}

// Kick 强制关闭某条连接
func (m *Manager) Kick(connID, reason string) bool {
	c, ok := m.Get(connID)
	if !ok {
		return false
	}
	return m.closeConn(c, CloseGoingAway, reason)
}

// ===== 关闭 =====

// Shutdown 停止接入，排空所有连接；grace 后强制关闭。ctx 约束整体等待时间
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) error {
	m.mu.Lock()
	m.shutting = true
	conns := snapshot(m.bySnow)
	m.mu.Unlock()

	for _, c := range conns {
		if err := m.drain(c, "shutdown", grace); err != nil {
			// Draining 或 Closed：已在收尾
			m.log.Debug("drain skipped", zap.String("conn_id", c.ID), zap.Error(err))
		}
	}
	m.stopOnce.Do(func() { close(m.stopCh) })

	for _, c := range conns {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ===== 清理协程 =====

func (m *Manager) sweeper() {
	t := time.NewTicker(m.conf.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweepOnce(m.now())
		}
	}
}

// sweepOnce 关闭失联连接，并为存活连接续期会话记录
func (m *Manager) sweepOnce(now time.Time) {
	deadline := m.conf.HeartbeatInterval * time.Duration(m.conf.MissedThreshold)

	m.mu.RLock()
	conns := snapshot(m.bySnow)
	m.mu.RUnlock()

	storeDown := false
	for _, c := range conns {
		if now.Sub(c.LastHeartbeat()) > deadline {
			m.closeConn(c, CloseGoingAway, "heartbeat timeout")
			continue
		}
		if m.store == nil || storeDown || c.State() != Active {
			continue
		}
		if err := m.refresh(c); err != nil {
			// 本轮不再逐个重试
			storeDown = true
			m.metrics.StoreUnavailable()
			m.log.Warn("session refresh failed", zap.String("conn_id", c.ID), zap.Error(err))
		}
	}
}

func (m *Manager) refresh(c *Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.conf.StoreTimeout)
	defer cancel()
	ok, err := m.store.Refresh(ctx, c.PrincipalID, c.ID)
	if err != nil || ok {
		return err
	}
	_, err = m.store.Register(ctx, c.PrincipalID, c.ID, c.InstanceID)
	return err
}

// ===== 工具函数 =====

func (m *Manager) now() time.Time { return m.conf.Clock() }

func (m *Manager) spawn(name string, f func()) {
	m.wg.Add(1)
	safe.Go(m.log, name, func() {
		defer m.wg.Done()
		f()
	})
}

func (m *Manager) emit(c *Conn, from, to State, reason string) {
	fromName := ""
	if from != noState {
		fromName = from.String()
	}
	m.metrics.ConnTransition(fromName, to.String())
	select {
	case m.transitions <- Transition{ConnID: c.ID, PrincipalID: c.PrincipalID, From: from, To: to, Reason: reason, At: m.now()}:
	default:
	}
}

func (m *Manager) notify(topic string) {
	m.mu.RLock()
	l := m.listener
	m.mu.RUnlock()
	if l != nil {
		l.TopicChanged(topic)
	}
}

// 以下需持有 m.mu

func (m *Manager) addUserLocked(c *Conn) bool {
	mm := m.byUser[c.PrincipalID]
	if mm == nil {
		mm = make(map[string]*Conn)
		m.byUser[c.PrincipalID] = mm
	}
	mm[c.ID] = c
	return len(mm) == 1
}

func (m *Manager) removeUserLocked(c *Conn) bool {
	mm := m.byUser[c.PrincipalID]
	if mm == nil {
		return false
	}
	delete(mm, c.ID)
	if len(mm) == 0 {
		delete(m.byUser, c.PrincipalID)
		return true
	}
	return false
}

func (m *Manager) removeRoomLocked(room, connID string) bool {
	mm := m.byRoom[room]
	if mm == nil {
		return false
	}
	delete(mm, connID)
	if len(mm) == 0 {
		delete(m.byRoom, room)
		return true
	}
	return false
}

func snapshot(mm map[string]*Conn) []*Conn {
	out := make([]*Conn, 0, len(mm))
	for _, c := range mm {
		out = append(out, c)
	}
	return out
}
