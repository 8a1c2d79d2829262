package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"PGateway/global/config"
	"PGateway/logger"
	"PGateway/module/notify/model"
	"PGateway/service/chat"
	"PGateway/service/metrics"
	"PGateway/tools/errs"
	"PGateway/tools/retry"
	"PGateway/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const statusEvery = time.Second

// Deps 显式注入，网关不读任何包级全局变量。Store 为空时只维护本地状态
type Deps struct {
	Conf    *config.Config
	Log     *zap.Logger
	Store   SessionStore
	Broker  Broker
	Policy  chat.RoomPolicy
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Gateway 对外门面：发布事件、查询在线、接入连接
type Gateway struct {
	conf     *config.Config
	log      *zap.Logger
	store    SessionStore
	broker   Broker
	metrics  *metrics.Metrics
	mgr      *chat.Manager
	router   *Router
	upgrader websocket.Upgrader

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func New(d Deps) (*Gateway, error) {
	if d.Conf == nil {
		return nil, errs.ErrInternal.WrapMsg("gateway config is required")
	}
	if d.Broker == nil {
		return nil, errs.ErrInternal.WrapMsg("gateway broker is required")
	}
	log := logger.OrNop(d.Log).With(zap.String("instance", d.Conf.InstanceID))
	cfg := d.Conf

	var registry chat.SessionRegistry
	if d.Store != nil {
		registry = d.Store
	}
	mgr := chat.NewConnManager(chat.ManagerConf{
		InstanceID:        cfg.InstanceID,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		MissedThreshold:   cfg.Conn.HeartbeatMissedThreshold,
		QueueBound:        cfg.Conn.OutboundQueueBound,
		DedupeWindow:      cfg.Conn.DedupeWindow,
		DrainGrace:        cfg.DrainGrace(),
		Clock:             d.Clock,
	}, chat.ManagerDeps{
		Store:   registry,
		Policy:  d.Policy,
		Metrics: d.Metrics,
		Log:     log,
	})

	router := NewRouter(RouterConf{
		InstanceID:     cfg.InstanceID,
		BroadcastRate:  cfg.Router.BroadcastRatePerSec,
		BroadcastBurst: cfg.Router.BroadcastBurst,
		Publish: retry.Policy{
			Attempts:   cfg.Router.PublishRetries,
			Backoff:    cfg.PublishBackoff(),
			MaxBackoff: 20 * cfg.PublishBackoff(),
		},
		Clock: d.Clock,
	}, mgr, d.Store, d.Broker, d.Metrics, log)

	return &Gateway{
		conf:    cfg,
		log:     log,
		store:   d.Store,
		broker:  d.Broker,
		metrics: d.Metrics,
		mgr:     mgr,
		router:  router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin 已由准入流水线校验
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
	}, nil
}

// Start 订阅广播主题，启动 broker 状态采样
func (g *Gateway) Start(ctx context.Context) error {
	var err error
	g.startOnce.Do(func() {
		err = g.router.Start()
		safe.Go(g.log, "gateway.status", func() { g.watchStatus(ctx) })
		g.log.Info("gateway started", zap.Bool("broker_connected", g.broker.Connected()))
	})
	return err
}

// Shutdown 停止接入，排空连接（超过配置的 grace 强制关闭），退订主题。Broker 由调用方关闭
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.stopOnce.Do(func() {
		close(g.stopCh)
		err = g.mgr.Shutdown(ctx, g.conf.DrainGrace())
		g.router.Stop()
		g.log.Info("gateway stopped", zap.Error(err))
	})
	return err
}

// Accepting 是否接受新连接：未关闭且 broker 在线
func (g *Gateway) Accepting() bool {
	return g.mgr.Accepting() && g.broker.Connected()
}

func (g *Gateway) PublishEvent(ctx context.Context, ev model.Event) (Ack, error) {
	return g.router.PublishEvent(ctx, ev)
}

// QueryPresence 主体当前所在的实例ID；存储不可用时返回 StoreUnavailable
func (g *Gateway) QueryPresence(ctx context.Context, principalID string) ([]string, error) {
	if principalID == "" {
		return nil, errs.ErrMalformedRequest.WithDetail("principal is required")
	}
	if g.store == nil {
		if len(g.mgr.LocalConns(principalID)) > 0 {
			return []string{g.conf.InstanceID}, nil
		}
		return []string{}, nil
	}
	return g.store.Presence(ctx, principalID)
}

func (g *Gateway) Manager() *chat.Manager { return g.mgr }

func (g *Gateway) Router() *Router { return g.router }

func (g *Gateway) watchStatus(ctx context.Context) {
	t := time.NewTicker(statusEvery)
	defer t.Stop()
	last := g.broker.Connected()
	g.metrics.BrokerConnected(last)
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-t.C:
			up := g.broker.Connected()
			g.metrics.BrokerConnected(up)
			if up != last {
				g.log.Warn("broker connectivity changed", zap.Bool("connected", up))
				last = up
			}
		}
	}
}
