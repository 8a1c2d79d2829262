package natsx

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrDisconnected 当前未连上 NATS，发布直接失败而不是进重连缓冲
var ErrDisconnected = errors.New("nats: not connected")

// NatsxConfig 客户端配置
type NatsxConfig struct {
	Servers       []string
	Name          string
	Origin        string // 本实例ID，写入 Gw-Origin 头
	Credential    string // user:pass 或 token
	ReconnectWait time.Duration
	Timeout       time.Duration
	PendingMsgs   int // 单订阅待处理消息上限
	PendingBytes  int
}

// NatsxClient 统一客户端（仅 Core 模式，fan-out 不需要持久化）
type NatsxClient struct {
	cfg NatsxConfig
	nc  *nats.Conn
	log *zap.Logger

	mu   sync.RWMutex
	subs map[string]*nats.Subscription // topic -> sub
}

// NewNatsxClient 连接 NATS。服务端暂不可达时不返回错误，后台持续重连
func NewNatsxClient(cfg NatsxConfig, log *zap.Logger) (*NatsxClient, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.PendingMsgs == 0 {
		cfg.PendingMsgs = 1_000_000
	}
	if cfg.PendingBytes == 0 {
		cfg.PendingBytes = 64 * 1024 * 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &NatsxClient{cfg: cfg, log: log, subs: make(map[string]*nats.Subscription)}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.NoEcho(), // 不接收自己发布的消息
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if cred := strings.TrimSpace(cfg.Credential); cred != "" {
		if user, pass, ok := strings.Cut(cred, ":"); ok {
			opts = append(opts, nats.UserInfo(user, pass))
		} else {
			opts = append(opts, nats.Token(cred))
		}
	}

	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	c.nc = nc
	return c, nil
}

func (c *NatsxClient) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close 优雅关闭
func (c *NatsxClient) Close() error {
	c.mu.Lock()
	for topic, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	if !c.nc.IsConnected() {
		c.nc.Close()
		return nil
	}
	return c.nc.Drain()
}
