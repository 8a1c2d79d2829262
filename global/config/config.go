package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const (
	BrokerNATS   = "nats"
	BrokerMemory = "memory"
)

// Config 网关实例配置。优先级：默认值 < YAML 文件 < GW_* 环境变量
type Config struct {
	InstanceID    string   `mapstructure:"instance_id" yaml:"instance_id"`
	HTTPAddr      string   `mapstructure:"http_addr" yaml:"http_addr"`
	GRPCAddr      string   `mapstructure:"grpc_addr" yaml:"grpc_addr"`
	AllowedOrigin []string `mapstructure:"allowed_origin" yaml:"allowed_origin"`

	// TrustedProxies 可信反向代理（IP 或 CIDR）；为空时不信任 X-Forwarded-For，按 socket 对端地址识别客户端
	TrustedProxies []string `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`

	Broker    BrokerConfig    `mapstructure:"broker" yaml:"broker"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Admission AdmissionConfig `mapstructure:"admission" yaml:"admission"`
	Conn      ConnConfig      `mapstructure:"conn" yaml:"conn"`
	Router    RouterConfig    `mapstructure:"router" yaml:"router"`
	Kafka     KafkaConfig     `mapstructure:"kafka" yaml:"kafka"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type BrokerConfig struct {
	Kind       string `mapstructure:"kind" yaml:"kind"` // nats | memory
	Host       string `mapstructure:"host" yaml:"host"`
	Port       int    `mapstructure:"port" yaml:"port"`
	Credential string `mapstructure:"credential" yaml:"credential"` // user:pass 或 token
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

type AdmissionConfig struct {
	RateLimitWindowMS int      `mapstructure:"rate_limit_window_ms" yaml:"rate_limit_window_ms"`
	RateLimitMax      int      `mapstructure:"rate_limit_max" yaml:"rate_limit_max"`
	BodySizeLimit     int64    `mapstructure:"body_size_limit" yaml:"body_size_limit"`
	JWTSecret         string   `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTAlg            string   `mapstructure:"jwt_alg" yaml:"jwt_alg"`
	AuthExempt        []string `mapstructure:"auth_exempt" yaml:"auth_exempt"`
}

type ConnConfig struct {
	HeartbeatIntervalMS      int `mapstructure:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	HeartbeatMissedThreshold int `mapstructure:"heartbeat_missed_threshold" yaml:"heartbeat_missed_threshold"`
	OutboundQueueBound       int `mapstructure:"outbound_queue_bound" yaml:"outbound_queue_bound"`
	DedupeWindow             int `mapstructure:"dedupe_window" yaml:"dedupe_window"`
	DrainGraceMS             int `mapstructure:"drain_grace_ms" yaml:"drain_grace_ms"`
}

type RouterConfig struct {
	BroadcastRatePerSec float64 `mapstructure:"broadcast_rate_per_sec" yaml:"broadcast_rate_per_sec"`
	BroadcastBurst      int     `mapstructure:"broadcast_burst" yaml:"broadcast_burst"`
	PublishRetries      int     `mapstructure:"publish_retries" yaml:"publish_retries"`
	PublishBackoffMS    int     `mapstructure:"publish_backoff_ms" yaml:"publish_backoff_ms"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topics  []string `mapstructure:"topics" yaml:"topics"`
	Group   string   `mapstructure:"group" yaml:"group"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// envKeys GW_* -> 配置路径
var envKeys = map[string]string{
	"GW_INSTANCE_ID":                "instance_id",
	"GW_HTTP_ADDR":                  "http_addr",
	"GW_GRPC_ADDR":                  "grpc_addr",
	"GW_ALLOWED_ORIGIN":             "allowed_origin",
	"GW_TRUSTED_PROXIES":            "trusted_proxies",
	"GW_BROKER_KIND":                "broker.kind",
	"GW_BROKER_HOST":                "broker.host",
	"GW_BROKER_PORT":                "broker.port",
	"GW_BROKER_CREDENTIAL":          "broker.credential",
	"GW_REDIS_ADDR":                 "redis.addr",
	"GW_REDIS_PASSWORD":             "redis.password",
	"GW_REDIS_DB":                   "redis.db",
	"GW_RATE_LIMIT_WINDOW_MS":       "admission.rate_limit_window_ms",
	"GW_RATE_LIMIT_MAX":             "admission.rate_limit_max",
	"GW_BODY_SIZE_LIMIT":            "admission.body_size_limit",
	"GW_JWT_SECRET":                 "admission.jwt_secret",
	"GW_JWT_ALG":                    "admission.jwt_alg",
	"GW_AUTH_EXEMPT":                "admission.auth_exempt",
	"GW_HEARTBEAT_INTERVAL_MS":      "conn.heartbeat_interval_ms",
	"GW_HEARTBEAT_MISSED_THRESHOLD": "conn.heartbeat_missed_threshold",
	"GW_OUTBOUND_QUEUE_BOUND":       "conn.outbound_queue_bound",
	"GW_DEDUPE_WINDOW":              "conn.dedupe_window",
	"GW_DRAIN_GRACE_MS":             "conn.drain_grace_ms",
	"GW_BROADCAST_RATE_PER_SEC":     "router.broadcast_rate_per_sec",
	"GW_BROADCAST_BURST":            "router.broadcast_burst",
	"GW_PUBLISH_RETRIES":            "router.publish_retries",
	"GW_PUBLISH_BACKOFF_MS":         "router.publish_backoff_ms",
	"GW_KAFKA_BROKERS":              "kafka.brokers",
	"GW_KAFKA_TOPICS":               "kafka.topics",
	"GW_KAFKA_GROUP":                "kafka.group",
	"GW_LOG_LEVEL":                  "log.level",
	"GW_LOG_JSON":                   "log.json",
}

func Default() Config {
	return Config{
		HTTPAddr:      ":8080",
		GRPCAddr:      ":50052",
		AllowedOrigin: []string{"*"},
		Broker:        BrokerConfig{Kind: BrokerNATS, Host: "127.0.0.1", Port: 4222},
		Redis:         RedisConfig{Addr: "127.0.0.1:6379"},
		Admission: AdmissionConfig{
			RateLimitWindowMS: 60_000,
			RateLimitMax:      120,
			BodySizeLimit:     1 << 20,
			JWTAlg:            "HS256",
			AuthExempt:        []string{"/health", "/metrics", "/auth/"},
		},
		Conn: ConnConfig{
			HeartbeatIntervalMS:      25_000,
			HeartbeatMissedThreshold: 3,
			OutboundQueueBound:       256,
			DedupeWindow:             512,
			DrainGraceMS:             10_000,
		},
		Router: RouterConfig{
			BroadcastRatePerSec: 5,
			BroadcastBurst:      10,
			PublishRetries:      3,
			PublishBackoffMS:    50,
		},
		Kafka: KafkaConfig{Group: "pgateway-events"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load path 为空时跳过文件，仅用默认值 + 环境变量
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	raw := map[string]any{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
	}
	for env, key := range envKeys {
		if v, ok := lookup(env); ok {
			setPath(raw, key, v)
		}
	}

	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		ZeroFields:       true, // 切片整体替换而不是按下标合并
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
			trimSliceHook(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	bad := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.InstanceID == "" {
		bad("instance_id is empty")
	}
	if c.HTTPAddr == "" {
		bad("http_addr is empty")
	}
	for _, p := range c.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				bad("trusted_proxies: %q is not an IP or CIDR", p)
			}
		}
	}
	switch c.Broker.Kind {
	case BrokerNATS:
		if c.Broker.Host == "" || c.Broker.Port <= 0 {
			bad("broker host/port required for nats")
		}
	case BrokerMemory:
	default:
		bad("broker.kind %q (use nats|memory)", c.Broker.Kind)
	}
	// 多实例必须共享会话存储；memory 模式可不配 redis，在线状态只看本地
	if c.Broker.Kind == BrokerNATS && c.Redis.Addr == "" {
		bad("redis.addr is required with the nats broker")
	}
	if c.Admission.JWTSecret == "" {
		bad("admission.jwt_secret is empty")
	}
	if c.Admission.RateLimitWindowMS <= 0 || c.Admission.RateLimitMax <= 0 {
		bad("rate limit window and max must be positive")
	}
	if c.Admission.BodySizeLimit <= 0 {
		bad("body_size_limit must be positive")
	}
	if c.Conn.HeartbeatIntervalMS <= 0 || c.Conn.HeartbeatMissedThreshold <= 0 {
		bad("heartbeat interval and missed threshold must be positive")
	}
	if c.Conn.OutboundQueueBound <= 0 || c.Conn.DedupeWindow <= 0 {
		bad("outbound_queue_bound and dedupe_window must be positive")
	}
	if c.Conn.DrainGraceMS < 0 {
		bad("drain_grace_ms must not be negative")
	}
	if c.Router.BroadcastRatePerSec <= 0 || c.Router.BroadcastBurst <= 0 {
		bad("broadcast rate and burst must be positive")
	}
	if c.Router.PublishRetries < 0 || c.Router.PublishBackoffMS < 0 {
		bad("publish retries/backoff must not be negative")
	}
	if len(c.Kafka.Topics) > 0 && len(c.Kafka.Brokers) == 0 {
		bad("kafka.topics set without kafka.brokers")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) BrokerURL() string {
	return fmt.Sprintf("nats://%s:%d", c.Broker.Host, c.Broker.Port)
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Admission.RateLimitWindowMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Conn.HeartbeatIntervalMS) * time.Millisecond
}

func (c *Config) DrainGrace() time.Duration {
	return time.Duration(c.Conn.DrainGraceMS) * time.Millisecond
}

func (c *Config) PublishBackoff() time.Duration {
	return time.Duration(c.Router.PublishBackoffMS) * time.Millisecond
}

func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0 && len(c.Kafka.Topics) > 0
}

func setPath(m map[string]any, path, v string) {
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

func trimSliceHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		ss, ok := data.([]string)
		if !ok {
			return data, nil
		}
		out := ss[:0]
		for _, s := range ss {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gw"
	}
	return host + "-" + uuid.NewString()[:8]
}
