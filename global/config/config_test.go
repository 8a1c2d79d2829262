package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestDefaultsWithSecret(t *testing.T) {
	cfg, err := load("", envOf(map[string]string{"GW_JWT_SECRET": "s"}))
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigin)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.BrokerURL())
	assert.Equal(t, time.Minute, cfg.RateLimitWindow())
	assert.Equal(t, 120, cfg.Admission.RateLimitMax)
	assert.Equal(t, int64(1<<20), cfg.Admission.BodySizeLimit)
	assert.Equal(t, 25*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 3, cfg.Conn.HeartbeatMissedThreshold)
	assert.False(t, cfg.KafkaEnabled())
	assert.Empty(t, cfg.TrustedProxies)
}

func TestTrustedProxies(t *testing.T) {
	cfg, err := load("", envOf(map[string]string{
		"GW_JWT_SECRET":      "s",
		"GW_TRUSTED_PROXIES": "10.0.0.0/8, 192.168.1.10",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.10"}, cfg.TrustedProxies)

	_, err = load("", envOf(map[string]string{
		"GW_JWT_SECRET":      "s",
		"GW_TRUSTED_PROXIES": "lb.internal",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trusted_proxies")
}

func TestMissingSecretFailsValidation(t *testing.T) {
	_, err := load("", envOf(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestYAMLThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance_id: gw-a
broker:
  kind: memory
admission:
  jwt_secret: from-file
  rate_limit_max: 10
conn:
  outbound_queue_bound: 8
`), 0o600))

	cfg, err := load(path, envOf(map[string]string{
		"GW_RATE_LIMIT_MAX":        "20",
		"GW_ALLOWED_ORIGIN":        "https://a.example, https://b.example",
		"GW_LOG_JSON":              "true",
		"GW_KAFKA_BROKERS":         "k1:9092,k2:9092",
		"GW_KAFKA_TOPICS":          "notify.events",
		"GW_HEARTBEAT_INTERVAL_MS": "1000",
	}))
	require.NoError(t, err)

	assert.Equal(t, "gw-a", cfg.InstanceID)
	assert.Equal(t, BrokerMemory, cfg.Broker.Kind)
	assert.Equal(t, "from-file", cfg.Admission.JWTSecret)
	assert.Equal(t, 20, cfg.Admission.RateLimitMax)
	assert.Equal(t, 8, cfg.Conn.OutboundQueueBound)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigin)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, time.Second, cfg.HeartbeatInterval())
}

func TestUnknownKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admission:\n  jwt_secret: s\n  nope: 1\n"), 0o600))
	_, err := load(path, envOf(nil))
	assert.Error(t, err)
}

func TestValidateRanges(t *testing.T) {
	cfg := Default()
	cfg.InstanceID = "gw"
	cfg.Admission.JWTSecret = "s"
	require.NoError(t, cfg.Validate())

	cfg.Broker.Kind = "kafka"
	cfg.Conn.OutboundQueueBound = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.kind")
	assert.Contains(t, err.Error(), "outbound_queue_bound")
}

func TestEnvSliceReplacesDefault(t *testing.T) {
	cfg, err := load("", envOf(map[string]string{
		"GW_JWT_SECRET":  "s",
		"GW_AUTH_EXEMPT": "/healthz",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"/healthz"}, cfg.Admission.AuthExempt)
}
