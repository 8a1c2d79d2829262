package kafka

import (
	"time"

	"github.com/Shopify/sarama"
)

type IngestConfig struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	InitialOffset string // newest/oldest
	Version       sarama.KafkaVersion
	HandleTimeout time.Duration // 单条消息发布超时
	RetryBackoff  time.Duration // Consume 失败后的首次等待，逐次翻倍
	MaxBackoff    time.Duration
}

func (c *IngestConfig) norm() {
	if c.InitialOffset == "" {
		c.InitialOffset = "newest"
	}
	if c.Version == (sarama.KafkaVersion{}) {
		c.Version = sarama.V2_1_0_0
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.GroupID == "" {
		c.GroupID = "pgateway-ingest"
	}
}

func (c IngestConfig) saramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = c.Version
	config.ClientID = "pgateway"
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if c.InitialOffset == "oldest" {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	return config
}
