// Package metrics exposes gateway counters and gauges in Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pgateway"

type Metrics struct {
	reg *prometheus.Registry

	connections      *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	duplicates       prometheus.Counter
	evictions        prometheus.Counter
	rejections       *prometheus.CounterVec
	brokerFailures   prometheus.Counter
	brokerConnected  prometheus.Gauge
	storeUnavailable prometheus.Counter
	kafkaMessages    *prometheus.CounterVec
}

// New 每个实例独立 registry，测试之间互不干扰
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections by lifecycle state",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions",
		}, []string{"from", "to"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events accepted by the router by target kind and outcome",
		}, []string{"kind", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Events queued to local connections by source (local publish or broker)",
		}, []string{"source"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Deliveries dropped because the connection already saw the event id",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumer_evictions_total",
			Help:      "Connections closed because their outbound queue overflowed",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected by the admission pipeline by HTTP status",
		}, []string{"status"}),
		brokerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_publish_failures_total",
			Help:      "Broker publishes that failed after retries",
		}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 when the broker connection is up",
		}),
		storeUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_store_unavailable_total",
			Help:      "Session store calls that fell back to local state",
		}),
		kafkaMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Ingested Kafka messages by outcome",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		m.connections, m.transitions, m.eventsPublished, m.deliveries, m.duplicates,
		m.evictions, m.rejections, m.brokerFailures, m.brokerConnected, m.storeUnavailable,
		m.kafkaMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ConnTransition 维护按状态分布的连接数；from 为空表示新连接
func (m *Metrics) ConnTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.connections.WithLabelValues(from).Dec()
		m.transitions.WithLabelValues(from, to).Inc()
	}
	if to != "closed" {
		m.connections.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) EventPublished(kind, result string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Delivered(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) DuplicateDropped() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) SlowConsumerEvicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) AdmissionRejected(status int) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) BrokerPublishFailed() {
	if m == nil {
		return
	}
	m.brokerFailures.Inc()
}

func (m *Metrics) BrokerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.brokerConnected.Set(1)
		return
	}
	m.brokerConnected.Set(0)
}

func (m *Metrics) StoreUnavailable() {
	if m == nil {
		return
	}
	m.storeUnavailable.Inc()
}

func (m *Metrics) KafkaMessage(result string) {
	if m == nil {
		return
	}
	m.kafkaMessages.WithLabelValues(result).Inc()
}
