package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 遥测流水线的 Prometheus 指标
type Metrics struct {
	RecordsIngested  prometheus.Counter
	RecordsMalformed prometheus.Counter
	RecordsLate      prometheus.Counter
	IngressRetries   prometheus.Counter
	QueueDropped     *prometheus.CounterVec
	WindowsEmitted   prometheus.Counter
	RecordsAnomalous prometheus.Counter
	AlertsEmitted    *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	SinkDeliveries   *prometheus.CounterVec
	SinkDuplicates   *prometheus.CounterVec
	DeadLetters      *prometheus.CounterVec
	SinkLatency      *prometheus.HistogramVec
	RuleReloads      *prometheus.CounterVec
	RuleSetVersion   prometheus.Gauge
	QueueLength      *prometheus.GaugeVec
}

// New 创建并注册指标；reg 为 nil 时使用独立的 Registry（测试用）
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		RecordsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_records_ingested_total",
			Help: "Records parsed and handed to the pipeline.",
		}),
		RecordsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_records_malformed_total",
			Help: "Source entries skipped because they could not be parsed.",
		}),
		RecordsLate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_records_late_total",
			Help: "Records dropped because their window had already closed.",
		}),
		IngressRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ingress_retries_total",
			Help: "Reconnect attempts made by the ingress adapter.",
		}),
		QueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_queue_dropped_total",
			Help: "Items evicted from bounded queues under backpressure.",
		}, []string{"queue"}),
		WindowsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_windows_emitted_total",
			Help: "Tumbling windows finalized by the aggregator.",
		}),
		RecordsAnomalous: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_records_anomalous_total",
			Help: "Records that matched at least one enabled rule.",
		}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_alerts_emitted_total",
			Help: "Alert events produced by the rule engine.",
		}, []string{"rule_id"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_alerts_suppressed_total",
			Help: "Matches suppressed by edge triggering or cooldown.",
		}, []string{"rule_id"}),
		SinkDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_sink_deliveries_total",
			Help: "Delivery attempts per sink and result.",
		}, []string{"sink", "result"}),
		SinkDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_sink_duplicates_total",
			Help: "Deliveries skipped because the event was already acknowledged.",
		}, []string{"sink"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_dead_letters_total",
			Help: "Items written to the dead-letter store after retries were exhausted.",
		}, []string{"sink"}),
		SinkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telemetry_sink_latency_seconds",
			Help:    "Latency of successful sink deliveries.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"sink"}),
		RuleReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_rule_reloads_total",
			Help: "Rule set reload attempts by result.",
		}, []string{"result"}),
		RuleSetVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_rule_set_version",
			Help: "Version of the active rule set.",
		}),
		QueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_queue_length",
			Help: "Items currently buffered per queue.",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		m.RecordsIngested, m.RecordsMalformed, m.RecordsLate, m.IngressRetries,
		m.QueueDropped, m.WindowsEmitted, m.RecordsAnomalous,
		m.AlertsEmitted, m.AlertsSuppressed,
		m.SinkDeliveries, m.SinkDuplicates, m.DeadLetters, m.SinkLatency,
		m.RuleReloads, m.RuleSetVersion, m.QueueLength,
	)
	return m
}
