package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Snapshot 计数器的当前值（带标签的指标按所有标签求和）
type Snapshot struct {
	Ingested       int64 `json:"ingested"`
	Malformed      int64 `json:"malformed"`
	Late           int64 `json:"late"`
	IngressRetries int64 `json:"ingress_retries"`
	Windows        int64 `json:"windows"`
	Anomalies      int64 `json:"anomalies"`
	Alerts         int64 `json:"alerts"`
	Suppressed     int64 `json:"suppressed"`
	QueueDropped   int64 `json:"queue_dropped"`
	Duplicates     int64 `json:"duplicates"`
	DeadLetters    int64 `json:"dead_letters"`
	RuleSetVersion int64 `json:"rule_set_version"`
}

// Snapshot 读取当前计数
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Ingested:       total(m.RecordsIngested),
		Malformed:      total(m.RecordsMalformed),
		Late:           total(m.RecordsLate),
		IngressRetries: total(m.IngressRetries),
		Windows:        total(m.WindowsEmitted),
		Anomalies:      total(m.RecordsAnomalous),
		Alerts:         total(m.AlertsEmitted),
		Suppressed:     total(m.AlertsSuppressed),
		QueueDropped:   total(m.QueueDropped),
		Duplicates:     total(m.SinkDuplicates),
		DeadLetters:    total(m.DeadLetters),
		RuleSetVersion: total(m.RuleSetVersion),
	}
}

func total(c prometheus.Collector) int64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	var sum float64
	for metric := range ch {
		var pb dto.Metric
		if err := metric.Write(&pb); err != nil {
			continue
		}
		switch {
		case pb.Counter != nil:
			sum += pb.Counter.GetValue()
		case pb.Gauge != nil:
			sum += pb.Gauge.GetValue()
		}
	}
	return int64(sum)
}
