package dispatcher

import (
	"context"

	"wisefido-telemetry/internal/models"
)

// AggregateSink 窗口聚合结果的存储
type AggregateSink interface {
	Name() string
	WriteWindow(ctx context.Context, w models.Window) error
}

// AnomalySink 异常记录的存储
type AnomalySink interface {
	Name() string
	WriteAnomaly(ctx context.Context, ann models.AnnotatedRecord) error
}

// NotificationSink 报警通知渠道
type NotificationSink interface {
	Name() string
	Notify(ctx context.Context, event models.AlertEvent) error
}

// DeadLetterStore 死信存储
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, dl models.DeadLetter) error
}

// AckStore 投递确认记录（按 sink + event id 去重）
type AckStore interface {
	Acked(ctx context.Context, sink, eventID string) (bool, error)
	MarkAcked(ctx context.Context, sink, eventID string) error
}
