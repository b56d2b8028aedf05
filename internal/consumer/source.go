package consumer

import (
	"context"
	"errors"
)

// ErrSourceClosed 来源未打开或已关闭
var ErrSourceClosed = errors.New("source is not open")

// RawEntry 来源中的原始条目
type RawEntry struct {
	Cursor  string // 该条目在来源中的位置，可用于断线续传
	Payload []byte
}

// Source 遥测来源（Redis Streams / MQTT / Kafka）
type Source interface {
	Name() string
	// Open 从 cursor 之后开始读取；cursor 为空表示使用来源默认起点
	Open(ctx context.Context, cursor string) error
	// Next 拉取下一批条目，没有数据时可返回空切片
	Next(ctx context.Context) ([]RawEntry, error)
	// Ack 确认条目已交付给流水线
	Ack(ctx context.Context, cursors ...string) error
	Close() error
}
