package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"wisefido-telemetry/internal/common/config"

	"github.com/segmentio/kafka-go"
)

// KafkaReader kafka.Reader 的最小接口（便于测试替换）
type KafkaReader interface {
	SetOffset(offset int64) error
	FetchMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaReaderFactory 每次 Open 创建新的 Reader（关闭后的 Reader 不能复用）
type KafkaReaderFactory func() KafkaReader

// NewKafkaReaderFactory 基于分区模式 Reader 的工厂
func NewKafkaReaderFactory(cfg config.KafkaConfig) KafkaReaderFactory {
	return func() KafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:   cfg.Brokers,
			Topic:     cfg.Topic,
			Partition: cfg.Partition,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
	}
}

// KafkaSourceConfig Kafka 来源配置
type KafkaSourceConfig struct {
	Topic          string
	Partition      int
	BatchSize      int
	Poll           time.Duration // 等待第一条消息的时长
	DeadlinePerMsg time.Duration // 批内后续消息的等待时长
}

// KafkaSource Kafka 分区来源；cursor 为下一条待读的 offset（十进制）
type KafkaSource struct {
	newReader KafkaReaderFactory
	cfg       KafkaSourceConfig

	mu     sync.Mutex
	reader KafkaReader
}

// NewKafkaSource 创建 Kafka 来源
func NewKafkaSource(factory KafkaReaderFactory, cfg KafkaSourceConfig) *KafkaSource {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	if cfg.DeadlinePerMsg <= 0 {
		cfg.DeadlinePerMsg = 50 * time.Millisecond
	}
	return &KafkaSource{newReader: factory, cfg: cfg}
}

// Name 来源名称
func (s *KafkaSource) Name() string {
	return fmt.Sprintf("kafka:%s/%d", s.cfg.Topic, s.cfg.Partition)
}

// Open 创建 Reader 并定位到 cursor；cursor 为空时从最新位置开始
func (s *KafkaSource) Open(_ context.Context, cursor string) error {
	offset := kafka.LastOffset
	if c := strings.TrimSpace(cursor); c != "" {
		switch c {
		case "earliest", "first":
			offset = kafka.FirstOffset
		case "latest", "last":
			offset = kafka.LastOffset
		default:
			n, err := strconv.ParseInt(c, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid kafka cursor %q", cursor)
			}
			offset = n
		}
	}

	reader := s.newReader()
	if err := reader.SetOffset(offset); err != nil {
		_ = reader.Close()
		return fmt.Errorf("failed to set kafka offset: %w", err)
	}

	s.mu.Lock()
	old := s.reader
	s.reader = reader
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Next 拉取一批消息
func (s *KafkaSource) Next(ctx context.Context) ([]RawEntry, error) {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()
	if reader == nil {
		return nil, ErrSourceClosed
	}

	var entries []RawEntry
	wait := s.cfg.Poll
	for len(entries) < s.cfg.BatchSize {
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err := reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return entries, nil
			}
			if len(entries) > 0 {
				// 已取到的先交付，错误在下一次拉取时暴露
				return entries, nil
			}
			return nil, fmt.Errorf("failed to fetch kafka message: %w", err)
		}
		entries = append(entries, RawEntry{
			Cursor:  strconv.FormatInt(msg.Offset+1, 10),
			Payload: msg.Value,
		})
		wait = s.cfg.DeadlinePerMsg
	}
	return entries, nil
}

// Ack 分区模式下进度由 cursor 表达，无需提交
func (s *KafkaSource) Ack(context.Context, ...string) error {
	return nil
}

// Close 关闭 Reader
func (s *KafkaSource) Close() error {
	s.mu.Lock()
	reader := s.reader
	s.reader = nil
	s.mu.Unlock()
	if reader == nil {
		return nil
	}
	return reader.Close()
}
