package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"

	"go.uber.org/zap"
)

// ErrIngressExhausted 重连次数耗尽，接入终止
var ErrIngressExhausted = errors.New("ingress retries exhausted")

// EmitFunc 记录交付回调；返回错误表示下游已不再接收
type EmitFunc func(ctx context.Context, rec models.TelemetryRecord) error

// AdapterConfig 接入适配器配置
type AdapterConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Adapter 接入适配器：从 Source 拉取、解析、交付，并负责断线重连
type Adapter struct {
	source  Source
	cfg     AdapterConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.RWMutex
	position string
}

// NewAdapter 创建接入适配器
func NewAdapter(source Source, cfg AdapterConfig, m *metrics.Metrics, logger *zap.Logger) *Adapter {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Adapter{
		source:  source,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Position 最后一条已交付条目的位置
func (a *Adapter) Position() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.position
}

func (a *Adapter) setPosition(cursor string) {
	a.mu.Lock()
	a.position = cursor
	a.mu.Unlock()
}

// Run 拉取循环，直到 ctx 取消（返回 nil）或重连耗尽（返回 ErrIngressExhausted）
func (a *Adapter) Run(ctx context.Context, cursor string, emit EmitFunc) error {
	a.setPosition(cursor)

	a.logger.Info("Ingress adapter started",
		zap.String("source", a.source.Name()),
		zap.String("cursor", cursor),
	)

	backoff := a.cfg.InitialBackoff
	failures := 0
	needOpen := true

	for {
		if ctx.Err() != nil {
			return nil
		}

		var err error
		var entries []RawEntry
		if needOpen {
			err = a.source.Open(ctx, a.Position())
			if err == nil {
				needOpen = false
			}
		}
		if err == nil {
			entries, err = a.source.Next(ctx)
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures > a.cfg.MaxRetries {
				a.logger.Error("Ingress retries exhausted",
					zap.String("source", a.source.Name()),
					zap.Int("attempts", failures),
					zap.Error(err),
				)
				return fmt.Errorf("%w: %s: %v", ErrIngressExhausted, a.source.Name(), err)
			}

			a.metrics.IngressRetries.Inc()
			a.logger.Warn("Ingress fetch failed, reconnecting",
				zap.String("source", a.source.Name()),
				zap.Int("attempt", failures),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if !needOpen {
				_ = a.source.Close()
				needOpen = true
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > a.cfg.MaxBackoff {
				backoff = a.cfg.MaxBackoff
			}
			continue
		}

		failures = 0
		backoff = a.cfg.InitialBackoff

		if err := a.deliver(ctx, entries, emit); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// deliver 解析并交付一批条目，随后确认已处理的部分
func (a *Adapter) deliver(ctx context.Context, entries []RawEntry, emit EmitFunc) error {
	if len(entries) == 0 {
		return nil
	}

	handled := make([]string, 0, len(entries))
	var emitErr error
	for _, entry := range entries {
		rec, err := ParseRecord(entry.Payload)
		if err != nil {
			a.metrics.RecordsMalformed.Inc()
			a.logger.Debug("Dropping malformed entry",
				zap.String("source", a.source.Name()),
				zap.String("cursor", entry.Cursor),
				zap.Error(err),
			)
			handled = append(handled, entry.Cursor)
			a.setPosition(entry.Cursor)
			continue
		}

		rec.Cursor = entry.Cursor
		if err := emit(ctx, rec); err != nil {
			emitErr = err
			break
		}
		a.metrics.RecordsIngested.Inc()
		handled = append(handled, entry.Cursor)
		a.setPosition(entry.Cursor)
	}

	// ctx 可能已取消，确认使用独立的超时
	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.source.Ack(ackCtx, handled...); err != nil {
		a.logger.Warn("Failed to ack entries",
			zap.String("source", a.source.Name()),
			zap.Int("count", len(handled)),
			zap.Error(err),
		)
	}

	if emitErr != nil {
		return fmt.Errorf("failed to emit record: %w", emitErr)
	}
	return nil
}

// Close 关闭来源连接（流水线排空后调用）
func (a *Adapter) Close() error {
	return a.source.Close()
}
