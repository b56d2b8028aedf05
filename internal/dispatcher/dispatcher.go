package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnknownChannel 规则引用了未注册的通知渠道
var ErrUnknownChannel = errors.New("unknown notification channel")

// ErrDispatcherClosed 分发器已关闭
var ErrDispatcherClosed = errors.New("dispatcher closed")

// errEvicted 队列背压挤出
var errEvicted = errors.New("evicted from sink queue by backpressure")

// Config 分发配置
type Config struct {
	QueueSize      int
	EnqueueTimeout time.Duration
	Timeout        time.Duration // 单次投递超时
	MaxRetries     int
	RetryBackoff   time.Duration
}

// job 一次待投递的任务
type job struct {
	kind    string
	key     string // 幂等键（事件 ID / 窗口键 / 记录键）
	dedup   bool   // 是否按 AckStore 去重
	payload interface{}
}

// sinkWorker 单个 sink 的队列与投递函数
type sinkWorker struct {
	name    string
	queue   *queue.Bounded[job]
	deliver func(ctx context.Context, j job) error
}

// Dispatcher 三路输出分发器：每个 sink 一个队列和一个 worker，互不阻塞
type Dispatcher struct {
	cfg     Config
	dlq     DeadLetterStore
	acks    AckStore
	metrics *metrics.Metrics
	logger  *zap.Logger

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	aggregates []*sinkWorker
	anomalies  []*sinkWorker
	channels   map[string]*sinkWorker
	closed     bool

	deadLetters atomic.Int64
}

// New 创建分发器；acks 可为 nil（不去重）
func New(cfg Config, dlq DeadLetterStore, acks AckStore, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		dlq:      dlq,
		acks:     acks,
		metrics:  m,
		logger:   logger,
		runCtx:   ctx,
		cancel:   cancel,
		channels: make(map[string]*sinkWorker),
	}
}

// RegisterAggregateSink 注册窗口存储
func (d *Dispatcher) RegisterAggregateSink(s AggregateSink) {
	w := d.startWorker(s.Name(), func(ctx context.Context, j job) error {
		return s.WriteWindow(ctx, j.payload.(models.Window))
	})
	d.mu.Lock()
	d.aggregates = append(d.aggregates, w)
	d.mu.Unlock()
}

// RegisterAnomalySink 注册异常记录存储
func (d *Dispatcher) RegisterAnomalySink(s AnomalySink) {
	w := d.startWorker(s.Name(), func(ctx context.Context, j job) error {
		return s.WriteAnomaly(ctx, j.payload.(models.AnnotatedRecord))
	})
	d.mu.Lock()
	d.anomalies = append(d.anomalies, w)
	d.mu.Unlock()
}

// RegisterChannel 注册通知渠道
func (d *Dispatcher) RegisterChannel(s NotificationSink) {
	w := d.startWorker(s.Name(), func(ctx context.Context, j job) error {
		return s.Notify(ctx, j.payload.(models.AlertEvent))
	})
	d.mu.Lock()
	d.channels[s.Name()] = w
	d.mu.Unlock()
}

// HasChannel 渠道是否已注册（供规则校验使用）
func (d *Dispatcher) HasChannel(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.channels[name]
	return ok
}

// Channels 已注册的渠道名称
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeadLetters 本进程写入死信的数量
func (d *Dispatcher) DeadLetters() int64 {
	return d.deadLetters.Load()
}

// QueueDepths 各 sink 队列当前长度
func (d *Dispatcher) QueueDepths() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int)
	for _, w := range d.allWorkers() {
		out[w.name] = w.queue.Len()
	}
	return out
}

func (d *Dispatcher) startWorker(name string, deliver func(ctx context.Context, j job) error) *sinkWorker {
	w := &sinkWorker{name: name, deliver: deliver}
	w.queue = queue.NewBounded[job]("sink-"+name, d.cfg.QueueSize, d.cfg.EnqueueTimeout, func(dropped job) {
		d.metrics.QueueDropped.WithLabelValues("sink-" + name).Inc()
		d.deadLetter(name, dropped, errEvicted, 0)
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for j := range w.queue.C() {
			d.process(w, j)
		}
	}()
	return w
}

// DispatchWindow 分发已关闭的窗口到所有聚合存储
func (d *Dispatcher) DispatchWindow(ctx context.Context, win models.Window) error {
	d.mu.RLock()
	workers := d.aggregates
	d.mu.RUnlock()

	var errs []error
	for _, w := range workers {
		errs = append(errs, d.enqueue(ctx, w, job{
			kind:    models.DeadLetterKindWindow,
			key:     win.Key(),
			payload: win,
		}))
	}
	return errors.Join(errs...)
}

// DispatchAnomaly 分发异常记录
func (d *Dispatcher) DispatchAnomaly(ctx context.Context, ann models.AnnotatedRecord) error {
	d.mu.RLock()
	workers := d.anomalies
	d.mu.RUnlock()

	key := ann.Record.DeviceID + "@" + ann.Record.Timestamp.UTC().Format(time.RFC3339Nano)
	var errs []error
	for _, w := range workers {
		errs = append(errs, d.enqueue(ctx, w, job{
			kind:    models.DeadLetterKindAnomaly,
			key:     key,
			payload: ann,
		}))
	}
	return errors.Join(errs...)
}

// DispatchAlert 按规则动作中的渠道扇出报警事件；未知渠道直接进入死信
func (d *Dispatcher) DispatchAlert(ctx context.Context, event models.AlertEvent) error {
	var errs []error
	for _, ch := range event.Channels {
		d.mu.RLock()
		w, ok := d.channels[ch]
		d.mu.RUnlock()

		j := job{
			kind:    models.DeadLetterKindAlert,
			key:     event.EventID,
			dedup:   true,
			payload: event,
		}
		if !ok {
			err := fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
			d.deadLetter(ch, j, err, 0)
			errs = append(errs, err)
			continue
		}
		errs = append(errs, d.enqueue(ctx, w, j))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) enqueue(ctx context.Context, w *sinkWorker, j job) error {
	if err := w.queue.Put(ctx, j); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return ErrDispatcherClosed
		}
		return err
	}
	d.metrics.QueueLength.WithLabelValues(w.queue.Name()).Set(float64(w.queue.Len()))
	return nil
}

// process 投递单个任务：去重检查、带超时的有限次重试、耗尽后写入死信
func (d *Dispatcher) process(w *sinkWorker, j job) {
	d.metrics.QueueLength.WithLabelValues(w.queue.Name()).Set(float64(w.queue.Len()))

	if j.dedup && d.acks != nil {
		acked, err := d.acks.Acked(d.runCtx, w.name, j.key)
		if err != nil {
			d.logger.Warn("Failed to check delivery ack", zap.String("sink", w.name), zap.Error(err))
		} else if acked {
			d.metrics.SinkDuplicates.WithLabelValues(w.name).Inc()
			d.logger.Debug("Skipping already delivered event",
				zap.String("sink", w.name),
				zap.String("key", j.key),
			)
			return
		}
	}

	backoff := d.cfg.RetryBackoff
	attempts := 0
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		attempts++
		ctx, cancel := context.WithTimeout(d.runCtx, d.cfg.Timeout)
		start := time.Now()
		err := w.deliver(ctx, j)
		cancel()

		if err == nil {
			d.metrics.SinkDeliveries.WithLabelValues(w.name, "success").Inc()
			d.metrics.SinkLatency.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
			if j.dedup && d.acks != nil {
				if err := d.acks.MarkAcked(d.runCtx, w.name, j.key); err != nil {
					d.logger.Warn("Failed to record delivery ack", zap.String("sink", w.name), zap.Error(err))
				}
			}
			return
		}

		lastErr = err
		d.metrics.SinkDeliveries.WithLabelValues(w.name, "failure").Inc()
		d.logger.Warn("Sink delivery failed",
			zap.String("sink", w.name),
			zap.String("kind", j.kind),
			zap.String("key", j.key),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)

		if attempt == d.cfg.MaxRetries {
			break
		}
		select {
		case <-d.runCtx.Done():
			attempt = d.cfg.MaxRetries
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	d.deadLetter(w.name, j, lastErr, attempts)
}

// deadLetter 写入死信；失败只记录日志（运维可见），不阻断流水线
func (d *Dispatcher) deadLetter(sink string, j job, cause error, attempts int) {
	payload, err := json.Marshal(j.payload)
	if err != nil {
		payload = []byte("null")
	}
	dl := models.DeadLetter{
		ID:       uuid.New().String(),
		Sink:     sink,
		Kind:     j.kind,
		Key:      j.key,
		Payload:  payload,
		Error:    cause.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}

	d.deadLetters.Add(1)
	d.metrics.DeadLetters.WithLabelValues(sink).Inc()
	d.logger.Error("Delivery exhausted, moved to dead letter",
		zap.String("sink", sink),
		zap.String("kind", j.kind),
		zap.String("key", j.key),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)

	if d.dlq == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	if err := d.dlq.SaveDeadLetter(ctx, dl); err != nil {
		d.logger.Error("Failed to persist dead letter",
			zap.String("sink", sink),
			zap.String("dead_letter_id", dl.ID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) allWorkers() []*sinkWorker {
	out := make([]*sinkWorker, 0, len(d.aggregates)+len(d.anomalies)+len(d.channels))
	out = append(out, d.aggregates...)
	out = append(out, d.anomalies...)
	for _, w := range d.channels {
		out = append(out, w)
	}
	return out
}

// Close 停止接收、排空所有 sink 队列并等待在途投递完成
// ctx 到期时中止剩余投递（剩余任务进入死信）。
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	workers := d.allWorkers()
	d.mu.Unlock()

	for _, w := range workers {
		w.queue.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("Dispatcher drained", zap.Int64("dead_letters", d.DeadLetters()))
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("dispatcher drain interrupted: %w", ctx.Err())
	}
}
