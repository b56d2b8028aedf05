package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"wisefido-telemetry/internal/aggregator"
	"wisefido-telemetry/internal/evaluator"
	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/queue"

	"go.uber.org/zap"
)

// ErrStopped 流水线已停止，不再接收记录
var ErrStopped = errors.New("pipeline stopped")

// Config 流水线拓扑配置
type Config struct {
	Workers        int           // 分区数
	QueueSize      int           // 每个输入队列容量
	EnqueueTimeout time.Duration // 队列满时阻塞的最长时间，超时后丢弃最旧一条
	FlushEvery     time.Duration // 静默设备检查间隔
	Window         aggregator.Config
}

// Outputs 下游投递（由 dispatcher.Dispatcher 实现）
type Outputs interface {
	DispatchWindow(ctx context.Context, win models.Window) error
	DispatchAnomaly(ctx context.Context, ann models.AnnotatedRecord) error
	DispatchAlert(ctx context.Context, event models.AlertEvent) error
}

// partition 一个分区：聚合与评估各一个 worker，各自有输入队列
// 同一设备总是落在同一分区，因此单设备内保持输入顺序
type partition struct {
	id     int
	agg    *aggregator.Aggregator
	engine *evaluator.RuleEngine
	aggIn  *queue.Bounded[models.TelemetryRecord]
	evalIn *queue.Bounded[models.TelemetryRecord]
}

// Pipeline 分区化的处理拓扑：ingress → {聚合, 分类 → 规则引擎} → dispatcher
type Pipeline struct {
	cfg        Config
	classifier *evaluator.Classifier
	out        Outputs
	metrics    *metrics.Metrics
	logger     *zap.Logger

	partitions []*partition
	wg         sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

// New 创建流水线
func New(cfg Config, classifier *evaluator.Classifier, out Outputs, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}

	p := &Pipeline{
		cfg:        cfg,
		classifier: classifier,
		out:        out,
		metrics:    m,
		logger:     logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.partitions = append(p.partitions, &partition{
			id:     i,
			agg:    aggregator.New(cfg.Window, m, logger.With(zap.Int("partition", i))),
			engine: evaluator.NewRuleEngine(m, logger.With(zap.Int("partition", i))),
			aggIn:  p.newQueue(fmt.Sprintf("agg-%d", i)),
			evalIn: p.newQueue(fmt.Sprintf("eval-%d", i)),
		})
	}
	return p
}

func (p *Pipeline) newQueue(name string) *queue.Bounded[models.TelemetryRecord] {
	return queue.NewBounded(name, p.cfg.QueueSize, p.cfg.EnqueueTimeout, func(dropped models.TelemetryRecord) {
		p.metrics.QueueDropped.WithLabelValues(name).Inc()
		p.logger.Debug("Queue full, dropped oldest record",
			zap.String("queue", name),
			zap.String("device_id", dropped.DeviceID),
			zap.Time("timestamp", dropped.Timestamp),
		)
	})
}

// PartitionFor FNV-1a(deviceID) mod n
func PartitionFor(deviceID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(n))
}

// Start 启动所有 worker
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for _, part := range p.partitions {
		p.wg.Add(2)
		go p.runAggregator(part)
		go p.runEvaluator(part)
	}
	p.logger.Info("Pipeline started",
		zap.Int("partitions", len(p.partitions)),
		zap.Int("queue_size", p.cfg.QueueSize),
	)
}

// Submit 把一条记录交给其设备所在分区（同时进入聚合与评估队列）
// 可直接作为 consumer.EmitFunc 使用
func (p *Pipeline) Submit(ctx context.Context, rec models.TelemetryRecord) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	part := p.partitions[PartitionFor(rec.DeviceID, len(p.partitions))]
	if err := part.aggIn.Put(ctx, rec); err != nil {
		return p.putErr(err)
	}
	if err := part.evalIn.Put(ctx, rec); err != nil {
		return p.putErr(err)
	}
	return nil
}

func (p *Pipeline) putErr(err error) error {
	if errors.Is(err, queue.ErrClosed) {
		return ErrStopped
	}
	return err
}

// runAggregator 聚合 worker：累加记录、定时推进静默设备，输入关闭后清空所有窗口
func (p *Pipeline) runAggregator(part *partition) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-part.aggIn.C():
			if !ok {
				p.emitWindows(part, part.agg.Drain())
				return
			}
			p.emitWindows(part, part.agg.Ingest(rec))
		case now := <-ticker.C:
			p.emitWindows(part, part.agg.FlushIdle(now))
		}
	}
}

func (p *Pipeline) emitWindows(part *partition, windows []models.Window) {
	for _, w := range windows {
		if err := p.out.DispatchWindow(context.Background(), w); err != nil {
			p.logger.Warn("Failed to dispatch window",
				zap.Int("partition", part.id),
				zap.String("window", w.Key()),
				zap.Error(err),
			)
		}
	}
}

// runEvaluator 评估 worker：分类 → 异常记录 → 规则引擎 → 报警
func (p *Pipeline) runEvaluator(part *partition) {
	defer p.wg.Done()

	ctx := context.Background()
	for rec := range part.evalIn.C() {
		ann := p.classifier.Classify(rec)
		if !ann.IsAnomaly {
			// 未命中的记录仍需推进状态机（FIRED → QUIET）
			part.engine.Evaluate(ann)
			continue
		}

		if err := p.out.DispatchAnomaly(ctx, ann); err != nil {
			p.logger.Warn("Failed to dispatch anomaly",
				zap.String("device_id", rec.DeviceID),
				zap.Error(err),
			)
		}
		for _, event := range part.engine.Evaluate(ann) {
			if err := p.out.DispatchAlert(ctx, event); err != nil {
				p.logger.Warn("Failed to dispatch alert",
					zap.String("event_id", event.EventID),
					zap.String("rule_id", event.RuleID),
					zap.Error(err),
				)
			}
		}
	}
}

// Stop 停止接收、关闭输入队列、等待 worker 处理完剩余记录并清空窗口
// 调用方随后应关闭 dispatcher 以完成投递。
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	for _, part := range p.partitions {
		part.aggIn.Close()
		part.evalIn.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Pipeline drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline drain interrupted: %w", ctx.Err())
	}
}

// SinkStats 下游投递队列深度（Dispatcher 实现）
type SinkStats interface {
	QueueDepths() map[string]int
}

// Stats 运行统计快照
type Stats struct {
	metrics.Snapshot
	Partitions      int            `json:"partitions"`
	OpenWindows     int            `json:"open_windows"`
	Devices         int            `json:"devices"`
	RulePairs       int            `json:"rule_pairs"`
	QueueCapacity   int            `json:"queue_capacity"`
	QueueDepths     map[string]int `json:"queue_depths"`
	SinkQueueDepths map[string]int `json:"sink_queue_depths"`
}

// Stats 读取当前统计
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Snapshot:    p.metrics.Snapshot(),
		Partitions:  len(p.partitions),
		QueueDepths: make(map[string]int, 2*len(p.partitions)),
	}
	for _, part := range p.partitions {
		s.OpenWindows += part.agg.OpenWindows()
		s.Devices += part.agg.Devices()
		s.RulePairs += part.engine.Pairs()
		s.QueueDepths[part.aggIn.Name()] = part.aggIn.Len()
		s.QueueDepths[part.evalIn.Name()] = part.evalIn.Len()
		s.QueueCapacity = part.aggIn.Cap()
	}
	if sinks, ok := p.out.(SinkStats); ok {
		s.SinkQueueDepths = sinks.QueueDepths()
	}
	return s
}
