package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wisefido-telemetry/internal/aggregator"
	"wisefido-telemetry/internal/api"
	"wisefido-telemetry/internal/common/database"
	mqttcommon "wisefido-telemetry/internal/common/mqtt"
	rediscommon "wisefido-telemetry/internal/common/redis"
	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/consumer"
	"wisefido-telemetry/internal/dispatcher"
	"wisefido-telemetry/internal/evaluator"
	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/notifier"
	"wisefido-telemetry/internal/pipeline"
	"wisefido-telemetry/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// mqttClient MQTT 客户端能力（订阅 + 发布）
type mqttClient interface {
	consumer.Subscriber
	notifier.Publisher
}

// infra 外部连接；为 nil 的连接表示未配置
type infra struct {
	db          *sql.DB
	redis       *redis.Client
	mqtt        mqttClient
	kafkaReader consumer.KafkaReaderFactory
	kafkaWriter notifier.MessageWriter
	closers     []func() error
}

// TelemetryService 遥测服务（整合各层）
type TelemetryService struct {
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	infra    infra

	ruleStore  *evaluator.RuleStore
	ruleLoader evaluator.RuleLoader
	dispatcher *dispatcher.Dispatcher
	pipeline   *pipeline.Pipeline
	adapter    *consumer.Adapter
	hub        *notifier.Hub
	httpServer *http.Server

	mu          sync.Mutex
	cancelRun   context.CancelFunc
	cancelHub   context.CancelFunc
	adapterDone chan struct{}
	errCh       chan error
	stopped     bool
}

// NewTelemetryService 连接外部依赖并组装服务
func NewTelemetryService(cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var in infra
	fail := func(err error) (*TelemetryService, error) {
		closeAll(in.closers, logger)
		return nil, err
	}

	// 1. 连接数据库并建表
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return fail(err)
	}
	in.db = db
	in.closers = append(in.closers, db.Close)
	if err := database.EnsureSchema(ctx, db); err != nil {
		return fail(err)
	}

	// 2. 连接 Redis
	in.redis = rediscommon.NewRedisClient(&cfg.Redis)
	in.closers = append(in.closers, in.redis.Close)
	if err := rediscommon.Ping(ctx, in.redis); err != nil {
		return fail(fmt.Errorf("failed to ping redis: %w", err))
	}

	// 3. MQTT（接入或通知需要时）
	if cfg.Ingress.Source == config.SourceMQTT || cfg.Notify.MQTTTopic != "" {
		client, err := mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			return fail(err)
		}
		in.mqtt = client
		in.closers = append(in.closers, func() error { client.Disconnect(); return nil })
	}

	// 4. Kafka
	if cfg.Ingress.Source == config.SourceKafka {
		in.kafkaReader = consumer.NewKafkaReaderFactory(cfg.Kafka)
	}
	if cfg.Notify.KafkaTopic != "" {
		writer := notifier.NewKafkaWriter(cfg.Kafka, cfg.Notify.KafkaTopic)
		in.kafkaWriter = writer
		in.closers = append(in.closers, writer.Close)
	}

	svc, err := newService(cfg, in, logger)
	if err != nil {
		return fail(err)
	}

	// 5. 初始规则集加载失败直接退出
	if _, err := svc.ReloadRules(ctx); err != nil {
		return fail(fmt.Errorf("failed to load initial rules: %w", err))
	}
	return svc, nil
}

// newService 组装各层组件（不做网络连接）
func newService(cfg *config.Config, in infra, logger *zap.Logger) (*TelemetryService, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	s := &TelemetryService{
		config:   cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		infra:    in,
		errCh:    make(chan error, 1),
	}

	// Repository 层
	windows := repository.NewWindowAggregateRepository(in.db, logger)
	anomalies := repository.NewAnomalyRecordRepository(in.db, logger)
	alertLog := repository.NewAlertEventRepository(in.db, logger)
	deadLetters := repository.NewDeadLetterRepository(in.db, logger)

	// 投递分发
	var acks dispatcher.AckStore
	if cfg.Sink.AckStore == "redis" && in.redis != nil {
		acks = dispatcher.NewRedisAckStore(in.redis, "", cfg.Sink.AckTTL)
	} else {
		acks = dispatcher.NewMemoryAckStore(cfg.Sink.AckTTL, 0)
	}
	s.dispatcher = dispatcher.New(dispatcher.Config{
		QueueSize:      cfg.Pipeline.QueueSize,
		EnqueueTimeout: cfg.Pipeline.EnqueueTimeout,
		Timeout:        cfg.Sink.Timeout,
		MaxRetries:     cfg.Sink.MaxRetries,
		RetryBackoff:   cfg.Sink.RetryBackoff,
	}, deadLetters, acks, m, logger)

	s.dispatcher.RegisterAggregateSink(windows)
	var cache *repository.WindowCache
	if in.redis != nil {
		cache = repository.NewWindowCache(repository.NewRedisWindowStore(in.redis), 10*cfg.Window.Size, logger)
		s.dispatcher.RegisterAggregateSink(cache)
	}
	s.dispatcher.RegisterAnomalySink(anomalies)

	// 通知渠道（alert-log 始终启用）
	s.dispatcher.RegisterChannel(alertLog)
	if cfg.Notify.WebhookURL != "" {
		s.dispatcher.RegisterChannel(notifier.NewWebhook(cfg.Notify.WebhookURL, cfg.Sink.Timeout, logger))
	}
	if cfg.Notify.Stream != "" && in.redis != nil {
		s.dispatcher.RegisterChannel(notifier.NewRedisStream(in.redis, cfg.Notify.Stream, cfg.Notify.StreamMaxLen))
	}
	if cfg.Notify.MQTTTopic != "" && in.mqtt != nil {
		s.dispatcher.RegisterChannel(notifier.NewMQTT(in.mqtt, cfg.Notify.MQTTTopic, cfg.MQTT.QoS))
	}
	if cfg.Notify.KafkaTopic != "" && in.kafkaWriter != nil {
		s.dispatcher.RegisterChannel(notifier.NewKafka(in.kafkaWriter))
	}
	if cfg.Notify.WebSocketEnabled {
		s.hub = notifier.NewHub(logger)
		s.dispatcher.RegisterChannel(s.hub)
	}

	// 规则
	s.ruleStore = evaluator.NewRuleStore(s.dispatcher.HasChannel)
	switch cfg.Rules.Source {
	case config.RulesFromPostgres:
		s.ruleLoader = evaluator.NewPostgresRuleLoader(repository.NewAlertRuleRepository(in.db, logger))
	default:
		s.ruleLoader = evaluator.NewFileRuleLoader(cfg.Rules.File)
	}

	// 流水线
	s.pipeline = pipeline.New(pipeline.Config{
		Workers:        cfg.Pipeline.Workers,
		QueueSize:      cfg.Pipeline.QueueSize,
		EnqueueTimeout: cfg.Pipeline.EnqueueTimeout,
		FlushEvery:     cfg.Window.FlushEvery,
		Window: aggregator.Config{
			Size:        cfg.Window.Size,
			Grace:       cfg.Window.Grace,
			IdleTimeout: cfg.Window.IdleTimeout,
			EvictAfter:  cfg.Window.EvictAfter,
		},
	}, evaluator.NewClassifier(s.ruleStore, m), s.dispatcher, m, logger)

	// 接入
	source, err := s.buildSource()
	if err != nil {
		return nil, err
	}
	s.adapter = consumer.NewAdapter(source, consumer.AdapterConfig{
		MaxRetries:     cfg.Ingress.MaxRetries,
		InitialBackoff: cfg.Ingress.InitialBackoff,
		MaxBackoff:     cfg.Ingress.MaxBackoff,
	}, m, logger)

	// 运维接口
	if cfg.HTTP.Addr != "" {
		s.httpServer = &http.Server{
			Addr: cfg.HTTP.Addr,
			Handler: api.NewRouter(api.Deps{
				Rules:       s,
				Anomalies:   anomalies,
				Windows:     repository.NewLatestWindowReader(cache, windows, logger),
				DeadLetters: deadLetters,
				Stats:       s.pipeline,
				Hub:         s.hub,
				Gatherer:    registry,
				Health:      s.health,
			}, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

func (s *TelemetryService) buildSource() (consumer.Source, error) {
	cfg := s.config
	switch cfg.Ingress.Source {
	case config.SourceRedis:
		if s.infra.redis == nil {
			return nil, fmt.Errorf("redis ingress requires a redis client")
		}
		return consumer.NewRedisStreamSource(s.infra.redis, consumer.RedisStreamConfig{
			Stream:    cfg.Ingress.Stream,
			Group:     cfg.Ingress.Group,
			Consumer:  cfg.Ingress.Consumer,
			BatchSize: int64(cfg.Ingress.BatchSize),
			Block:     time.Second,
		}), nil
	case config.SourceMQTT:
		if s.infra.mqtt == nil {
			return nil, fmt.Errorf("mqtt ingress requires an mqtt client")
		}
		return consumer.NewMQTTSource(s.infra.mqtt, consumer.MQTTSourceConfig{
			Topic:      cfg.Ingress.MQTTTopic,
			QoS:        cfg.MQTT.QoS,
			BufferSize: cfg.Pipeline.QueueSize,
			BatchSize:  cfg.Ingress.BatchSize,
		}, func(name string) {
			s.metrics.QueueDropped.WithLabelValues(name).Inc()
		}), nil
	case config.SourceKafka:
		if s.infra.kafkaReader == nil {
			return nil, fmt.Errorf("kafka ingress requires a kafka reader")
		}
		return consumer.NewKafkaSource(s.infra.kafkaReader, consumer.KafkaSourceConfig{
			Topic:     cfg.Kafka.Topic,
			Partition: cfg.Kafka.Partition,
			BatchSize: cfg.Ingress.BatchSize,
		}), nil
	default:
		return nil, fmt.Errorf("unknown ingress source %q", cfg.Ingress.Source)
	}
}

// CurrentRules 当前生效的规则集
func (s *TelemetryService) CurrentRules() *models.RuleSet {
	return s.ruleStore.Current()
}

// ReloadRules 重新读取规则并原子替换；任何错误都保持当前规则集不变
func (s *TelemetryService) ReloadRules(ctx context.Context) (*models.RuleSet, error) {
	rules, err := s.ruleLoader.Load(ctx)
	if err != nil {
		s.metrics.RuleReloads.WithLabelValues("error").Inc()
		s.logger.Error("Failed to load rules", zap.Error(err))
		return nil, err
	}

	set, err := s.ruleStore.Replace(rules)
	if err != nil {
		s.metrics.RuleReloads.WithLabelValues("rejected").Inc()
		var active int64
		if cur := s.ruleStore.Current(); cur != nil {
			active = cur.Version
		}
		s.logger.Error("Rule set rejected, keeping previous",
			zap.Int64("active_version", active),
			zap.Error(err),
		)
		return nil, err
	}

	s.metrics.RuleReloads.WithLabelValues("success").Inc()
	s.metrics.RuleSetVersion.Set(float64(set.Version))
	s.logger.Info("Rule set loaded",
		zap.Int64("version", set.Version),
		zap.Int("rules", len(set.Rules)),
	)
	return set, nil
}

// Start 启动 HTTP、流水线与接入循环（非阻塞）
func (s *TelemetryService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRun != nil {
		return fmt.Errorf("service already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.logger.Info("Starting telemetry service",
		zap.String("ingress", s.config.Ingress.Source),
		zap.Strings("channels", s.dispatcher.Channels()),
		zap.Int("partitions", s.config.Pipeline.Workers),
	)

	// hub 属于下游渠道，生命周期独立于接入，投递排空后才停止
	if s.hub != nil {
		hubCtx, hubCancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancelHub = hubCancel
		go s.hub.Run(hubCtx)
	}
	if s.httpServer != nil {
		go func() {
			s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	s.pipeline.Start()

	s.adapterDone = make(chan struct{})
	go func() {
		defer close(s.adapterDone)
		if err := s.adapter.Run(runCtx, s.config.Ingress.StartCursor, s.pipeline.Submit); err != nil {
			s.errCh <- err
		}
	}()
	return nil
}

// Err 接入循环的终止错误（如 ErrIngressExhausted）
func (s *TelemetryService) Err() <-chan error {
	return s.errCh
}

// Stop 按顺序停止：接入停止拉取 → 流水线排空 → 投递排空 → 停止 hub → 关闭来源 → 关闭外部连接
func (s *TelemetryService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancelRun
	cancelHub := s.cancelHub
	adapterDone := s.adapterDone
	s.mu.Unlock()

	s.logger.Info("Stopping telemetry service")
	var errs []error

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
	}

	// 1. 停止拉取（runCtx 取消后适配器返回）
	if cancel != nil {
		cancel()
		select {
		case <-adapterDone:
		case <-ctx.Done():
			s.logger.Warn("Ingress adapter did not stop before deadline")
		}
	}

	// 2. 关闭输入队列，worker 处理完剩余记录并清空窗口
	if err := s.pipeline.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	// 3. 投递排空，随后停止 WebSocket hub
	if err := s.dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if cancelHub != nil {
		cancelHub()
	}

	// 4. 最后关闭来源连接
	if err := s.adapter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close ingress source: %w", err))
	}

	closeAll(s.infra.closers, s.logger)

	s.logger.Info("Telemetry service stopped", zap.Any("stats", s.pipeline.Stats()))
	return errors.Join(errs...)
}

func (s *TelemetryService) health(ctx context.Context) error {
	if s.infra.db != nil {
		if err := s.infra.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if s.infra.redis != nil {
		if err := rediscommon.Ping(ctx, s.infra.redis); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func closeAll(closers []func() error, logger *zap.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warn("Failed to close connection", zap.Error(err))
		}
	}
}
