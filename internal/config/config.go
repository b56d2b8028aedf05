package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"wisefido-telemetry/internal/common/config"
)

// 遥测来源
const (
	SourceRedis = "redis"
	SourceMQTT  = "mqtt"
	SourceKafka = "kafka"
)

// 规则来源
const (
	RulesFromFile     = "file"
	RulesFromPostgres = "postgres"
)

// Config 遥测服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Kafka    config.KafkaConfig

	// 窗口聚合配置
	Window struct {
		Size        time.Duration // 翻滚窗口长度，默认 1m
		Grace       time.Duration // 迟到容忍，默认 10s
		IdleTimeout time.Duration // 设备空闲多久后推进水位线，默认 30s
		EvictAfter  time.Duration // 空闲设备状态回收，默认 1h
		FlushEvery  time.Duration // 空闲检查周期
	}

	// 流水线配置
	Pipeline struct {
		Workers        int           // 分区数量，默认 4
		QueueSize      int           // 每个队列容量，默认 1024
		EnqueueTimeout time.Duration // 队列满时的阻塞上限，默认 500ms
	}

	// 接入配置
	Ingress struct {
		Source         string // redis | mqtt | kafka
		StartCursor    string // 起始游标（Redis: "$"/"0"/ID，Kafka: offset）
		MaxRetries     int
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
		BatchSize      int

		// Redis Streams
		Stream   string
		Group    string
		Consumer string

		// MQTT
		MQTTTopic string
	}

	// 规则配置
	Rules struct {
		Source string // file | postgres
		File   string
	}

	// 下游投递配置
	Sink struct {
		Timeout      time.Duration
		MaxRetries   int
		RetryBackoff time.Duration
		AckTTL       time.Duration
		AckStore     string // memory | redis
	}

	// 通知渠道（值非空即启用）
	Notify struct {
		WebhookURL       string
		Stream           string
		StreamMaxLen     int64
		MQTTTopic        string
		KafkaTopic       string
		WebSocketEnabled bool
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// 基础设施配置：先给默认值，再由 {PREFIX}_* 环境变量覆盖
	cfg.Database = config.DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "telemetry",
		SSLMode:         "disable",
		MaxConns:        20,
		MaxIdle:         5,
		ConnMaxLifetime: 30 * time.Minute,
	}
	cfg.Redis = config.RedisConfig{Addr: "localhost:6379", PoolSize: 20, ReadTimeout: 3 * time.Second}
	cfg.MQTT = config.MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "wisefido-telemetry", QoS: 1}
	cfg.Kafka = config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "telemetry"}
	if err := errors.Join(
		cfg.Database.LoadFromEnv("DB"),
		cfg.Redis.LoadFromEnv("REDIS"),
		cfg.MQTT.LoadFromEnv("MQTT"),
		cfg.Kafka.LoadFromEnv("KAFKA"),
	); err != nil {
		return nil, err
	}

	if cfg.Window.Size, err = getEnvDuration("WINDOW_SIZE", time.Minute); err != nil {
		return nil, err
	}
	if cfg.Window.Grace, err = getEnvDuration("WINDOW_GRACE", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.Window.IdleTimeout, err = getEnvDuration("WINDOW_IDLE_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Window.EvictAfter, err = getEnvDuration("WINDOW_EVICT_AFTER", time.Hour); err != nil {
		return nil, err
	}
	if cfg.Window.FlushEvery, err = getEnvDuration("WINDOW_FLUSH_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}

	if cfg.Pipeline.Workers, err = getEnvInt("PIPELINE_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.Pipeline.QueueSize, err = getEnvInt("PIPELINE_QUEUE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.Pipeline.EnqueueTimeout, err = getEnvDuration("PIPELINE_ENQUEUE_TIMEOUT", 500*time.Millisecond); err != nil {
		return nil, err
	}

	cfg.Ingress.Source = getEnv("INGRESS_SOURCE", SourceRedis)
	cfg.Ingress.StartCursor = getEnv("INGRESS_START_CURSOR", "")
	if cfg.Ingress.MaxRetries, err = getEnvInt("INGRESS_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.Ingress.InitialBackoff, err = getEnvDuration("INGRESS_INITIAL_BACKOFF", time.Second); err != nil {
		return nil, err
	}
	if cfg.Ingress.MaxBackoff, err = getEnvDuration("INGRESS_MAX_BACKOFF", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Ingress.BatchSize, err = getEnvInt("INGRESS_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	cfg.Ingress.Stream = getEnv("INGRESS_STREAM", "telemetry:raw")
	cfg.Ingress.Group = getEnv("INGRESS_GROUP", "telemetry-group")
	cfg.Ingress.Consumer = getEnv("INGRESS_CONSUMER", "telemetry-1")
	cfg.Ingress.MQTTTopic = getEnv("INGRESS_MQTT_TOPIC", "telemetry/+/data")

	cfg.Rules.Source = getEnv("RULES_SOURCE", RulesFromFile)
	cfg.Rules.File = getEnv("RULES_FILE", "rules.yaml")

	if cfg.Sink.Timeout, err = getEnvDuration("SINK_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Sink.MaxRetries, err = getEnvInt("SINK_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.Sink.RetryBackoff, err = getEnvDuration("SINK_RETRY_BACKOFF", 200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Sink.AckTTL, err = getEnvDuration("ACK_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	cfg.Sink.AckStore = getEnv("ACK_STORE", "redis")

	cfg.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", "")
	cfg.Notify.Stream = getEnv("NOTIFY_STREAM", "")
	streamMaxLen, err := getEnvInt("NOTIFY_STREAM_MAXLEN", 10000)
	if err != nil {
		return nil, err
	}
	cfg.Notify.StreamMaxLen = int64(streamMaxLen)
	cfg.Notify.MQTTTopic = getEnv("NOTIFY_MQTT_TOPIC", "")
	cfg.Notify.KafkaTopic = getEnv("NOTIFY_KAFKA_TOPIC", "")
	cfg.Notify.WebSocketEnabled = getEnv("NOTIFY_WEBSOCKET_ENABLED", "true") == "true"

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Ingress.Source {
	case SourceRedis, SourceMQTT, SourceKafka:
	default:
		return fmt.Errorf("invalid INGRESS_SOURCE %q", c.Ingress.Source)
	}
	switch c.Rules.Source {
	case RulesFromFile, RulesFromPostgres:
	default:
		return fmt.Errorf("invalid RULES_SOURCE %q", c.Rules.Source)
	}
	if c.Window.Size <= 0 {
		return fmt.Errorf("WINDOW_SIZE must be positive")
	}
	if c.Window.Grace < 0 {
		return fmt.Errorf("WINDOW_GRACE must not be negative")
	}
	if c.Pipeline.Workers <= 0 || c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("PIPELINE_WORKERS and PIPELINE_QUEUE_SIZE must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
