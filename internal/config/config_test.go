package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "telemetry", cfg.Database.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)

	assert.Equal(t, time.Minute, cfg.Window.Size)
	assert.Equal(t, 10*time.Second, cfg.Window.Grace)
	assert.Equal(t, 30*time.Second, cfg.Window.IdleTimeout)
	assert.Equal(t, time.Hour, cfg.Window.EvictAfter)

	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 1024, cfg.Pipeline.QueueSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.EnqueueTimeout)

	assert.Equal(t, SourceRedis, cfg.Ingress.Source)
	assert.Equal(t, 5, cfg.Ingress.MaxRetries)
	assert.Equal(t, time.Second, cfg.Ingress.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Ingress.MaxBackoff)

	assert.Equal(t, RulesFromFile, cfg.Rules.Source)
	assert.Equal(t, "rules.yaml", cfg.Rules.File)

	assert.Equal(t, 5*time.Second, cfg.Sink.Timeout)
	assert.Equal(t, 3, cfg.Sink.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Sink.AckTTL)

	assert.Empty(t, cfg.Notify.WebhookURL)
	assert.True(t, cfg.Notify.WebSocketEnabled)
	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	t.Setenv("DB_HOST", "pg")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("WINDOW_SIZE", "30s")
	t.Setenv("PIPELINE_WORKERS", "8")
	t.Setenv("INGRESS_SOURCE", "kafka")
	t.Setenv("RULES_SOURCE", "postgres")
	t.Setenv("NOTIFY_WEBHOOK_URL", "http://hooks.local/alert")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "pg", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Window.Size)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, SourceKafka, cfg.Ingress.Source)
	assert.Equal(t, RulesFromPostgres, cfg.Rules.Source)
	assert.Equal(t, "http://hooks.local/alert", cfg.Notify.WebhookURL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"WINDOW_SIZE":        "one minute",
		"PIPELINE_WORKERS":   "four",
		"INGRESS_SOURCE":     "amqp",
		"RULES_SOURCE":       "etcd",
		"DB_PORT":            "pg",
		"MQTT_QOS":           "3",
		"REDIS_READ_TIMEOUT": "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			os.Clearenv()
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_NonPositiveWindowRejected(t *testing.T) {
	os.Clearenv()
	t.Setenv("WINDOW_SIZE", "0s")
	_, err := Load()
	assert.Error(t, err)
}
