package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConns        int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	ReadTimeout time.Duration // 不含 XREADGROUP BLOCK 时长，go-redis 会自动叠加
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// KafkaConfig Kafka配置（事件中心）
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	Partition int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从 {prefix}_HOST、_PORT、_USER、_PASSWORD、_NAME、_SSLMODE、_MAX_CONNS、_MAX_IDLE、_CONN_MAX_LIFETIME 覆盖配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) error {
	e := envReader{prefix: prefix}
	e.str("HOST", &c.Host)
	e.integer("PORT", &c.Port)
	e.str("USER", &c.User)
	e.str("PASSWORD", &c.Password)
	e.str("NAME", &c.Database)
	e.str("SSLMODE", &c.SSLMode)
	e.integer("MAX_CONNS", &c.MaxConns)
	e.integer("MAX_IDLE", &c.MaxIdle)
	e.duration("CONN_MAX_LIFETIME", &c.ConnMaxLifetime)
	return e.err()
}

// LoadFromEnv 从 {prefix}_ADDR、_PASSWORD、_DB、_POOL_SIZE、_READ_TIMEOUT 覆盖配置
func (c *RedisConfig) LoadFromEnv(prefix string) error {
	e := envReader{prefix: prefix}
	e.str("ADDR", &c.Addr)
	e.str("PASSWORD", &c.Password)
	e.integer("DB", &c.DB)
	e.integer("POOL_SIZE", &c.PoolSize)
	e.duration("READ_TIMEOUT", &c.ReadTimeout)
	return e.err()
}

// LoadFromEnv 从 {prefix}_BROKER、_CLIENT_ID、_USERNAME、_PASSWORD、_QOS 覆盖配置
func (c *MQTTConfig) LoadFromEnv(prefix string) error {
	e := envReader{prefix: prefix}
	e.str("BROKER", &c.Broker)
	e.str("CLIENT_ID", &c.ClientID)
	e.str("USERNAME", &c.Username)
	e.str("PASSWORD", &c.Password)
	qos := int(c.QoS)
	e.integer("QOS", &qos)
	if qos < 0 || qos > 2 {
		e.fail("QOS", fmt.Errorf("must be 0, 1 or 2, got %d", qos))
	} else {
		c.QoS = byte(qos)
	}
	return e.err()
}

// LoadFromEnv 从 {prefix}_BROKERS（逗号分隔）、_TOPIC、_PARTITION 覆盖配置
func (c *KafkaConfig) LoadFromEnv(prefix string) error {
	e := envReader{prefix: prefix}
	e.list("BROKERS", &c.Brokers)
	e.str("TOPIC", &c.Topic)
	e.integer("PARTITION", &c.Partition)
	return e.err()
}

// envReader 按前缀读取环境变量；未设置的变量保持原值，解析错误累积返回
type envReader struct {
	prefix string
	errs   []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(e.prefix + "_" + key))
	return v, v != ""
}

func (e *envReader) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s_%s: %w", e.prefix, key, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = d
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}
