package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "PREDICTAPI"

// Config 全局配置结构
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lt=65536"`
	WorkerID        int64         `mapstructure:"worker_id" validate:"gte=0,lte=1023"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" validate:"oneof=mysql postgres"`
	Host         string `mapstructure:"host" validate:"required"`
	Port         int    `mapstructure:"port" validate:"gt=0"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database" validate:"required"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"gte=0"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled Redis 是可选依赖，未配置 host 时不连接
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

const (
	BrokerLog      = "log"
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
)

type OutboxConfig struct {
	Broker                 string        `mapstructure:"broker" validate:"oneof=log kafka rabbitmq"`
	BatchSize              int           `mapstructure:"batch_size" validate:"gt=0"`
	PollIntervalEmpty      time.Duration `mapstructure:"poll_interval_empty" validate:"gt=0"`
	PollIntervalWithEvents time.Duration `mapstructure:"poll_interval_with_events" validate:"gt=0"`
	AlertAfterAttempts     int           `mapstructure:"alert_after_attempts" validate:"gte=0"`
	UseLock                bool          `mapstructure:"use_lock"`
	LockTTL                time.Duration `mapstructure:"lock_ttl"`
}

type IdempotencyConfig struct {
	TTL              time.Duration `mapstructure:"ttl" validate:"gt=0"`
	MaxKeyLength     int           `mapstructure:"max_key_length" validate:"gt=0"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
	CleanupBatchSize int           `mapstructure:"cleanup_batch_size" validate:"gt=0"`
}

const (
	BreakerStoreMemory = "memory"
	BreakerStoreRedis  = "redis"
)

type BreakerConfig struct {
	Store     string                        `mapstructure:"store" validate:"oneof=memory redis"`
	KeyPrefix string                        `mapstructure:"key_prefix"`
	Providers map[string]BreakerParamConfig `mapstructure:"providers" validate:"dive"`
}

type BreakerParamConfig struct {
	FailureThreshold       int `mapstructure:"failure_threshold" validate:"gt=0"`
	RecoveryTimeoutSeconds int `mapstructure:"recovery_timeout_seconds" validate:"gt=0"`
	HalfOpenMaxCalls       int `mapstructure:"half_open_max_calls" validate:"gt=0"`
}

// RecoveryTimeout 冷却时间
func (c BreakerParamConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

type ProvidersConfig struct {
	OddsBaseURL      string        `mapstructure:"odds_base_url" validate:"required,url"`
	BookmakerBaseURL string        `mapstructure:"bookmaker_base_url" validate:"required,url"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// BreakerParams 读取某个下游的熔断参数，未配置时使用默认值
func (c *Config) BreakerParams(provider string) BreakerParamConfig {
	if p, ok := c.Breaker.Providers[provider]; ok {
		return p
	}
	return BreakerParamConfig{FailureThreshold: 5, RecoveryTimeoutSeconds: 30, HalfOpenMaxCalls: 3}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "predictapi")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.topic_prefix", "")
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "predictapi.events")

	v.SetDefault("outbox.broker", BrokerLog)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval_empty", 30*time.Second)
	v.SetDefault("outbox.poll_interval_with_events", 5*time.Second)
	v.SetDefault("outbox.alert_after_attempts", 10)
	v.SetDefault("outbox.use_lock", false)
	v.SetDefault("outbox.lock_ttl", 60*time.Second)

	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("idempotency.max_key_length", 128)
	v.SetDefault("idempotency.cleanup_interval", time.Hour)
	v.SetDefault("idempotency.cleanup_batch_size", 500)

	v.SetDefault("breaker.store", BreakerStoreMemory)
	v.SetDefault("breaker.key_prefix", "breaker:")

	v.SetDefault("providers.odds_base_url", "http://127.0.0.1:9101")
	v.SetDefault("providers.bookmaker_base_url", "http://127.0.0.1:9102")
	v.SetDefault("providers.timeout", 3*time.Second)

	v.SetDefault("log.level", "info")
}

// LoadConfig 加载配置文件
// 优先级：环境变量 (PREDICTAPI_ 前缀，.env 文件也会被加载) > 配置文件 > 默认值
// configPath 为空或文件不存在时只使用默认值和环境变量
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 校验配置
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	if cfg.Outbox.Broker == BrokerKafka && len(cfg.Kafka.Brokers) == 0 {
		return errors.New("配置校验失败: outbox.broker=kafka 需要 kafka.brokers")
	}
	if cfg.Outbox.Broker == BrokerRabbitMQ && cfg.RabbitMQ.URL == "" {
		return errors.New("配置校验失败: outbox.broker=rabbitmq 需要 rabbitmq.url")
	}
	if (cfg.Breaker.Store == BreakerStoreRedis || cfg.Outbox.UseLock) && !cfg.Redis.Enabled() {
		return errors.New("配置校验失败: breaker.store=redis 或 outbox.use_lock 需要 redis.host")
	}
	return nil
}
