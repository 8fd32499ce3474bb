package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	MySQL         MySQLConfig         `mapstructure:"mysql"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Etcd          EtcdConfig          `mapstructure:"etcd"`
	RecordStore   RecordStoreConfig   `mapstructure:"record_store"`
	Bucketing     BucketingConfig     `mapstructure:"bucketing"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Workers       WorkersConfig       `mapstructure:"workers"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Auth          AuthConfig          `mapstructure:"auth"`
	RateLimit     RateLimitConfig     `mapstructure:"ratelimit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

type ServerConfig struct {
	Environment    string   `mapstructure:"environment"`
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RecordStoreConfig configures where published records live and how
// calls to the store are retried.
type RecordStoreConfig struct {
	Driver         string        `mapstructure:"driver"` // etcd | memory
	Prefix         string        `mapstructure:"prefix"`
	Bucket         string        `mapstructure:"bucket"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     uint          `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

type BucketingConfig struct {
	TotalSlots int `mapstructure:"total_slots"`
}

type SchedulerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Concurrency    int           `mapstructure:"concurrency"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type WorkersConfig struct {
	OutboxInterval   time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize  int           `mapstructure:"outbox_batch_size"`
	OutboxMaxRetries int           `mapstructure:"outbox_max_retries"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HubBufferSize     int           `mapstructure:"hub_buffer_size"`
	HistorySize       int           `mapstructure:"history_size"`
}

type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"` // bcrypt
	Role         string `mapstructure:"role"`
}

type AuthConfig struct {
	SigningKey      string        `mapstructure:"signing_key"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	DevMode         bool          `mapstructure:"dev_mode"`
	Users           []UserConfig  `mapstructure:"users"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

type NotificationsConfig struct {
	Channel string `mapstructure:"channel"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("etcd.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)

	v.SetDefault("record_store.driver", "etcd")
	v.SetDefault("record_store.prefix", "/expflow/recordstore/")
	v.SetDefault("record_store.bucket", "main-workspace")
	v.SetDefault("record_store.request_timeout", 10*time.Second)
	v.SetDefault("record_store.max_retries", 5)
	v.SetDefault("record_store.initial_backoff", 500*time.Millisecond)
	v.SetDefault("record_store.max_backoff", 10*time.Second)
	v.SetDefault("record_store.cache_ttl", 30*time.Second)

	v.SetDefault("bucketing.total_slots", 10000)

	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.lease_ttl", 30*time.Second)
	v.SetDefault("scheduler.publish_timeout", 24*time.Hour)

	v.SetDefault("workers.outbox_interval", 5*time.Second)
	v.SetDefault("workers.outbox_batch_size", 10)
	v.SetDefault("workers.outbox_max_retries", 5)

	v.SetDefault("stream.heartbeat_interval", 15*time.Second)
	v.SetDefault("stream.hub_buffer_size", 512)
	v.SetDefault("stream.history_size", 1000)

	v.SetDefault("auth.access_token_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_token_ttl", 7*24*time.Hour)

	v.SetDefault("ratelimit.requests_per_second", 5)
	v.SetDefault("notifications.channel", "expflow:notifications")
}

// Load reads config.yaml from path (or . and ./config when empty) and
// overlays EXPFLOW_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("EXPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Bucketing.TotalSlots <= 0 {
		return errors.New("bucketing.total_slots must be positive")
	}
	if c.Scheduler.Interval <= 0 || c.Workers.OutboxInterval <= 0 {
		return errors.New("scheduler.interval and workers.outbox_interval must be positive")
	}
	if c.Scheduler.LeaseTTL < time.Second {
		return errors.New("scheduler.lease_ttl must be at least 1s")
	}
	switch c.RecordStore.Driver {
	case "etcd", "memory":
	default:
		return fmt.Errorf("record_store.driver %q is not supported", c.RecordStore.Driver)
	}
	return nil
}
