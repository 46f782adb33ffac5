// Package config loads clipsync settings from an optional YAML file and
// CLIPSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "CLIPSYNC"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Client    ClientConfig    `mapstructure:"client"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	PublicURL       string        `mapstructure:"public_url"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	JoinsPerMinute  float64       `mapstructure:"joins_per_minute"`
	JoinBurst       int           `mapstructure:"join_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	// Driver is "sqlite", "postgres" or "none".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RetentionConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	IdleAfter time.Duration `mapstructure:"idle_after"`
}

type KafkaConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Brokers   []string      `mapstructure:"brokers"`
	Topic     string        `mapstructure:"topic"`
	QueueSize int           `mapstructure:"queue_size"`
	Workers   int           `mapstructure:"workers"`
	MaxRetry  int           `mapstructure:"max_retry"`
	Backoff   time.Duration `mapstructure:"backoff"`
}

type DiscoveryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Instance string `mapstructure:"instance"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type ClientConfig struct {
	// Transport is "relay", "redis" or "memory".
	Transport   string        `mapstructure:"transport"`
	Relay       string        `mapstructure:"relay"`
	BaseAddress string        `mapstructure:"base_address"`
	Debounce    time.Duration `mapstructure:"debounce"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "http://localhost:8080/")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.joins_per_minute", 60.0)
	v.SetDefault("server.join_burst", 20)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "./data/clipsync.db")

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.interval", 10*time.Minute)
	v.SetDefault("retention.idle_after", 30*24*time.Hour)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "clipsync.rooms")
	v.SetDefault("kafka.queue_size", 1024)
	v.SetDefault("kafka.workers", 2)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("kafka.backoff", 100*time.Millisecond)

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.instance", "clipsync")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "clipsync")

	v.SetDefault("client.transport", "relay")
	v.SetDefault("client.relay", "http://localhost:8080")
	v.SetDefault("client.base_address", "http://localhost:8080/")
	v.SetDefault("client.debounce", 0)
	v.SetDefault("client.join_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// NewViper returns a viper instance with defaults and environment binding.
// Flags may be bound to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, when given, into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
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
	var errs []error
	switch c.Storage.Driver {
	case "sqlite", "postgres", "none":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch c.Client.Transport {
	case "relay", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("client.transport: unknown transport %q", c.Client.Transport))
	}
	if c.Retention.Enabled && c.Retention.Interval <= 0 {
		errs = append(errs, errors.New("retention.interval must be positive"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka: brokers and topic are required when enabled"))
	}
	if c.Server.JoinsPerMinute < 0 || c.Server.JoinBurst < 0 {
		errs = append(errs, errors.New("server: join limits must not be negative"))
	}
	if c.Server.JoinsPerMinute > 0 && c.Server.JoinBurst < 1 {
		errs = append(errs, errors.New("server.join_burst must be at least 1 when joins are limited"))
	}
	return errors.Join(errs...)
}
