package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/moa-app/moa-server/pkg/zlog"
)

// Config chat-server 全量配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Registry RegistryConfig `mapstructure:"registry"`
	Log      zlog.Config    `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPPort int `mapstructure:"http_port"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
}

// DeliveryConfig 投递管线参数
// 源头各业务的宽限期/TTL 并不统一，这里全部做成显式可调项
type DeliveryConfig struct {
	AckGrace        time.Duration `mapstructure:"ack_grace"`
	OfflinePageSize int           `mapstructure:"offline_page_size"`
}

type CacheConfig struct {
	EntityTTL    time.Duration `mapstructure:"entity_ttl"`
	TombstoneTTL time.Duration `mapstructure:"tombstone_ttl"`
	FeedTTL      time.Duration `mapstructure:"feed_ttl"`
	FeedMaxLen   int           `mapstructure:"feed_max_len"`
	RebuildLock  time.Duration `mapstructure:"rebuild_lock"`
	RebuildBatch int           `mapstructure:"rebuild_batch"`
}

type RegistryConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

// Load 按 APP_ENV 加载 configs/config.<env>.yaml
func Load() (*Config, error) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")
	v.AutomaticEnv()
	v.SetEnvPrefix("MOA")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("config error: redis.addr is required")
	}
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("config error: mysql.dsn is required")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", false)

	v.SetDefault("delivery.ack_grace", "5s")
	v.SetDefault("delivery.offline_page_size", 50)

	v.SetDefault("cache.entity_ttl", "30m")
	v.SetDefault("cache.tombstone_ttl", "60s")
	v.SetDefault("cache.feed_ttl", "168h")
	v.SetDefault("cache.feed_max_len", 1000)
	v.SetDefault("cache.rebuild_lock", "10s")
	v.SetDefault("cache.rebuild_batch", 500)

	v.SetDefault("registry.heartbeat_timeout", "90s")
	v.SetDefault("registry.sweep_interval", "30s")

	v.SetDefault("log.service", "chat-server")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.enable_metric", true)
}
