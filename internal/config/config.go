package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"geoledger/internal/retention"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Retention RetentionConfig `mapstructure:"retention"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	NodeID          string `mapstructure:"node_id"`
	HTTPAddress     string `mapstructure:"http_address"`
	SocketAddress   string `mapstructure:"socket_address"`
	SocketAuthToken string `mapstructure:"socket_auth_token"`
	MaxFrameBytes   int    `mapstructure:"max_frame_bytes"`
	MaxInflight     int    `mapstructure:"max_inflight"`
}

type StorageConfig struct {
	Driver    string `mapstructure:"driver"`
	SQLiteDir string `mapstructure:"sqlite_dir"`
}

type CacheConfig struct {
	SnapshotEntries int `mapstructure:"snapshot_entries"`
}

type RetentionConfig struct {
	DefaultVersionsToKeep int64         `mapstructure:"default_versions_to_keep"`
	ProtectedRefs         string        `mapstructure:"protected_refs"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
}

type IngestConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topics        []string `mapstructure:"topics"`
	GroupID       string   `mapstructure:"group_id"`
	ClientID      string   `mapstructure:"client_id"`
	Workers       int      `mapstructure:"workers"`
	QueueCapacity int      `mapstructure:"queue_capacity"`
	SASLMechanism string   `mapstructure:"sasl_mechanism"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	TLS           bool     `mapstructure:"tls"`
}

type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Endpoints     []string `mapstructure:"endpoints"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	Workers       int      `mapstructure:"workers"`
	DeliveryQueue int      `mapstructure:"delivery_queue"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	TLS           bool     `mapstructure:"tls"`
	CAFile        string   `mapstructure:"ca_file"`
}

type NotifyConfig struct {
	Enabled       bool                 `mapstructure:"enabled"`
	Interval      time.Duration        `mapstructure:"interval"`
	Brokers       []string             `mapstructure:"brokers"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions"`
}

// SubscriptionConfig.Brokers falls back to notify.brokers when empty.
type SubscriptionConfig struct {
	ID      string   `mapstructure:"id"`
	Space   string   `mapstructure:"space"`
	Topic   string   `mapstructure:"topic"`
	Brokers []string `mapstructure:"brokers"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads path when it is non-empty; GEOLEDGER_ environment variables override either.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("geoledger")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.node_id", "geoledger-0")
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.socket_address", "")
	v.SetDefault("server.max_frame_bytes", 8<<20)
	v.SetDefault("server.max_inflight", 256)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_dir", "data")
	v.SetDefault("cache.snapshot_entries", 256)
	v.SetDefault("retention.default_versions_to_keep", 10)
	v.SetDefault("retention.protected_refs", "permissive")
	v.SetDefault("retention.sweep_interval", "10m")
	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.group_id", "geoledger")
	v.SetDefault("ingest.rabbitmq.enabled", false)
	v.SetDefault("ingest.rabbitmq.prefetch_count", 16)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 64)
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.interval", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLiteDir == "" {
			return fmt.Errorf("storage.sqlite_dir is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver must be sqlite or memory, got %q", c.Storage.Driver)
	}
	if c.Retention.DefaultVersionsToKeep <= 0 {
		return fmt.Errorf("retention.default_versions_to_keep must be > 0")
	}
	if _, err := retention.ParsePolicy(c.Retention.ProtectedRefs); err != nil {
		return fmt.Errorf("retention.protected_refs: %w", err)
	}
	if c.Ingest.Kafka.Enabled {
		if len(c.Ingest.Kafka.Brokers) == 0 || len(c.Ingest.Kafka.Topics) == 0 {
			return fmt.Errorf("ingest.kafka requires brokers and topics")
		}
	}
	if c.Ingest.RabbitMQ.Enabled && c.Ingest.RabbitMQ.Queue == "" {
		return fmt.Errorf("ingest.rabbitmq.queue is required")
	}
	if c.Notify.Enabled {
		for i, s := range c.Notify.Subscriptions {
			if s.ID == "" || s.Space == "" || s.Topic == "" {
				return fmt.Errorf("notify.subscriptions[%d] requires id, space and topic", i)
			}
			if len(s.Brokers) == 0 && len(c.Notify.Brokers) == 0 {
				return fmt.Errorf("notify.subscriptions[%d] has no brokers", i)
			}
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Logger builds the process logger from the log section.
func (c LogConfig) Logger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Level); err == nil {
		log.SetLevel(lvl)
	}
	if c.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
