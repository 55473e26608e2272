// Package config loads service settings from defaults, an optional
// config.yaml and VFM_ environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"vehicle-flow-monitor/internal/aggregate"
	"vehicle-flow-monitor/internal/export"
	"vehicle-flow-monitor/internal/feed"
	"vehicle-flow-monitor/internal/liveness"
)

// EnvPrefix is prepended to every environment override, e.g. VFM_SERVER_PORT
const EnvPrefix = "VFM"

// Source names accepted in feed.sources
const (
	SourceSQLite = "sqlite"
	SourceNATS   = "nats"
	SourceMQTT   = "mqtt"
	SourceKafka  = "kafka"
	SourceRedis  = "redis"
	SourceFile   = "file"
)

var knownSources = map[string]bool{
	SourceSQLite: true,
	SourceNATS:   true,
	SourceMQTT:   true,
	SourceKafka:  true,
	SourceRedis:  true,
	SourceFile:   true,
}

// Config is the full service configuration
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	DB        DBConfig          `mapstructure:"db"`
	Log       LogConfig         `mapstructure:"log"`
	Liveness  LivenessConfig    `mapstructure:"liveness"`
	Aggregate AggregateConfig   `mapstructure:"aggregate"`
	Feed      FeedConfig        `mapstructure:"feed"`
	NATS      feed.KVOptions    `mapstructure:"nats"`
	MQTT      feed.MQTTOptions  `mapstructure:"mqtt"`
	Kafka     feed.KafkaOptions `mapstructure:"kafka"`
	Redis     feed.RedisOptions `mapstructure:"redis"`
	Influx    InfluxConfig      `mapstructure:"influx"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type LivenessConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type AggregateConfig struct {
	AlarmThreshold float64       `mapstructure:"alarm_threshold"`
	MaxSpeed       float64       `mapstructure:"max_speed"`
	Bins           int           `mapstructure:"bins"`
	SessionGap     time.Duration `mapstructure:"session_gap"`
}

type FeedConfig struct {
	Sources      []string      `mapstructure:"sources"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Files        []string      `mapstructure:"files"`
	Format       string        `mapstructure:"format"`
}

// InfluxConfig switches the optional time-series exporter on
type InfluxConfig struct {
	export.InfluxOptions `mapstructure:",squash"`
	Enabled              bool `mapstructure:"enabled"`
}

// SetDefaults registers every key so that env overrides apply even when no
// config file mentions it
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.path", "vehicle_flow.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("liveness.timeout", liveness.DefaultTimeout)

	v.SetDefault("aggregate.alarm_threshold", aggregate.DefaultAlarmThreshold)
	v.SetDefault("aggregate.max_speed", aggregate.DefaultMaxSpeed)
	v.SetDefault("aggregate.bins", aggregate.DefaultBins)
	v.SetDefault("aggregate.session_gap", time.Duration(0))

	v.SetDefault("feed.sources", []string{SourceSQLite})
	v.SetDefault("feed.poll_interval", feed.DefaultPollInterval)
	v.SetDefault("feed.files", []string{})
	v.SetDefault("feed.format", "")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.bucket", "vehicle-flow")

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "vehicle-flow-monitor")
	v.SetDefault("mqtt.topic", "vehicle-flow/data")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "vehicle-flow.data")
	v.SetDefault("kafka.group_id", "vehicle-flow-monitor")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "vehicle-flow:data")
	v.SetDefault("redis.channel", "")
	v.SetDefault("redis.timeout", 5*time.Second)

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "vehicle_flow")
}

// Load reads configuration into a Config. An empty configFile searches for
// config.yaml in the usual places and tolerates its absence; an explicit
// path must exist.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/vehicle-flow-monitor")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Liveness.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("liveness.timeout must be positive, got %s", c.Liveness.Timeout))
	}
	if c.Aggregate.Bins <= 0 {
		errs = append(errs, fmt.Errorf("aggregate.bins must be positive, got %d", c.Aggregate.Bins))
	}
	if c.Aggregate.MaxSpeed <= 0 {
		errs = append(errs, fmt.Errorf("aggregate.max_speed must be positive, got %g", c.Aggregate.MaxSpeed))
	}
	if c.Aggregate.SessionGap < 0 {
		errs = append(errs, fmt.Errorf("aggregate.session_gap must not be negative, got %s", c.Aggregate.SessionGap))
	}
	for _, s := range c.Feed.Sources {
		if !knownSources[s] {
			errs = append(errs, fmt.Errorf("feed.sources: unknown source %q", s))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// AggregateOptions converts the aggregate section
func (c *Config) AggregateOptions() aggregate.Options {
	return aggregate.Options{
		AlarmThreshold: c.Aggregate.AlarmThreshold,
		MaxSpeed:       c.Aggregate.MaxSpeed,
		Bins:           c.Aggregate.Bins,
		SessionGap:     c.Aggregate.SessionGap,
	}
}

// LogLevel maps log.level to a slog level; unknown names mean info
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// HasSource reports whether name is listed in feed.sources
func (c *Config) HasSource(name string) bool {
	for _, s := range c.Feed.Sources {
		if s == name {
			return true
		}
	}
	return false
}
