package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	WebSocket WebSocketConfig
	Session   SessionConfig
	Recovery  RecoveryConfig
	Zones     ZonesConfig
	WorldSync WorldSyncConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port            int
	ReadTimeout     int // Seconds
	WriteTimeout    int // Seconds
	ShutdownTimeout int // Seconds
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	Issuer            string
	TokenQueryParam   string
	RevocationListKey string
	AdminScope        string
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type BrokerConfig struct {
	Type  string // none, redis, kafka or nats
	Topic string
	Kafka KafkaConfig
	NATS  NATSConfig
}

type KafkaConfig struct {
	Brokers []string
}

type NATSConfig struct {
	URL string
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int // Seconds
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	WriteTimeout     int // Seconds
}

type SessionConfig struct {
	GracePeriod            int // Seconds
	MaxReconnectAttempts   int
	IdleTimeout            int // Seconds
	CleanupInterval        int // Seconds
	HeartbeatInterval      int // Seconds
	RecoveryRetention      int // Seconds
	RetentionSweepInterval int // Seconds
	SyncTimeout            int // Seconds
	DefaultZone            string
}

type RecoveryConfig struct {
	Backend   string // memory or redis
	KeyPrefix string
}

type ZonesConfig struct {
	MaxPlayersPerZone int
}

type WorldSyncConfig struct {
	Enabled    bool
	BaseURL    string
	Timeout    int // Seconds
	MaxRetries int
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type LogConfig struct {
	Level       string
	Development bool
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		v := viper.New()
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")

		v.AutomaticEnv()
		v.SetEnvPrefix("REALMGW")

		setDefaults(v)
		bindEnvVars(v)

		cfg, err := load(v)
		if err != nil {
			initErr = err
			return
		}
		instance = cfg
	})
	return initErr
}

// load reads the optional config file and unmarshals and validates the result.
// A missing file is not an error: defaults and env vars are enough to run.
func load(v *viper.Viper) (*AppConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func Get() *AppConfig {
	return instance
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c SessionConfig) GracePeriodDuration() time.Duration     { return seconds(c.GracePeriod) }
func (c SessionConfig) IdleTimeoutDuration() time.Duration     { return seconds(c.IdleTimeout) }
func (c SessionConfig) CleanupIntervalDuration() time.Duration { return seconds(c.CleanupInterval) }
func (c SessionConfig) HeartbeatIntervalDuration() time.Duration {
	return seconds(c.HeartbeatInterval)
}
func (c SessionConfig) RecoveryRetentionDuration() time.Duration {
	return seconds(c.RecoveryRetention)
}
func (c SessionConfig) RetentionSweepIntervalDuration() time.Duration {
	return seconds(c.RetentionSweepInterval)
}
func (c SessionConfig) SyncTimeoutDuration() time.Duration { return seconds(c.SyncTimeout) }
