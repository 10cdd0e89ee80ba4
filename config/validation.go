package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	// Validate broker configuration
	switch strings.ToLower(c.Broker.Type) {
	case "none":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
		if c.Broker.Topic == "" {
			return errors.New("broker topic must be configured")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Topic == "" {
			return errors.New("broker topic must be configured")
		}
	case "nats":
		if c.Broker.NATS.URL == "" {
			return errors.New("nats url must be specified for nats broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'none', 'redis', 'kafka' or 'nats'", c.Broker.Type)
	}

	switch strings.ToLower(c.Recovery.Backend) {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis recovery backend")
		}
	default:
		return fmt.Errorf("invalid recovery backend: %s. Must be 'memory' or 'redis'", c.Recovery.Backend)
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}

	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.PongTimeout {
		return errors.New("ping interval should be less than pong timeout")
	}

	s := c.Session
	if s.GracePeriod < 1 {
		return errors.New("session grace period must be at least 1 second")
	}
	if s.MaxReconnectAttempts < 1 {
		return errors.New("session maxReconnectAttempts must be positive")
	}
	if s.CleanupInterval < 1 || s.HeartbeatInterval < 1 || s.RetentionSweepInterval < 1 {
		return errors.New("session sweeper intervals must be at least 1 second")
	}
	if s.HeartbeatInterval >= s.IdleTimeout {
		return errors.New("heartbeat interval should be less than idle timeout")
	}
	if s.RecoveryRetention <= s.GracePeriod {
		return errors.New("recovery retention should be greater than grace period")
	}
	if s.DefaultZone == "" {
		return errors.New("session default zone must be set")
	}

	if c.Zones.MaxPlayersPerZone < 1 {
		return errors.New("zones maxPlayersPerZone must be positive")
	}

	if c.WorldSync.Enabled && c.WorldSync.BaseURL == "" {
		return errors.New("worldSync baseURL must be set when world sync is enabled")
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "REALMGW_PORT")

	// Auth
	v.BindEnv("auth.enabled", "REALMGW_AUTH_ENABLED")
	v.BindEnv("auth.jwtSecret", "REALMGW_AUTH_JWT_SECRET")
	v.BindEnv("auth.tokenQueryParam", "REALMGW_AUTH_TOKEN_PARAM")
	v.BindEnv("auth.revocationListKey", "REALMGW_AUTH_REVOCATION_KEY")

	// Redis
	v.BindEnv("redis.address", "REALMGW_REDIS_ADDRESS")
	v.BindEnv("redis.password", "REALMGW_REDIS_PASSWORD")

	// Broker
	v.BindEnv("broker.type", "REALMGW_BROKER_TYPE")
	v.BindEnv("broker.topic", "REALMGW_BROKER_TOPIC")
	v.BindEnv("broker.kafka.brokers", "REALMGW_KAFKA_BROKERS")
	v.BindEnv("broker.nats.url", "REALMGW_NATS_URL")

	// Session
	v.BindEnv("session.gracePeriod", "REALMGW_SESSION_GRACE_PERIOD")
	v.BindEnv("session.maxReconnectAttempts", "REALMGW_SESSION_MAX_RECONNECTS")
	v.BindEnv("session.recoveryRetention", "REALMGW_SESSION_RECOVERY_RETENTION")
	v.BindEnv("recovery.backend", "REALMGW_RECOVERY_BACKEND")

	// World sync
	v.BindEnv("worldSync.enabled", "REALMGW_WORLDSYNC_ENABLED")
	v.BindEnv("worldSync.baseURL", "REALMGW_WORLDSYNC_URL")

	// Logging
	v.BindEnv("log.level", "REALMGW_LOG_LEVEL")
}
