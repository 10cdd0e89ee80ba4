package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)
	v.SetDefault("server.shutdownTimeout", 20)

	// Auth
	v.SetDefault("auth.enabled", false) // Default to off for local development
	v.SetDefault("auth.jwtSecret", "default-secret")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.tokenQueryParam", "token")
	v.SetDefault("auth.revocationListKey", "jwt:revoked")
	v.SetDefault("auth.adminScope", "admin")

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 100)
	v.SetDefault("redis.poolTimeout", 5)

	// Broker
	v.SetDefault("broker.type", "none")
	v.SetDefault("broker.topic", "session-events")
	v.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.nats.url", "nats://localhost:4222")

	// WebSocket
	v.SetDefault("websocket.maxConnections", 10000)
	v.SetDefault("websocket.messageSizeLimit", 4096)
	v.SetDefault("websocket.handshakeTimeout", 10)
	v.SetDefault("websocket.pingInterval", 25)
	v.SetDefault("websocket.pongTimeout", 60)
	v.SetDefault("websocket.writeTimeout", 10)

	// Session lifecycle
	v.SetDefault("session.gracePeriod", 30)
	v.SetDefault("session.maxReconnectAttempts", 5)
	v.SetDefault("session.idleTimeout", 300)
	v.SetDefault("session.cleanupInterval", 60)
	v.SetDefault("session.heartbeatInterval", 30)
	v.SetDefault("session.recoveryRetention", 3600)
	v.SetDefault("session.retentionSweepInterval", 300)
	v.SetDefault("session.syncTimeout", 5)
	v.SetDefault("session.defaultZone", "starter_island")

	// Recovery store
	v.SetDefault("recovery.backend", "memory")
	v.SetDefault("recovery.keyPrefix", "recovery")

	// Zones
	v.SetDefault("zones.maxPlayersPerZone", 200)

	// World sync
	v.SetDefault("worldSync.enabled", false)
	v.SetDefault("worldSync.baseURL", "http://localhost:8081")
	v.SetDefault("worldSync.timeout", 5)
	v.SetDefault("worldSync.maxRetries", 2)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}
