package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcraig150/Skybound-realms-sub002/broadcast"
	"github.com/mcraig150/Skybound-realms-sub002/broker"
	"github.com/mcraig150/Skybound-realms-sub002/config"
	"github.com/mcraig150/Skybound-realms-sub002/logger"
	"github.com/mcraig150/Skybound-realms-sub002/metrics"
	"github.com/mcraig150/Skybound-realms-sub002/recovery"
	"github.com/mcraig150/Skybound-realms-sub002/server"
	"github.com/mcraig150/Skybound-realms-sub002/services"
	"github.com/mcraig150/Skybound-realms-sub002/session"
	"github.com/mcraig150/Skybound-realms-sub002/websocket"
	"github.com/mcraig150/Skybound-realms-sub002/worldsync"
)

const eventBuffer = 1024

func main() {
	if err := run(); err != nil {
		logger.L.Error("gateway exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	cfg := config.Get()

	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		return err
	}
	defer logger.Sync()

	// Unique per process; tags published events and names the Kafka group.
	serverID := uuid.New().String()
	logger.L.Info("starting realm gateway", zap.String("server_id", serverID), zap.String("env", env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if needsRedis(cfg) {
		client, err := services.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		redisClient = client
		defer services.CloseRedisClient(redisClient)
	}

	store := newRecoveryStore(cfg, redisClient)

	messageBroker, err := newBroker(cfg, redisClient, serverID)
	if err != nil {
		return err
	}
	defer messageBroker.Close()

	var world worldsync.Client = worldsync.Noop{}
	if cfg.WorldSync.Enabled {
		world = worldsync.NewHTTPClient(cfg.WorldSync.BaseURL, time.Duration(cfg.WorldSync.Timeout)*time.Second, cfg.WorldSync.MaxRetries)
	}

	router := broadcast.NewRouter()
	sessions := session.NewManager(session.Config{
		GracePeriod:            cfg.Session.GracePeriodDuration(),
		MaxReconnectAttempts:   cfg.Session.MaxReconnectAttempts,
		IdleTimeout:            cfg.Session.IdleTimeoutDuration(),
		CleanupInterval:        cfg.Session.CleanupIntervalDuration(),
		HeartbeatInterval:      cfg.Session.HeartbeatIntervalDuration(),
		RecoveryRetention:      cfg.Session.RecoveryRetentionDuration(),
		RetentionSweepInterval: cfg.Session.RetentionSweepIntervalDuration(),
		SyncTimeout:            cfg.Session.SyncTimeoutDuration(),
		DefaultZone:            cfg.Session.DefaultZone,
	}, store, router, world)

	publisher := broker.NewEventPublisher(messageBroker, cfg.Broker.Topic, serverID, eventBuffer)
	sessions.Subscribe(session.MetricsObserver{})
	sessions.Subscribe(publisher)
	sessions.Start()

	var (
		validator *websocket.JWTValidator
		directory websocket.PlayerDirectory
	)
	if cfg.Auth.Enabled {
		validator = websocket.NewJWTValidator(&cfg.Auth, redisClient)
		directory = websocket.NewRedisDirectory(redisClient, "player")
		logger.L.Info("JWT authentication enabled")
	} else {
		logger.L.Warn("JWT authentication disabled, players are admitted by id")
	}

	registry := websocket.NewConnectionRegistry(router)
	handler := websocket.NewHandler(
		registry,
		router,
		sessions,
		websocket.NewAdmitter(&cfg.Auth, validator, directory),
		websocket.OptionsFromConfig(cfg.WebSocket),
		cfg.Zones.MaxPlayersPerZone,
	)
	sessions.Subscribe(handler)

	srv := server.NewServer(":"+strconv.Itoa(cfg.Server.Port), cfg.Server, server.Deps{
		Gateway:        handler.HandleWebSocket,
		Router:         router,
		Sessions:       sessions,
		Zones:          handler,
		Validator:      validator,
		Auth:           cfg.Auth,
		MaxConnections: cfg.WebSocket.MaxConnections,
	})

	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		return broker.ConsumeActions(gctx, messageBroker, cfg.Broker.Topic+".actions", sessions)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.L.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		return shutdown(shutdownCtx, srv, registry, sessions, publisher, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L.Info("realm gateway stopped")
	return nil
}

// shutdown stops intake first, then drains sockets, then persists sessions
// and flushes events. Each step runs even if an earlier one failed.
func shutdown(
	ctx context.Context,
	srv *server.Server,
	registry *websocket.ConnectionRegistry,
	sessions *session.Manager,
	publisher *broker.EventPublisher,
	metricsSrv interface{ Shutdown(context.Context) error },
) error {
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}

	registry.CloseAllConnections("server shutting down")
	if err := registry.WaitForCompletion(ctx); err != nil {
		errs = append(errs, fmt.Errorf("connection drain: %w", err))
	}

	if err := sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session manager: %w", err))
	}
	if err := publisher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("event publisher: %w", err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}

func needsRedis(cfg *config.AppConfig) bool {
	return cfg.Auth.Enabled ||
		strings.EqualFold(cfg.Recovery.Backend, "redis") ||
		strings.EqualFold(cfg.Broker.Type, "redis")
}

func newRecoveryStore(cfg *config.AppConfig, client *redis.Client) recovery.Store {
	if strings.EqualFold(cfg.Recovery.Backend, "redis") {
		logger.L.Info("using redis recovery store", zap.String("prefix", cfg.Recovery.KeyPrefix))
		return recovery.NewRedisStore(client, cfg.Recovery.KeyPrefix, cfg.Session.RecoveryRetentionDuration())
	}
	logger.L.Info("using in-memory recovery store")
	return recovery.NewMemoryStore()
}

func newBroker(cfg *config.AppConfig, client *redis.Client, serverID string) (broker.MessageBroker, error) {
	logger.L.Info("initializing message broker", zap.String("type", cfg.Broker.Type))
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		return broker.NewRedisBroker(client), nil
	case "kafka":
		// One group per instance: every gateway sees every action and keeps
		// the ones for its own players.
		b, err := broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, "realm-gateway-"+serverID)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka broker: %w", err)
		}
		return b, nil
	case "nats":
		b, err := broker.NewNATSBroker(cfg.Broker.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create nats broker: %w", err)
		}
		return b, nil
	case "", "none":
		return broker.Noop{}, nil
	default:
		return nil, fmt.Errorf("invalid broker type: %s", cfg.Broker.Type)
	}
}
