// Command backend is a development stand-in for the world-state service. It
// answers the gateway's sync calls, injects player actions through the Redis
// broker and logs the session events the gateway publishes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/broker"
	"github.com/mcraig150/Skybound-realms-sub002/logger"
	"github.com/mcraig150/Skybound-realms-sub002/recovery"
	"github.com/mcraig150/Skybound-realms-sub002/worldsync"
)

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

type world struct {
	broker  broker.MessageBroker
	topic   string
	version atomic.Int64
}

// sync bumps the world version on every call so clients can see a fresh
// serverVersion after each reconnect.
func (w *world) sync(rw http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("id")
	v := w.version.Add(1)
	logger.L.Info("world sync", zap.String("player_id", playerID), zap.Int64("version", v))

	writeJSON(rw, http.StatusOK, worldsync.Result{
		Success:       true,
		ServerVersion: fmt.Sprintf("dev-%d", v),
		Timestamp:     time.Now(),
	})
}

func (w *world) enqueueAction(rw http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("id")

	var body struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}

	action := recovery.Action{
		ID:         uuid.New().String(),
		Type:       body.Type,
		Payload:    body.Payload,
		EnqueuedAt: time.Now(),
	}
	data, err := json.Marshal(action)
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	msg := broker.Message{
		Key:       playerID,
		Kind:      broker.KindAction,
		ServerID:  "backend",
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := w.broker.Publish(r.Context(), w.topic+".actions", msg); err != nil {
		logger.L.Error("failed to publish action", zap.String("player_id", playerID), zap.Error(err))
		writeJSON(rw, http.StatusBadGateway, map[string]string{"error": "publish failed"})
		return
	}
	writeJSON(rw, http.StatusAccepted, action)
}

// tail logs every lifecycle event until ctx is done.
func (w *world) tail(ctx context.Context) error {
	events, err := w.broker.Subscribe(ctx, w.topic)
	if err != nil {
		return err
	}
	for msg := range events {
		logger.L.Info("session event",
			zap.String("kind", msg.Kind),
			zap.String("player_id", msg.Key),
			zap.String("server_id", msg.ServerID),
			zap.ByteString("data", msg.Data),
		)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	if err := logger.Init(getEnv("LOG_LEVEL", "info"), true); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	redisAddr := getEnv("REDIS_ADDRESS", "localhost:6379")
	listenAddr := getEnv("LISTEN_ADDR", ":8081")
	logger.L.Info("connecting to redis", zap.String("addr", redisAddr))

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := &world{
		broker: broker.NewRedisBroker(rdb),
		topic:  getEnv("BROKER_TOPIC", "session-events"),
	}
	defer w.broker.Close()

	go func() {
		if err := w.tail(ctx); err != nil {
			logger.L.Error("event tail stopped", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /players/{id}/sync", w.sync)
	mux.HandleFunc("POST /players/{id}/actions", w.enqueueAction)
	srv := &http.Server{Addr: listenAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.L.Info("dev world service started", zap.String("addr", listenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.L.Fatal("server failed", zap.Error(err))
	}
}
