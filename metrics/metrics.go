package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/logger"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realm_connections_active",
		Help: "The current number of registered WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_connections_total",
		Help: "The total number of WebSocket connections admitted.",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_messages_received_total",
		Help: "The total number of messages received from clients.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_messages_sent_total",
		Help: "The total number of events sent to clients.",
	})
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_send_failures_total",
		Help: "The total number of events that could not be delivered to a connection.",
	})

	// Auth metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_auth_success_total",
		Help: "The total number of successful handshake authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realm_auth_failures_total",
		Help: "The total number of failed handshake authentications.",
	}, []string{"reason"})

	// Session lifecycle metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realm_sessions_live",
		Help: "The current number of sessions that are active or in their grace period.",
	})
	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realm_sessions_created_total",
		Help: "The total number of sessions created.",
	}, []string{"recovered"})
	SessionsReconnected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_sessions_reconnected_total",
		Help: "The total number of successful session reconnects.",
	})
	SessionsSuspended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_sessions_suspended_total",
		Help: "The total number of sessions that entered their grace period.",
	})
	SessionsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realm_sessions_terminated_total",
		Help: "The total number of sessions terminated, by reason.",
	}, []string{"reason"})
	ActionsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_actions_replayed_total",
		Help: "The total number of queued actions replayed on reconnect.",
	})
	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_heartbeats_sent_total",
		Help: "The total number of heartbeat events pushed to sessions.",
	})
	WorldSyncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_world_sync_failures_total",
		Help: "The total number of failed world-state synchronizations.",
	})

	// Recovery store metrics
	RecoveryPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_recovery_records_persisted_total",
		Help: "The total number of recovery records written.",
	})
	RecoveryLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_recovery_records_loaded_total",
		Help: "The total number of sessions seeded from a recovery record.",
	})
	RecoveryPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realm_recovery_records_pruned_total",
		Help: "The total number of recovery records discarded by the retention sweep.",
	})

	// Broker metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of lifecycle events published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})
	BrokerEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_events_dropped_total",
		Help: "Lifecycle events dropped because the publish buffer was full or publishing failed.",
	})
	BrokerActionsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_actions_consumed_total",
		Help: "Actions received from the broker and handed to the session manager.",
	})
)

// StartServer starts the HTTP server for Prometheus metrics and returns it so
// the caller can shut it down.
func StartServer(port int, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	logger.L.Info("starting metrics server", zap.String("addr", srv.Addr), zap.String("path", path))

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
