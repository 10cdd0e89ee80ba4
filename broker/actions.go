package broker

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/logger"
	"github.com/mcraig150/Skybound-realms-sub002/metrics"
	"github.com/mcraig150/Skybound-realms-sub002/recovery"
)

// KindAction marks a message carrying a recovery.Action for a player.
const KindAction = "action"

// ActionSink accepts actions addressed to a player.
type ActionSink interface {
	EnqueueActionForPlayer(playerID string, a recovery.Action) error
}

// ConsumeActions subscribes to channel and hands every action message to sink
// until ctx is done. Actions for players without a session on this node are
// skipped; another gateway owns them.
func ConsumeActions(ctx context.Context, b MessageBroker, channel string, sink ActionSink) error {
	messages, err := b.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	logger.L.Info("consuming player actions", zap.String("broker", b.Type()), zap.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if msg.Kind != KindAction || msg.Key == "" {
				continue
			}

			var action recovery.Action
			if err := json.Unmarshal(msg.Data, &action); err != nil {
				logger.L.Warn("dropping malformed action", zap.String("player_id", msg.Key), zap.Error(err))
				continue
			}
			if err := sink.EnqueueActionForPlayer(msg.Key, action); err != nil {
				logger.L.Debug("action not enqueued",
					zap.String("player_id", msg.Key),
					zap.String("action_id", action.ID),
					zap.Error(err),
				)
				continue
			}
			metrics.BrokerActionsConsumed.Inc()
		}
	}
}
