package websocket

import (
	"context"

	"github.com/maestro/maestro/internal/common/logger"
	bus "github.com/maestro/maestro/internal/eventbus"
	"github.com/maestro/maestro/internal/events"
	ws "github.com/maestro/maestro/pkg/websocket"
	"go.uber.org/zap"
)

// processNotificationActions maps each per-session process event kind (spec
// §4.4's publish vocabulary) to the WS action a subscribed client receives
// it under.
var processNotificationActions = map[string]string{
	events.ProcessSessionID:     ws.ActionSessionSubscribe, // echoed once on first event, same envelope shape
	events.ProcessData:          ws.ActionProcessData,
	events.ProcessUsage:         ws.ActionProcessUsage,
	events.ProcessSlashCommands: ws.ActionProcessData,
	events.ProcessResult:        ws.ActionProcessResult,
	events.ProcessToolExecution: ws.ActionProcessToolExecution,
	events.ProcessThinkingChunk: ws.ActionProcessThinkingChunk,
	events.ProcessAgentError:    ws.ActionProcessAgentError,
	events.ProcessStderr:        ws.ActionProcessStderr,
	events.ProcessExit:          ws.ActionProcessExit,
}

// SessionStreamBroadcaster relays the supervisor's per-session event bus
// subjects (spec §4.4's publish side) onto subscribed WebSocket clients
// (spec §4.5's IPC pub/sub surface).
type SessionStreamBroadcaster struct {
	hub          *Hub
	subscription bus.Subscription
	logger       *logger.Logger
}

// RegisterSessionStreamNotifications subscribes to every process.<session>.<kind>
// subject on eventBus and fans each one out to clients subscribed to that
// session id via the Hub.
func RegisterSessionStreamNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *SessionStreamBroadcaster {
	b := &SessionStreamBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-session-stream-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	sub, err := eventBus.Subscribe("process.*.*", func(ctx context.Context, event *bus.Event) error {
		sessionID, _ := event.Data["session_id"].(string)
		if sessionID == "" {
			return nil
		}

		action, ok := processNotificationActions[event.Type]
		if !ok {
			return nil
		}

		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.String("action", action), zap.Error(err))
			return nil
		}
		b.hub.BroadcastToSession(sessionID, msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to process events", zap.Error(err))
	} else {
		b.subscription = sub
	}

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close tears down the underlying event bus subscription.
func (b *SessionStreamBroadcaster) Close() {
	if b.subscription != nil && b.subscription.IsValid() {
		_ = b.subscription.Unsubscribe()
	}
	b.subscription = nil
}

// ProviderHealthBroadcaster relays provider:failover-suggest events (spec
// §4.5's "Provider-health broadcast") to every connected client — unlike
// the per-session process stream, failover suggestions aren't scoped to
// one session.
type ProviderHealthBroadcaster struct {
	hub          *Hub
	subscription bus.Subscription
	logger       *logger.Logger
}

// RegisterProviderHealthNotifications subscribes to provider:failover-suggest
// and broadcasts it to every connected client via the Hub.
func RegisterProviderHealthNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *ProviderHealthBroadcaster {
	b := &ProviderHealthBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-provider-health-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	sub, err := eventBus.Subscribe(events.ProviderFailoverSuggest, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(ws.ActionProvidersFailoverSuggest, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.Error(err))
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to provider health events", zap.Error(err))
	} else {
		b.subscription = sub
	}

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close tears down the underlying event bus subscription.
func (b *ProviderHealthBroadcaster) Close() {
	if b.subscription != nil && b.subscription.IsValid() {
		_ = b.subscription.Unsubscribe()
	}
	b.subscription = nil
}
