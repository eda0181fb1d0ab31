// Package providerhealth implements the provider-health tracker (spec
// §4.5's "Provider-health broadcast" collaborator): it watches agent-error
// events across every session, and when a tool type's recent error rate
// crosses a configured threshold it broadcasts
// provider:failover-suggest so the UI can prompt the user. The process
// supervisor only ever relays this event; the tracker owns the policy.
package providerhealth

import (
	"context"
	"time"

	"github.com/maestro/maestro/internal/common/logger"
	bus "github.com/maestro/maestro/internal/eventbus"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/process"
	"github.com/maestro/maestro/internal/store"
	"go.uber.org/zap"
)

const (
	defaultWindow    = 5 * time.Minute
	defaultThreshold = 3
)

// Tracker subscribes to agent-error events and raises a failover
// suggestion once a tool type's error count within Window reaches
// Threshold.
type Tracker struct {
	supervisor *process.Supervisor
	store      *store.Store
	bus        bus.EventBus
	logger     *logger.Logger

	Window    time.Duration
	Threshold int

	sub bus.Subscription
}

// New constructs a Tracker. Window and Threshold default to 5 minutes and
// 3 errors; override them on the returned Tracker before calling Start if
// a deployment needs a different policy.
func New(supervisor *process.Supervisor, st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Tracker {
	return &Tracker{
		supervisor: supervisor,
		store:      st,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "provider-health-tracker")),
		Window:     defaultWindow,
		Threshold:  defaultThreshold,
	}
}

// Start subscribes to every session's agent-error events.
func (t *Tracker) Start() error {
	if t.bus == nil {
		return nil
	}
	sub, err := t.bus.Subscribe("process.*."+events.ProcessAgentError, t.handleAgentError)
	if err != nil {
		return err
	}
	t.sub = sub
	return nil
}

// Stop releases the tracker's subscription.
func (t *Tracker) Stop() {
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
}

func (t *Tracker) handleAgentError(ctx context.Context, ev *bus.Event) error {
	sessionID, _ := ev.Data["session_id"].(string)
	if sessionID == "" {
		return nil
	}
	toolType := t.toolTypeForSession(sessionID)
	if toolType == "" {
		return nil
	}
	message := ""
	if trigger, ok := ev.Data["trigger"].(string); ok {
		message = trigger
	}

	if err := t.store.RecordProviderError(ctx, toolType, sessionID, message); err != nil {
		t.logger.Warn("failed to record provider error", zap.String("tool_type", toolType), zap.Error(err))
		return nil
	}

	count, err := t.store.ErrorCountSince(ctx, toolType, time.Now().Add(-t.Window))
	if err != nil {
		t.logger.Warn("failed to count provider errors", zap.String("tool_type", toolType), zap.Error(err))
		return nil
	}
	if count < t.Threshold {
		return nil
	}

	t.logger.Warn("provider error rate crossed threshold, suggesting failover",
		zap.String("tool_type", toolType), zap.Int("count", count), zap.Int("threshold", t.Threshold))
	return t.bus.Publish(ctx, events.ProviderFailoverSuggest, bus.NewEvent(
		events.ProviderFailoverSuggest, "provider-health-tracker", map[string]any{
			"tool_type": toolType,
			"count":     count,
			"window_ms": t.Window.Milliseconds(),
		},
	))
}

func (t *Tracker) toolTypeForSession(sessionID string) string {
	for _, p := range t.supervisor.List() {
		if p.SessionID == sessionID {
			return string(p.ToolType)
		}
	}
	return ""
}

// Status returns the current error counts per tool type within Window, for
// the providers:get-all-error-stats IPC action.
func (t *Tracker) Status(ctx context.Context) (map[string]int, error) {
	return t.store.AllErrorCountsSince(ctx, time.Now().Add(-t.Window))
}

// StatusFor returns the current error count for one tool type.
func (t *Tracker) StatusFor(ctx context.Context, toolType string) (int, error) {
	return t.store.ErrorCountSince(ctx, toolType, time.Now().Add(-t.Window))
}

// ClearSessionErrors forgets every recorded error for a session, per spec
// §6's providers:clear-session-errors.
func (t *Tracker) ClearSessionErrors(ctx context.Context, sessionID string) error {
	return t.store.ClearSessionErrors(ctx, sessionID)
}
