package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/maestro/maestro/internal/common/logger"
	bus "github.com/maestro/maestro/internal/eventbus"
	"github.com/maestro/maestro/internal/events"
	ws "github.com/maestro/maestro/pkg/websocket"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestSessionStreamBroadcaster_FanOutToSubscribedSession(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	b := RegisterSessionStreamNotifications(ctx, eventBus, hub, log)
	defer b.Close()

	client := &Client{
		ID:                   "c1",
		send:                 make(chan []byte, 8),
		sessionSubscriptions: make(map[string]bool),
		logger:               log,
	}
	hub.Register(client)
	hub.SubscribeToSession(client, "session-123")

	// Give the hub goroutine a moment to process registration.
	time.Sleep(10 * time.Millisecond)

	subject := events.BuildProcessSubject("session-123", events.ProcessUsage)
	ev := bus.NewEvent(events.ProcessUsage, "process-supervisor", map[string]interface{}{
		"session_id": "session-123",
		"event":      map[string]interface{}{"input": 10},
	})
	if err := eventBus.Publish(ctx, subject, ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case data := <-client.send:
		if len(data) == 0 {
			t.Fatal("expected non-empty notification payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-out notification")
	}
}

func TestSessionStreamBroadcaster_IgnoresOtherSessions(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	b := RegisterSessionStreamNotifications(ctx, eventBus, hub, log)
	defer b.Close()

	client := &Client{
		ID:                   "c2",
		send:                 make(chan []byte, 8),
		sessionSubscriptions: make(map[string]bool),
		logger:               log,
	}
	hub.Register(client)
	hub.SubscribeToSession(client, "session-A")
	time.Sleep(10 * time.Millisecond)

	subject := events.BuildProcessSubject("session-B", events.ProcessExit)
	ev := bus.NewEvent(events.ProcessExit, "process-supervisor", map[string]interface{}{
		"session_id": "session-B",
	})
	if err := eventBus.Publish(ctx, subject, ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case <-client.send:
		t.Fatal("client subscribed to session-A should not receive session-B's notification")
	case <-time.After(100 * time.Millisecond):
	}
}
