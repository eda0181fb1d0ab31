package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maestro/maestro/internal/common/logger"
	bus "github.com/maestro/maestro/internal/eventbus"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/parser"
	"github.com/maestro/maestro/pkg/agentproto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervisor errors, matching the spawn/kill failure modes of spec §4.4.
var (
	ErrSessionAlreadyExists = fmt.Errorf("already-exists")
	ErrSpawnFailed          = fmt.Errorf("spawn-failed")
	ErrCapacityExceeded     = fmt.Errorf("capacity-exceeded")
)

// killGracePeriod is how long kill() waits after the initial signal before
// escalating to SIGKILL (spec §4.4's "After a grace period... send SIGKILL").
const killGracePeriod = 5 * time.Second

// ProcessSummary is the snapshot shape returned by Supervisor.List, matching
// spec §4.4's `{sessionId, toolType, pid, startTime, name?}`.
type ProcessSummary struct {
	SessionID string              `json:"session_id"`
	ToolType  agentproto.Protocol `json:"tool_type"`
	Pid       int                 `json:"pid"`
	StartTime time.Time           `json:"start_time"`
	Name      string              `json:"name,omitempty"`
}

// sessionBackend is which concrete runner owns a session's subprocess:
// a *Manager for stream-json/batch agents, or the shared *InteractiveRunner
// (keyed by processID) for pty/raw passthrough sessions (spec §4.4's
// `spec.pty`/`mode == raw`).
type sessionBackend struct {
	sessionID string
	toolType  agentproto.Protocol
	name      string
	startedAt time.Time
	workDir   string

	manager   *Manager // nil for interactive sessions
	processID string   // set only for interactive sessions
}

// Supervisor is the multi-session Process Manager (L4): it owns one
// Manager or interactive process per session id and exposes the
// spawn/write/kill/list/subscribe surface spec'd in spec.md §4.4. Manager
// itself only knows about a single subprocess; Supervisor is the registry
// and dispatcher layered on top of it and of InteractiveRunner.
type Supervisor struct {
	logger *logger.Logger
	bus    bus.EventBus
	runner *InteractiveRunner

	maxConcurrent int

	usage *UsageNormalizer

	mu       sync.RWMutex
	sessions map[string]*sessionBackend
}

// NewSupervisor creates a Supervisor. maxConcurrent bounds the number of
// simultaneously live sessions (spec §5's "Capacity" — default is the OS
// file-descriptor budget divided by 4; callers pass that computed value).
func NewSupervisor(log *logger.Logger, eventBus bus.EventBus, maxConcurrent int) *Supervisor {
	l := log.WithFields(zap.String("component", "process-supervisor"))
	runner := NewInteractiveRunner(log, defaultProcessBufferMaxBytes)
	s := &Supervisor{
		logger:        l,
		bus:           eventBus,
		runner:        runner,
		maxConcurrent: maxConcurrent,
		usage:         NewUsageNormalizer(),
		sessions:      make(map[string]*sessionBackend),
	}
	runner.SetOutputCallback(s.onInteractiveOutput)
	runner.SetStatusCallback(s.onInteractiveStatus)
	return s
}

// Spawn starts a new session (spec §4.4's `spawn(sessionId, spec)`).
// cfg.SessionID is overwritten with sessionID. Fails with
// ErrSessionAlreadyExists for a duplicate id, ErrCapacityExceeded when the
// configured concurrency limit is reached (and publishes an agent-error,
// per spec §5's capacity note), and ErrSpawnFailed (wrapped) on a syscall
// or process-start error.
func (s *Supervisor) Spawn(ctx context.Context, sessionID string, cfg *SpawnConfig) error {
	s.mu.Lock()
	if _, exists := s.sessions[sessionID]; exists {
		s.mu.Unlock()
		return ErrSessionAlreadyExists
	}
	if s.maxConcurrent > 0 && len(s.sessions) >= s.maxConcurrent {
		s.mu.Unlock()
		s.publish(sessionID, events.ProcessAgentError, map[string]any{
			"trigger": "capacity exceeded",
			"stream":  "supervisor",
		})
		return ErrCapacityExceeded
	}
	s.mu.Unlock()

	cfg.SessionID = sessionID

	if cfg.Pty || cfg.IsTerminal {
		return s.spawnInteractive(ctx, sessionID, cfg)
	}
	return s.spawnManaged(ctx, sessionID, cfg)
}

func (s *Supervisor) spawnManaged(ctx context.Context, sessionID string, cfg *SpawnConfig) error {
	mgr := NewManager(cfg, s.logger)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	backend := &sessionBackend{
		sessionID: sessionID,
		toolType:  cfg.ToolType,
		name:      cfg.Name,
		startedAt: mgr.StartedAt(),
		workDir:   cfg.WorkDir,
		manager:   mgr,
	}

	s.mu.Lock()
	s.sessions[sessionID] = backend
	s.mu.Unlock()

	s.publish(sessionID, events.ProcessSessionID, map[string]any{"session_id": mgr.GetSessionID()})

	// One dispatcher goroutine per session preserves the per-session event
	// ordering spec §5 requires, while different sessions run independently.
	var g errgroup.Group
	g.Go(func() error {
		s.dispatchManagedSession(sessionID, mgr)
		return nil
	})

	return nil
}

func (s *Supervisor) spawnInteractive(ctx context.Context, sessionID string, cfg *SpawnConfig) error {
	req := InteractiveStartRequest{
		SessionID:   sessionID,
		Command:     cfg.AgentArgs,
		WorkingDir:  cfg.WorkDir,
		Env:         envSliceToMap(cfg.AgentEnv),
		IsUserShell: false,
	}
	info, err := s.runner.Start(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	backend := &sessionBackend{
		sessionID: sessionID,
		toolType:  cfg.ToolType,
		name:      cfg.Name,
		startedAt: info.StartedAt,
		workDir:   cfg.WorkDir,
		processID: info.ID,
	}

	s.mu.Lock()
	s.sessions[sessionID] = backend
	s.mu.Unlock()

	return nil
}

// Write appends data to a session's child stdin (spec §4.4's
// `write(sessionId, data)`). Returns false if the session is unknown or
// stdin is closed — it never buffers on the caller's behalf.
func (s *Supervisor) Write(sessionID string, data []byte) bool {
	backend, ok := s.lookup(sessionID)
	if !ok {
		return false
	}
	if backend.manager != nil {
		_, err := backend.manager.WriteStdin(data)
		return err == nil
	}
	return s.runner.WriteStdin(backend.processID, string(data)) == nil
}

// Kill sends a termination signal and, after killGracePeriod without exit,
// escalates to SIGKILL (spec §4.4's `kill(sessionId, signal?)`). Idempotent:
// killing an already-exited or unknown session returns false without error.
func (s *Supervisor) Kill(sessionID string) bool {
	backend, ok := s.lookup(sessionID)
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), killGracePeriod)
	defer cancel()

	if backend.manager != nil {
		_ = backend.manager.Stop(ctx)
	} else {
		_ = s.runner.Stop(ctx, backend.processID)
	}
	return true
}

// List returns a snapshot of all live sessions (spec §4.4's `list()`).
func (s *Supervisor) List() []ProcessSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ProcessSummary, 0, len(s.sessions))
	for _, b := range s.sessions {
		pid := 0
		if b.manager != nil {
			pid = b.manager.Pid()
		} else {
			pid = s.runner.Pid(b.processID)
		}
		out = append(out, ProcessSummary{
			SessionID: b.sessionID,
			ToolType:  b.toolType,
			Pid:       pid,
			StartTime: b.startedAt,
			Name:      b.name,
		})
	}
	return out
}

// Subscribe attaches a handler for a process event kind across every
// session (spec §4.4's `subscribe(kind, handler)`), returning an
// unsubscribe closure. kind is one of the events.Process* constants, or
// "*" for every kind.
func (s *Supervisor) Subscribe(kind string, handler func(sessionID string, payload map[string]any)) (func(), error) {
	subject := "process.*." + kind
	if kind == "*" {
		subject = "process.*.*"
	}
	sub, err := s.bus.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
		sessionID, _ := ev.Data["session_id"].(string)
		handler(sessionID, ev.Data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Runner returns the shared interactive runner backing every pty/raw session,
// for IPC layers (the terminal WebSocket bridge) that need direct PTY access
// the spawn/write/kill/list surface above doesn't expose.
func (s *Supervisor) Runner() *InteractiveRunner {
	return s.runner
}

// WorkDir returns the working directory a session was spawned with, for IPC
// layers that need to start an auxiliary process (e.g. a user shell) rooted
// at the same directory. Returns "" if the session is unknown.
func (s *Supervisor) WorkDir(sessionID string) string {
	backend, ok := s.lookup(sessionID)
	if !ok {
		return ""
	}
	return backend.workDir
}

func (s *Supervisor) lookup(sessionID string) (*sessionBackend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.sessions[sessionID]
	return b, ok
}

func (s *Supervisor) remove(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	s.usage.Forget(sessionID)
}

// dispatchManagedSession is the per-session dispatcher goroutine: it
// translates parser.AgentEvent updates into the supervisor's process-event
// kinds (spec §4.4's stdout-handling dispatch, already performed inside the
// adapter's own line assembler/parser — this only re-labels the result for
// subscribers) until the subprocess exits, then runs the exit-time emission.
// mgr.GetUpdates() is never closed by Manager, so exit is detected via
// mgr.Done() racing the updates channel rather than by ranging to closure.
func (s *Supervisor) dispatchManagedSession(sessionID string, mgr *Manager) {
	toolType := string(mgr.cfg.ToolType)
	updates := mgr.GetUpdates()
	done := mgr.Done()
	for {
		select {
		case ev := <-updates:
			s.dispatchManagedEvent(sessionID, toolType, ev)
		case <-done:
			// Drain whatever is already buffered before the exit emission,
			// preserving per-session order (spec §5).
			for drained := true; drained; {
				select {
				case ev := <-updates:
					s.dispatchManagedEvent(sessionID, toolType, ev)
				default:
					drained = false
				}
			}
			s.onManagedExit(sessionID, mgr)
			return
		}
	}
}

// dispatchManagedEvent re-labels one L2 parser event into the supervisor's
// process-event vocabulary and publishes it, running usage events through
// the Usage Normalizer (L3) first so subscribers only ever see per-turn
// deltas for cumulative-reporting agents (spec §4.3).
func (s *Supervisor) dispatchManagedEvent(sessionID, toolType string, ev parser.AgentEvent) {
	kind := managedEventKind(ev)
	if kind == events.ProcessUsage && ev.Usage != nil {
		normalized := s.usage.Normalize(sessionID, toolType, *ev.Usage)
		ev.Usage = &normalized
	}
	s.publish(sessionID, kind, map[string]any{
		"session_id": sessionID,
		"event":      ev,
	})
}

func managedEventKind(ev parser.AgentEvent) string {
	switch ev.Type {
	case parser.EventTypeReasoning:
		return events.ProcessThinkingChunk
	case parser.EventTypeToolCall, parser.EventTypeToolUpdate:
		return events.ProcessToolExecution
	case parser.EventTypePlan, parser.EventTypeComplete:
		return events.ProcessResult
	case parser.EventTypeError:
		return events.ProcessAgentError
	case parser.EventTypeUsage:
		return events.ProcessUsage
	default:
		return events.ProcessData
	}
}

// onManagedExit runs the exit-time error sweep and emits `exit`, then purges
// the session from the registry only after that emission returns (spec
// §4.4's "Remove the ManagedProcess from the registry after all listeners
// for exit have returned").
func (s *Supervisor) onManagedExit(sessionID string, mgr *Manager) {
	code := mgr.ExitCode()
	s.publish(sessionID, events.ProcessExit, map[string]any{
		"session_id": sessionID,
		"code":       code,
	})
	s.remove(sessionID)
}

func (s *Supervisor) onInteractiveOutput(out *ProcessOutput) {
	kind := events.ProcessData
	if out.Stream == "stderr" {
		kind = events.ProcessStderr
	}
	s.publish(out.SessionID, kind, map[string]any{
		"session_id": out.SessionID,
		"stream":     out.Stream,
		"data":       out.Data,
	})
}

func (s *Supervisor) onInteractiveStatus(st *ProcessStatusUpdate) {
	if st.Status != ProcessStatusExited && st.Status != ProcessStatusFailed {
		return
	}
	code := -1
	if st.ExitCode != nil {
		code = *st.ExitCode
	}
	s.publish(st.SessionID, events.ProcessExit, map[string]any{
		"session_id": st.SessionID,
		"code":       code,
	})
	s.remove(st.SessionID)
}

func (s *Supervisor) publish(sessionID, kind string, data map[string]any) {
	if s.bus == nil {
		return
	}
	subject := events.BuildProcessSubject(sessionID, kind)
	ev := bus.NewEvent(kind, "process-supervisor", data)
	if err := s.bus.Publish(context.Background(), subject, ev); err != nil {
		s.logger.Warn("failed to publish process event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func envSliceToMap(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
