// Package process manages the agent subprocess lifecycle: one Manager per
// spawned session, wiring stdin/stdout/stderr pipes to a protocol parser and
// tracking process status, exit state, and pending permission requests.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/parser"
	"go.uber.org/zap"
)

// Status represents the agent process status.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// errorWrapper wraps an error so it can be stored in atomic.Value (which cannot store nil).
type errorWrapper struct {
	err error
}

// PendingPermission represents a permission request waiting for user response.
type PendingPermission struct {
	ID         string
	Request    *parser.PermissionRequest
	ResponseCh chan *parser.PermissionResponse
	CreatedAt  time.Time
}

// PermissionNotification is sent when the agent requests permission.
type PermissionNotification struct {
	PendingID     string                    `json:"pending_id"`
	SessionID     string                    `json:"session_id"`
	ToolCallID    string                    `json:"tool_call_id"`
	Title         string                    `json:"title"`
	Options       []parser.PermissionOption `json:"options"`
	ActionType    string                    `json:"action_type,omitempty"`
	ActionDetails map[string]interface{}    `json:"action_details,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
}

// defaultStderrBufferSize is the number of recent stderr lines to keep for error context.
const defaultStderrBufferSize = 50

// Manager manages one agent subprocess and its parser/permission state.
// The Supervisor (supervisor.go) owns one Manager per session id and exposes
// the spawn/write/kill/list/subscribe surface spec'd for the Process Manager.
type Manager struct {
	cfg    *SpawnConfig
	logger *logger.Logger

	// Process state
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	status   atomic.Value // Status
	exitCode atomic.Int32
	exitErr  atomic.Value // error

	// Stderr buffering for error context
	stderrBuffer []string
	stderrMu     sync.RWMutex

	// Protocol parser for agent communication
	parser    parser.AgentAdapter
	parserCfg *parser.Config

	// Agent event notifications (protocol-agnostic)
	updatesCh chan parser.AgentEvent

	// Pending permission requests waiting for user response
	pendingPermissions map[string]*PendingPermission
	permissionMu       sync.RWMutex

	// Final command string (full command with all parser-added args)
	finalCommand string
	startedAt    time.Time

	// Synchronization
	mu      sync.RWMutex
	wg      sync.WaitGroup
	stopCh  chan struct{}
	doneCh  chan struct{}
	startMu sync.Mutex
}

// NewManager creates a new process manager for a single session.
func NewManager(cfg *SpawnConfig, log *logger.Logger) *Manager {
	cfg.WorkDir = resolveExistingWorkDir(cfg.WorkDir, log.WithFields(zap.String("component", "process-manager")))
	m := &Manager{
		cfg:                cfg,
		logger:             log.WithFields(zap.String("component", "process-manager"), zap.String("session_id", cfg.SessionID)),
		updatesCh:          make(chan parser.AgentEvent, 100),
		pendingPermissions: make(map[string]*PendingPermission),
	}
	m.status.Store(StatusStopped)
	m.exitCode.Store(-1)
	return m
}

// Status returns the current process status.
func (m *Manager) Status() Status {
	return m.status.Load().(Status)
}

// ExitCode returns the exit code (-1 if not exited).
func (m *Manager) ExitCode() int {
	return int(m.exitCode.Load())
}

// ExitError returns the exit error if any.
func (m *Manager) ExitError() error {
	if v := m.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

// Start starts the agent process.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.Status() == StatusRunning || m.Status() == StatusStarting {
		return fmt.Errorf("agent is already running")
	}

	m.logger.Info("starting agent process",
		zap.String("tool_type", string(m.cfg.ToolType)),
		zap.Strings("args", m.cfg.AgentArgs),
		zap.String("workdir", m.cfg.WorkDir),
		zap.Int("mcp_servers", len(m.cfg.McpServers)))

	m.status.Store(StatusStarting)
	m.exitCode.Store(-1)
	m.exitErr.Store(errorWrapper{err: nil})

	if len(m.cfg.AgentArgs) == 0 {
		m.status.Store(StatusError)
		return fmt.Errorf("no agent command configured")
	}

	if err := m.buildParserConfig(); err != nil {
		m.status.Store(StatusError)
		return err
	}

	// One-shot adapters manage their own subprocess per prompt.
	// Skip process creation — the adapter spawns processes in Prompt().
	if oneShotAdapter, ok := m.parser.(parser.OneShotAdapter); ok && oneShotAdapter.IsOneShot() {
		return m.startOneShot()
	}

	if err := m.buildFinalCommand(); err != nil {
		m.status.Store(StatusError)
		return err
	}

	if err := m.startProcessPipes(); err != nil {
		m.status.Store(StatusError)
		return err
	}

	if err := m.cmd.Start(); err != nil {
		m.status.Store(StatusError)
		return fmt.Errorf("failed to start agent: %w", err)
	}

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	if err := m.parser.Connect(m.stdin, m.stdout); err != nil {
		m.status.Store(StatusError)
		return fmt.Errorf("failed to connect parser: %w", err)
	}

	m.wg.Add(2)
	go m.readStderr()
	go m.waitForExit()

	m.wg.Add(1)
	go m.forwardUpdates()

	m.startedAt = time.Now()
	m.status.Store(StatusRunning)
	m.logger.Info("agent process started", zap.Int("pid", m.cmd.Process.Pid))

	return nil
}

// startOneShot initialises a one-shot parser without spawning a long-lived subprocess.
// The parser manages its own per-prompt subprocess lifecycle internally.
func (m *Manager) startOneShot() error {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	m.wg.Add(1)
	go m.forwardUpdates()

	m.startedAt = time.Now()
	m.status.Store(StatusRunning)
	m.logger.Info("one-shot parser started (no persistent subprocess)")
	return nil
}

// buildParserConfig constructs the parser configuration and initialises the
// protocol parser, including merging any parser-provided environment variables.
func (m *Manager) buildParserConfig() error {
	mcpServers := make([]parser.McpServerConfig, len(m.cfg.McpServers))
	for i, mcp := range m.cfg.McpServers {
		mcpServers[i] = parser.McpServerConfig{
			Name:    mcp.Name,
			URL:     mcp.URL,
			Type:    mcp.Type,
			Command: mcp.Command,
			Args:    mcp.Args,
		}
	}
	m.parserCfg = &parser.Config{
		WorkDir:        m.cfg.WorkDir,
		AutoApprove:    m.cfg.AutoApprovePermissions,
		ApprovalPolicy: m.cfg.ApprovalPolicy,
		McpServers:     mcpServers,
		AgentID:        string(m.cfg.ToolType),
	}

	// Configure one-shot mode when a continue command is provided.
	// One-shot adapters (e.g., Amp) spawn a new subprocess per prompt.
	if m.cfg.ContinueCommand != "" {
		m.parserCfg.OneShotConfig = &parser.OneShotConfig{
			InitialArgs:  m.cfg.AgentArgs,
			ContinueArgs: ParseCommand(m.cfg.ContinueCommand),
			Env:          m.cfg.AgentEnv,
			WorkDir:      m.cfg.WorkDir,
		}
	}

	if err := m.createParser(); err != nil {
		return fmt.Errorf("failed to create parser: %w", err)
	}

	parserEnv, err := m.parser.PrepareEnvironment()
	if err != nil {
		m.logger.Warn("failed to prepare protocol environment", zap.Error(err))
	}
	for k, v := range parserEnv {
		m.cfg.AgentEnv = append(m.cfg.AgentEnv, fmt.Sprintf("%s=%s", k, v))
	}
	return nil
}

// buildFinalCommand assembles the full command args and creates the exec.Cmd.
// The process group is set so child processes can be killed together.
func (m *Manager) buildFinalCommand() error {
	extraArgs := m.parser.PrepareCommandArgs()

	cmdArgs := make([]string, 0, len(m.cfg.AgentArgs)-1+len(extraArgs))
	cmdArgs = append(cmdArgs, m.cfg.AgentArgs[1:]...)
	cmdArgs = append(cmdArgs, extraArgs...)

	m.finalCommand = strings.Join(append([]string{m.cfg.AgentArgs[0]}, cmdArgs...), " ")

	m.logger.Debug("final agent command",
		zap.String("binary", m.cfg.AgentArgs[0]),
		zap.Strings("args", cmdArgs),
		zap.Int("extra_args_count", len(extraArgs)))

	// NOTE: we intentionally don't use exec.CommandContext here because we don't
	// want the caller's request context to kill the agent process when the request completes.
	m.cmd = exec.Command(m.cfg.AgentArgs[0], cmdArgs...)
	m.cmd.Dir = m.cfg.WorkDir
	m.cmd.Env = m.cfg.AgentEnv
	// Create a new process group so we can kill all child processes together.
	// This matters for adapters like OpenCode that spawn child processes
	// (npx -> sh -> node -> opencode binary).
	setProcGroup(m.cmd)

	m.logger.Info("agent command prepared",
		zap.Strings("args", m.cfg.AgentArgs),
		zap.Strings("extra_args", extraArgs),
		zap.String("workdir", m.cfg.WorkDir),
		zap.Int("env_count", len(m.cfg.AgentEnv)))

	return nil
}

// startProcessPipes creates stdin, stdout, and stderr pipes for the agent subprocess.
// The pipes must be created before the process starts.
func (m *Manager) startProcessPipes() error {
	var err error
	m.stdin, err = m.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	m.stdout, err = m.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	m.stderr, err = m.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	return nil
}

// Configure sets the agent command and optional environment variables.
// This must be called before Start() if the instance was created without a command.
// continueCommand is optional — when set, the parser uses it for one-shot follow-up prompts.
func (m *Manager) Configure(command string, env map[string]string, approvalPolicy, continueCommand string) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.Status() == StatusRunning || m.Status() == StatusStarting {
		return fmt.Errorf("cannot configure while agent is running")
	}

	if command == "" {
		return fmt.Errorf("agent command cannot be empty")
	}

	args := ParseCommand(command)
	if len(args) == 0 {
		return fmt.Errorf("failed to parse agent command")
	}

	m.cfg.AgentCommand = command
	m.cfg.AgentArgs = args

	if approvalPolicy != "" {
		m.cfg.ApprovalPolicy = approvalPolicy
	}

	if continueCommand != "" {
		m.cfg.ContinueCommand = continueCommand
	}

	if len(env) > 0 {
		for k, v := range env {
			m.cfg.AgentEnv = append(m.cfg.AgentEnv, fmt.Sprintf("%s=%s", k, v))
		}
	}

	m.logger.Info("agent configured",
		zap.String("command", command),
		zap.Strings("args", args),
		zap.String("approval_policy", m.cfg.ApprovalPolicy),
		zap.String("continue_command", continueCommand),
		zap.Int("env_count", len(env)))

	return nil
}

// createParser creates the appropriate protocol parser based on configuration.
// This should be called before starting the process so PrepareEnvironment can run.
func (m *Manager) createParser() error {
	toolType := m.cfg.ToolType
	if toolType == "" {
		return fmt.Errorf("toolType not specified in spawn config")
	}

	m.logger.Debug("creating parser", zap.String("tool_type", string(toolType)))
	p, err := parser.NewAdapter(toolType, m.parserCfg, m.logger)
	if err != nil {
		return fmt.Errorf("failed to create parser: %w", err)
	}
	m.parser = p

	// Set stderr provider for parsers that support it (Codex, StreamJSON)
	if setter, ok := m.parser.(parser.StderrProviderSetter); ok {
		setter.SetStderrProvider(m)
	}

	m.parser.SetPermissionHandler(m.handlePermissionRequest)

	return nil
}

// forwardUpdates forwards updates from the parser to the manager's channel.
func (m *Manager) forwardUpdates() {
	defer m.wg.Done()

	updatesCh := m.parser.Updates()
	for {
		select {
		case update, ok := <-updatesCh:
			if !ok {
				return
			}
			select {
			case m.updatesCh <- update:
			default:
				m.logger.Warn("updates channel full, dropping notification")
			}
		case <-m.stopCh:
			return
		}
	}
}

// GetUpdates returns the channel for agent event notifications.
func (m *Manager) GetUpdates() <-chan parser.AgentEvent {
	return m.updatesCh
}

// GetParser returns the protocol parser.
func (m *Manager) GetParser() parser.AgentAdapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.parser
}

// GetSessionID returns the current session ID from the parser.
// The parser is the single source of truth for session ID.
func (m *Manager) GetSessionID() string {
	m.mu.RLock()
	p := m.parser
	m.mu.RUnlock()

	if p != nil {
		return p.GetSessionID()
	}
	return ""
}

// Stop stops the agent process.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.Status()
	if status == StatusStopped || status == StatusStopping {
		m.logger.Info("Stop called but already stopped/stopping", zap.String("status", string(status)))
		return nil
	}

	m.logger.Info("stopping agent process")
	m.status.Store(StatusStopping)

	m.closeParserAndStdin()
	m.killProcessGroupIfRequired()
	m.waitForProcessExit(ctx)

	m.status.Store(StatusStopped)
	m.logger.Info("agent process stopped")
	return nil
}

// closeParserAndStdin closes the protocol parser, the stop channel, and stdin.
func (m *Manager) closeParserAndStdin() {
	m.logger.Debug("closing parser")
	if m.parser != nil {
		if err := m.parser.Close(); err != nil {
			m.logger.Debug("failed to close parser", zap.Error(err))
		}
	}

	if m.stopCh != nil {
		close(m.stopCh)
	}

	// Close stdin to signal EOF to agent
	if m.stdin != nil {
		if err := m.stdin.Close(); err != nil {
			m.logger.Debug("failed to close stdin", zap.Error(err))
		}
	}
}

// killProcessGroupIfRequired kills the entire process group for parsers (such as
// OpenCode) that run as HTTP servers and do not exit when stdin is closed.
func (m *Manager) killProcessGroupIfRequired() {
	if m.parser == nil || !m.parser.RequiresProcessKill() {
		return
	}
	if m.cmd == nil || m.cmd.Process == nil {
		return
	}
	// We kill the process group to ensure all child processes are killed too.
	// This matters because OpenCode spawns: npx -> sh -> node -> opencode binary.
	pid := m.cmd.Process.Pid
	m.logger.Debug("killing process group", zap.Int("pgid", pid))
	if err := killProcessGroup(pid); err != nil {
		m.logger.Debug("failed to kill process group, trying single process", zap.Error(err))
		if err := m.cmd.Process.Kill(); err != nil {
			m.logger.Warn("failed to kill process", zap.Error(err))
		}
	}
}

// waitForProcessExit waits for all goroutines to finish, force-killing on context timeout.
func (m *Manager) waitForProcessExit(ctx context.Context) {
	m.logger.Debug("waiting for process to exit")
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("agent process stopped gracefully")
	case <-ctx.Done():
		if m.cmd != nil && m.cmd.Process != nil {
			m.logger.Warn("force killing agent process")
			if err := m.cmd.Process.Kill(); err != nil {
				m.logger.Warn("failed to kill agent process", zap.Error(err))
			}
		}
	}
}

// readStderr reads and logs stderr from the agent.
func (m *Manager) readStderr() {
	defer m.wg.Done()

	scanner := bufio.NewScanner(m.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		m.logger.Debug("agent stderr", zap.String("line", line))
		m.appendStderr(line)
	}

	if err := scanner.Err(); err != nil {
		m.logger.Debug("stderr reader error", zap.Error(err))
	}
}

// ansiEscapeRegex matches ANSI escape sequences.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// appendStderr adds a line to the stderr ring buffer.
func (m *Manager) appendStderr(line string) {
	m.stderrMu.Lock()
	defer m.stderrMu.Unlock()

	cleanLine := stripANSI(line)

	if len(m.stderrBuffer) >= defaultStderrBufferSize {
		m.stderrBuffer = m.stderrBuffer[1:]
	}
	m.stderrBuffer = append(m.stderrBuffer, cleanLine)
}

// GetRecentStderr returns a copy of the recent stderr lines.
func (m *Manager) GetRecentStderr() []string {
	m.stderrMu.RLock()
	defer m.stderrMu.RUnlock()

	result := make([]string, len(m.stderrBuffer))
	copy(result, m.stderrBuffer)
	return result
}

// ClearStderrBuffer clears the stderr buffer (e.g., after successful operation).
func (m *Manager) ClearStderrBuffer() {
	m.stderrMu.Lock()
	defer m.stderrMu.Unlock()
	m.stderrBuffer = nil
}

// waitForExit waits for the process to exit and performs the exit-time error sweep:
// an abnormal exit is reported together with the recent stderr context.
func (m *Manager) waitForExit() {
	defer m.wg.Done()
	defer close(m.doneCh)

	err := m.cmd.Wait()

	if err != nil {
		m.exitErr.Store(errorWrapper{err: err})
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			m.exitCode.Store(int32(exitCode))
		}
		recentStderr := m.GetRecentStderr()
		m.logger.Error("agent process exited with error",
			zap.Error(err),
			zap.Int("exit_code", exitCode),
			zap.Strings("recent_stderr", recentStderr))

		errorMsg := fmt.Sprintf("Agent process exited with code %d", exitCode)
		if len(recentStderr) > 0 {
			errorMsg = fmt.Sprintf("%s: %s", errorMsg, strings.Join(recentStderr, "; "))
		}
		select {
		case m.updatesCh <- parser.AgentEvent{
			Type:  parser.EventTypeError,
			Error: errorMsg,
			Data: map[string]any{
				"exit_code":     exitCode,
				"recent_stderr": recentStderr,
			},
		}:
		default:
			m.logger.Warn("updates channel full, could not send exit error event")
		}
	} else {
		m.exitCode.Store(0)
		m.logger.Info("agent process exited successfully")
	}

	m.status.Store(StatusStopped)
}

// GetFinalCommand returns the full command string that was used to start the agent process,
// including all parser-added arguments (sandbox mode, MCP flags, etc.).
func (m *Manager) GetFinalCommand() string {
	return m.finalCommand
}

// Done returns a channel that closes once the subprocess has exited and
// waitForExit has finished its error sweep. Nil before Start() is called.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doneCh
}

// StartedAt returns the time Start() successfully brought the process up.
// Zero if the process has never started.
func (m *Manager) StartedAt() time.Time {
	return m.startedAt
}

// Pid returns the OS process id, or 0 if the process has not started or is
// a one-shot parser with no persistent subprocess.
func (m *Manager) Pid() int {
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// WriteStdin appends data directly to the child's stdin pipe (spec §4.4's
// write(sessionId, data)). Returns an error if the process has no open
// stdin — callers translate that into the spec's `false` return.
func (m *Manager) WriteStdin(data []byte) (int, error) {
	m.mu.RLock()
	stdin := m.stdin
	m.mu.RUnlock()
	if stdin == nil {
		return 0, fmt.Errorf("stdin is not open")
	}
	return stdin.Write(data)
}

// GetProcessInfo returns information about the process.
func (m *Manager) GetProcessInfo() map[string]interface{} {
	info := map[string]interface{}{
		"status":    string(m.Status()),
		"exit_code": m.ExitCode(),
	}

	if m.cmd != nil && m.cmd.Process != nil {
		info["pid"] = m.cmd.Process.Pid
	}

	if err := m.ExitError(); err != nil {
		info["exit_error"] = err.Error()
	}

	return info
}

// handlePermissionRequest handles permission requests from the agent.
// It stores the pending request and waits for a response from the IPC layer.
func (m *Manager) handlePermissionRequest(ctx context.Context, req *parser.PermissionRequest) (*parser.PermissionResponse, error) {
	// Use the parser-provided pending ID if available, otherwise generate one.
	// This ensures the ID sent to the frontend matches the one used for response lookup.
	// For OpenCode (per_xxx) and Claude Code (requestID), the parser passes its own ID
	// so we use the same ID throughout the permission flow.
	pendingID := req.PendingID
	if pendingID == "" {
		pendingID = fmt.Sprintf("%s-%s-%d", req.SessionID, req.ToolCallID, time.Now().UnixNano())
	}

	m.logger.Info("handling permission request",
		zap.String("pending_id", pendingID),
		zap.String("session_id", req.SessionID),
		zap.String("tool_call_id", req.ToolCallID),
		zap.String("title", req.Title),
		zap.Bool("auto_approve", m.cfg.AutoApprovePermissions))

	if m.cfg.AutoApprovePermissions {
		return m.autoApprovePermission(req)
	}

	pending := &PendingPermission{
		ID:         pendingID,
		Request:    req,
		ResponseCh: make(chan *parser.PermissionResponse, 1),
		CreatedAt:  time.Now(),
	}

	m.permissionMu.Lock()
	m.pendingPermissions[pendingID] = pending
	m.permissionMu.Unlock()

	defer func() {
		m.permissionMu.Lock()
		delete(m.pendingPermissions, pendingID)
		m.permissionMu.Unlock()
	}()

	m.sendPermissionNotification(pending)

	// Wait for response indefinitely — the IPC client may disconnect and reconnect.
	select {
	case resp := <-pending.ResponseCh:
		m.logger.Info("received permission response",
			zap.String("pending_id", pendingID),
			zap.String("option_id", resp.OptionID),
			zap.Bool("cancelled", resp.Cancelled))
		return resp, nil
	case <-ctx.Done():
		m.logger.Warn("permission request context cancelled",
			zap.String("pending_id", pendingID))
		m.sendPermissionCancelledNotification(pending)
		return &parser.PermissionResponse{Cancelled: true}, nil
	}
}

// autoApprovePermission automatically approves a permission request
// by selecting the first "allow" option, or the first option if no allow option exists.
func (m *Manager) autoApprovePermission(req *parser.PermissionRequest) (*parser.PermissionResponse, error) {
	if len(req.Options) == 0 {
		m.logger.Warn("no options available for auto-approve, cancelling")
		return &parser.PermissionResponse{Cancelled: true}, nil
	}

	var selectedOption *parser.PermissionOption
	for i := range req.Options {
		opt := &req.Options[i]
		if opt.Kind == "allow_once" || opt.Kind == "allow_always" {
			selectedOption = opt
			break
		}
	}

	if selectedOption == nil {
		selectedOption = &req.Options[0]
	}

	m.logger.Info("auto-approving permission request",
		zap.String("option_id", selectedOption.OptionID),
		zap.String("option_name", selectedOption.Name),
		zap.String("kind", selectedOption.Kind))

	return &parser.PermissionResponse{
		OptionID: selectedOption.OptionID,
	}, nil
}

// sendPermissionNotification sends a permission request notification through the updates channel.
// Uses a blocking send with timeout to ensure delivery. If delivery fails within 5 seconds,
// auto-cancels the permission so the agent doesn't hang waiting for a response.
func (m *Manager) sendPermissionNotification(pending *PendingPermission) {
	options := make([]parser.PermissionOption, len(pending.Request.Options))
	copy(options, pending.Request.Options)

	event := parser.AgentEvent{
		Type:              parser.EventTypePermissionRequest,
		SessionID:         pending.Request.SessionID,
		ToolCallID:        pending.Request.ToolCallID,
		PendingID:         pending.ID,
		PermissionTitle:   pending.Request.Title,
		PermissionOptions: options,
		ActionType:        pending.Request.ActionType,
		ActionDetails:     pending.Request.ActionDetails,
	}

	m.logger.Info("sending permission notification via updates channel",
		zap.String("pending_id", pending.ID),
		zap.String("title", pending.Request.Title),
		zap.String("action_type", pending.Request.ActionType))

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case m.updatesCh <- event:
	case <-timer.C:
		m.logger.Error("failed to deliver permission notification, auto-cancelling",
			zap.String("pending_id", pending.ID))
		select {
		case pending.ResponseCh <- &parser.PermissionResponse{Cancelled: true}:
		default:
		}
	}
}

// sendPermissionCancelledNotification sends a notification that a permission request was cancelled.
// This happens when the context is cancelled (e.g., agent completes or caller stops the session)
// before a response arrives.
func (m *Manager) sendPermissionCancelledNotification(pending *PendingPermission) {
	event := parser.AgentEvent{
		Type:      parser.EventTypePermissionCancelled,
		SessionID: pending.Request.SessionID,
		PendingID: pending.ID,
	}

	m.logger.Info("sending permission cancelled notification",
		zap.String("pending_id", pending.ID),
		zap.String("session_id", pending.Request.SessionID))

	select {
	case m.updatesCh <- event:
	default:
		m.logger.Warn("updates channel full, dropping permission cancelled notification",
			zap.String("pending_id", pending.ID))
	}
}

// RespondToPermission responds to a pending permission request.
func (m *Manager) RespondToPermission(pendingID string, optionID string, cancelled bool) error {
	m.permissionMu.RLock()
	pending, ok := m.pendingPermissions[pendingID]
	m.permissionMu.RUnlock()

	if !ok {
		return fmt.Errorf("pending permission not found: %s", pendingID)
	}

	m.logger.Info("responding to permission request",
		zap.String("pending_id", pendingID),
		zap.String("option_id", optionID),
		zap.Bool("cancelled", cancelled))

	select {
	case pending.ResponseCh <- &parser.PermissionResponse{
		OptionID:  optionID,
		Cancelled: cancelled,
	}:
		return nil
	default:
		return fmt.Errorf("response channel full for pending permission: %s", pendingID)
	}
}

// resolveExistingWorkDir resolves workDir to the nearest existing directory,
// falling back to the current working directory and finally to "." so a
// missing workdir never prevents a process from spawning.
func resolveExistingWorkDir(workDir string, log *logger.Logger) string {
	candidate := strings.TrimSpace(workDir)
	if candidate == "" {
		if cwd, err := os.Getwd(); err == nil && cwd != "" {
			return cwd
		}
		return "."
	}

	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate
	}

	current := candidate
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		if info, err := os.Stat(parent); err == nil && info.IsDir() {
			if log != nil {
				log.Warn("workdir missing; using nearest existing parent directory",
					zap.String("requested_workdir", candidate),
					zap.String("fallback_workdir", parent))
			}
			return parent
		}
		current = parent
	}

	if cwd, err := os.Getwd(); err == nil && cwd != "" {
		if log != nil {
			log.Warn("workdir missing; using current directory fallback",
				zap.String("requested_workdir", candidate),
				zap.String("fallback_workdir", cwd))
		}
		return cwd
	}
	if log != nil {
		log.Warn("workdir missing; using relative dot fallback", zap.String("requested_workdir", candidate))
	}
	return "."
}
