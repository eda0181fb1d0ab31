// Package process provides background process execution and output streaming for Maestro.
//
// InteractiveRunner manages PTY-backed interactive passthrough sessions, where a user
// interacts directly with an agent CLI (or a plain shell) through a real terminal.
package process

import (
	"io"
	"sync"
	"time"

	"github.com/maestro/maestro/internal/common/logger"
	"go.uber.org/zap"
)

// InteractiveStartRequest contains parameters for starting an interactive passthrough process.
type InteractiveStartRequest struct {
	SessionID      string            `json:"session_id"`                // Required: Agent session owning this process
	Command        []string          `json:"command"`                   // Required: Command and args to execute
	WorkingDir     string            `json:"working_dir"`               // Working directory
	Env            map[string]string `json:"env,omitempty"`             // Additional environment variables
	InitialCommand string            `json:"initial_command,omitempty"` // Command written to stdin shortly after start

	PromptPattern string        `json:"prompt_pattern,omitempty"` // Regex pattern to detect agent prompt for turn completion
	IdleTimeout   time.Duration `json:"-"`                        // Idle timeout for turn detection (0 disables)

	DisableTurnDetection bool `json:"-"` // User shells must never trigger turn-complete
	IsUserShell          bool `json:"-"` // Excludes this process from session-level lookups

	BufferMaxBytes  int64         `json:"buffer_max_bytes,omitempty"` // Max output buffer size
	StatusDetector  string        `json:"status_detector,omitempty"`  // "claude_code", "codex", "" (idle-only)
	CheckInterval   time.Duration `json:"-"`                          // How often to check TUI state (default 100ms)
	StabilityWindow time.Duration `json:"-"`                          // State stability window (default 0)

	ImmediateStart bool `json:"immediate_start,omitempty"` // Start immediately instead of waiting for a resize
	DefaultCols    int  `json:"default_cols,omitempty"`    // Default columns if ImmediateStart
	DefaultRows    int  `json:"default_rows,omitempty"`    // Default rows if ImmediateStart
}

// InteractiveProcessInfo represents the state of an interactive process.
type InteractiveProcessInfo struct {
	ID         string               `json:"id"`
	SessionID  string               `json:"session_id"`
	Command    []string             `json:"command"`
	WorkingDir string               `json:"working_dir"`
	Status     ProcessStatus        `json:"status"`
	ExitCode   *int                 `json:"exit_code,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Output     []ProcessOutputChunk `json:"output,omitempty"`
}

// DirectOutputWriter is a writer that receives raw PTY output.
// When set, output bypasses the event bus and goes directly to this writer.
type DirectOutputWriter interface {
	io.Writer
	io.Closer
}

// TurnCompleteCallback is called when turn detection determines the agent is waiting for input.
type TurnCompleteCallback func(sessionID string)

// OutputCallback is called when process output is received and no direct writer is attached.
type OutputCallback func(output *ProcessOutput)

// StatusCallback is called when process status changes and no direct writer is attached.
type StatusCallback func(status *ProcessStatusUpdate)

// AgentStateCallback is called when agent TUI state changes (working, waiting, etc.).
type AgentStateCallback func(sessionID string, state AgentState)

// sessionWebSocket tracks a WebSocket connection at the session level.
// This allows the WebSocket, and the terminal dimensions it last reported, to
// survive process restarts.
type sessionWebSocket struct {
	writer   DirectOutputWriter
	lastCols uint16
	lastRows uint16
	mu       sync.RWMutex
}

// userShellEntry tracks a user-opened terminal tab independent of any agent process.
type userShellEntry struct {
	ProcessID      string
	Label          string
	InitialCommand string
	Closable       bool
	CreatedAt      time.Time
}

// InteractiveRunner manages interactive PTY-based processes with stdin support.
type InteractiveRunner struct {
	logger               *logger.Logger
	bufferMaxBytes       int64
	turnCompleteCallback TurnCompleteCallback
	outputCallback       OutputCallback
	statusCallback       StatusCallback
	stateCallback        AgentStateCallback

	mu        sync.RWMutex
	processes map[string]*interactiveProcess

	// Session-level WebSocket tracking - survives process restarts
	sessionWsMu sync.RWMutex
	sessionWs   map[string]*sessionWebSocket

	// User-opened terminal tabs, keyed by "sessionID:terminalID"
	userShellsMu sync.RWMutex
	userShells   map[string]*userShellEntry
}

// NewInteractiveRunner creates a new interactive process runner.
func NewInteractiveRunner(log *logger.Logger, bufferMaxBytes int64) *InteractiveRunner {
	return &InteractiveRunner{
		logger:         log.WithFields(zap.String("component", "interactive-runner")),
		bufferMaxBytes: bufferMaxBytes,
		processes:      make(map[string]*interactiveProcess),
		sessionWs:      make(map[string]*sessionWebSocket),
		userShells:     make(map[string]*userShellEntry),
	}
}

// SetTurnCompleteCallback sets the callback to invoke when turn detection fires.
func (r *InteractiveRunner) SetTurnCompleteCallback(cb TurnCompleteCallback) {
	r.turnCompleteCallback = cb
}

// SetOutputCallback sets the callback to invoke when process output is received
// and no direct output writer is attached.
func (r *InteractiveRunner) SetOutputCallback(cb OutputCallback) {
	r.outputCallback = cb
}

// SetStatusCallback sets the callback to invoke when process status changes
// and no direct output writer is attached.
func (r *InteractiveRunner) SetStatusCallback(cb StatusCallback) {
	r.statusCallback = cb
}

// SetStateCallback sets the callback to invoke when agent TUI state changes.
func (r *InteractiveRunner) SetStateCallback(cb AgentStateCallback) {
	r.stateCallback = cb
}

// createStatusDetector creates the appropriate detector for the given detector type.
// Unknown or empty types fall back to the idle detector, which relies solely on the
// idle timer for turn detection.
func createStatusDetector(detectorType string) StatusDetector {
	switch detectorType {
	case "claude_code":
		return NewClaudeCodeDetector()
	case "codex":
		return NewCodexDetector()
	default:
		return NewIdleDetector()
	}
}
