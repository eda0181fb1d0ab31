package process

import (
	"os"
	"strings"

	"github.com/maestro/maestro/pkg/agentproto"
)

// McpServerConfig holds configuration for an MCP server the agent is launched with.
type McpServerConfig struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	Type    string `json:"type,omitempty"`
	Command string `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// SpawnConfig carries the spawn-time parameters for a single managed process,
// matching the `spec` argument of the supervisor's spawn operation:
// {toolType, executable, args, cwd, env, pty?, sshRemote?, mode, parser?}.
type SpawnConfig struct {
	// SessionID is the caller-supplied session id this process is spawned for.
	SessionID string

	// Name is an optional human-readable label for this session, surfaced
	// by the supervisor's list() snapshot (spec §4.4).
	Name string

	// ToolType identifies the agent protocol/binary (claude-code, codex, opencode, terminal, ...).
	ToolType agentproto.Protocol

	// AgentCommand is the full command string (executable + args) before parsing.
	AgentCommand string

	// AgentArgs is the parsed command (derived from AgentCommand via ParseCommand).
	AgentArgs []string

	// WorkDir is the working directory for the agent process.
	WorkDir string

	// AgentEnv is the environment variables passed to the agent process.
	AgentEnv []string

	// AutoApprovePermissions auto-approves permission requests (used for CI/batch mode).
	AutoApprovePermissions bool

	// ApprovalPolicy controls when the agent requests approval.
	// Valid values: "untrusted" (always), "on-failure", "on-request", "never".
	// Defaults to "on-request" if empty.
	ApprovalPolicy string

	// IsTerminal marks this as a raw-passthrough user-shell session: no JSON
	// parsing, stdout/stderr forwarded byte-for-byte through the PTY layer.
	IsTerminal bool

	// Pty requests a PTY-backed subprocess (interactive CLI passthrough, or any
	// agent that requires a real terminal to render correctly).
	Pty bool

	// SSHRemote, when set, runs the agent command over an already-configured
	// `ssh` binary instead of a local subprocess (exec, not an in-process SSH client).
	SSHRemote string

	// McpServers is the list of MCP servers to configure for the agent.
	McpServers []McpServerConfig

	// ProcessBufferMaxBytes caps the per-buffer (stdout/stderr/json) ring size.
	ProcessBufferMaxBytes int64

	// ContinueCommand is the command template for follow-up prompts in one-shot
	// agents (thread id appended at runtime). Only consulted by one-shot adapters.
	ContinueCommand string
}

// defaultProcessBufferMaxBytes is the fallback cap for a single output buffer
// (stdout, stderr, or the raw line-assembler buffer) when SpawnConfig leaves
// ProcessBufferMaxBytes unset.
const defaultProcessBufferMaxBytes = 4 * 1024 * 1024

// ParseCommand splits a command string into arguments.
func ParseCommand(cmd string) []string {
	return strings.Fields(cmd)
}

// CollectAgentEnv collects environment variables to pass to the agent,
// starting from the current process environment and merging additional vars.
func CollectAgentEnv(additional map[string]string) []string {
	envMap := make(map[string]string)
	for _, e := range os.Environ() {
		if idx := strings.Index(e, "="); idx > 0 {
			envMap[e[:idx]] = e[idx+1:]
		}
	}
	for k, v := range additional {
		envMap[k] = v
	}
	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	return result
}
