// Package agentproto provides the toolType enumeration shared by the process,
// parser, and plugin layers.
package agentproto

// Protocol identifies the wire protocol (and, by extension, the parser
// strategy) a spawned agent speaks. This is the concrete type behind the
// ManagedProcess `toolType` tag.
type Protocol string

const (
	// ProtocolClaudeCode is the Claude Code CLI protocol (stream-json over stdin/stdout).
	ProtocolClaudeCode Protocol = "claude-code"
	// ProtocolCodex is the OpenAI Codex app-server protocol (JSON-RPC variant
	// over stdin/stdout, Thread/Turn model instead of Session/Prompt).
	ProtocolCodex Protocol = "codex"
	// ProtocolOpenCode is the OpenCode CLI protocol (REST/SSE over HTTP, ACP-shaped).
	ProtocolOpenCode Protocol = "opencode"
	// ProtocolACP is the Agent Communication Protocol (JSON-RPC over stdin/stdout).
	ProtocolACP Protocol = "acp"
	// ProtocolCopilot is the GitHub Copilot SDK protocol.
	ProtocolCopilot Protocol = "copilot"
	// ProtocolAmp is the Sourcegraph Amp protocol (stream-json over stdin/stdout,
	// thread-based one-shot continuation).
	ProtocolAmp Protocol = "amp"
	// ProtocolTerminal marks a raw-passthrough user-shell session: no JSON
	// parsing, stdout/stderr forwarded byte-for-byte (spec's `isTerminal`).
	ProtocolTerminal Protocol = "terminal"
)

// String returns the string representation of the protocol.
func (p Protocol) String() string {
	return string(p)
}

// IsValid reports whether p is one of the known protocols.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolClaudeCode, ProtocolCodex, ProtocolOpenCode, ProtocolACP, ProtocolCopilot, ProtocolAmp, ProtocolTerminal:
		return true
	default:
		return false
	}
}
