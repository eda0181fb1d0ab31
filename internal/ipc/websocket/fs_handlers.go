package websocket

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/process"
	"github.com/maestro/maestro/pkg/agentproto"
	ws "github.com/maestro/maestro/pkg/websocket"
	"go.uber.org/zap"
)

// FSHandlers implements the fs:*, agents:*, and stats:* WebSocket actions.
// The fs actions are scoped to a single session's working directory (spec
// §4.5's session-scoped filesystem surface); agents.types and stats.get
// take no session.
type FSHandlers struct {
	supervisor *process.Supervisor
	logger     *logger.Logger
}

// NewFSHandlers creates a new FSHandlers instance.
func NewFSHandlers(supervisor *process.Supervisor, log *logger.Logger) *FSHandlers {
	return &FSHandlers{
		supervisor: supervisor,
		logger:     log.WithFields(zap.String("component", "fs-ws-handlers")),
	}
}

// RegisterHandlers registers the fs/agents/stats handlers with the dispatcher.
func (h *FSHandlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionFSRead, h.Read)
	d.RegisterFunc(ws.ActionFSList, h.List)
	d.RegisterFunc(ws.ActionAgentTypes, h.AgentTypes)
	d.RegisterFunc(ws.ActionStatsGet, h.Stats)
}

// resolveScopedPath joins path onto the session's working directory and
// rejects anything that escapes it via "..", mirroring the sandboxing a
// workspace-file endpoint needs once a session's workdir is user-writable.
func resolveScopedPath(workDir, path string) (string, bool) {
	if workDir == "" {
		return "", false
	}
	full := filepath.Join(workDir, path)
	rel, err := filepath.Rel(workDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

// FSReadRequest is the payload for fs.read.
type FSReadRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

// Read handles the fs.read action: returns a file's contents from within
// the session's working directory.
func (h *FSHandlers) Read(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req FSReadRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}

	workDir := h.supervisor.WorkDir(req.SessionID)
	if workDir == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "no such session", nil)
	}

	full, ok := resolveScopedPath(workDir, req.Path)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "path escapes session working directory", nil)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "failed to read file: "+err.Error(), nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"path":    req.Path,
		"content": string(data),
	})
}

// FSListRequest is the payload for fs.list.
type FSListRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path,omitempty"`
}

// FSEntry is one entry in an fs.list response.
type FSEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// List handles the fs.list action: lists a directory within the session's
// working directory.
func (h *FSHandlers) List(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req FSListRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}

	workDir := h.supervisor.WorkDir(req.SessionID)
	if workDir == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "no such session", nil)
	}

	full, ok := resolveScopedPath(workDir, req.Path)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "path escapes session working directory", nil)
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "failed to list directory: "+err.Error(), nil)
	}

	out := make([]FSEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		out = append(out, FSEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"entries": out})
}

// AgentTypes handles the agents.types action: lists the agent protocols a
// session can be spawned with (spec §4.2's per-protocol parser surface).
func (h *FSHandlers) AgentTypes(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	types := []agentproto.Protocol{
		agentproto.ProtocolClaudeCode,
		agentproto.ProtocolCodex,
		agentproto.ProtocolOpenCode,
		agentproto.ProtocolACP,
		agentproto.ProtocolCopilot,
		agentproto.ProtocolAmp,
		agentproto.ProtocolTerminal,
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"types": types})
}

// Stats handles the stats.get action: a point-in-time summary over the
// supervisor's live sessions.
func (h *FSHandlers) Stats(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	sessions := h.supervisor.List()

	byType := make(map[string]int)
	for _, s := range sessions {
		byType[string(s.ToolType)]++
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"active_sessions": len(sessions),
		"by_tool_type":    byType,
	})
}
