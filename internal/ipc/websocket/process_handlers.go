package websocket

import (
	"context"

	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/process"
	"github.com/maestro/maestro/pkg/agentproto"
	ws "github.com/maestro/maestro/pkg/websocket"
	"go.uber.org/zap"
)

// ProcessHandlers implements the process:* WebSocket actions (spec §4.4's
// spawn/write/kill/list surface) against a Supervisor.
type ProcessHandlers struct {
	supervisor *process.Supervisor
	logger     *logger.Logger
}

// NewProcessHandlers creates a new ProcessHandlers instance.
func NewProcessHandlers(supervisor *process.Supervisor, log *logger.Logger) *ProcessHandlers {
	return &ProcessHandlers{
		supervisor: supervisor,
		logger:     log.WithFields(zap.String("component", "process-ws-handlers")),
	}
}

// RegisterHandlers registers the process handlers with the dispatcher.
func (h *ProcessHandlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionProcessSpawn, h.Spawn)
	d.RegisterFunc(ws.ActionProcessWrite, h.Write)
	d.RegisterFunc(ws.ActionProcessKill, h.Kill)
	d.RegisterFunc(ws.ActionProcessList, h.List)
}

// SpawnRequest is the payload for process.spawn.
type SpawnRequest struct {
	SessionID              string                    `json:"session_id"`
	Name                   string                    `json:"name,omitempty"`
	ToolType               string                    `json:"tool_type"`
	Command                string                    `json:"command"`
	WorkDir                string                    `json:"work_dir"`
	Env                    map[string]string         `json:"env,omitempty"`
	AutoApprovePermissions bool                      `json:"auto_approve_permissions,omitempty"`
	ApprovalPolicy         string                    `json:"approval_policy,omitempty"`
	IsTerminal             bool                      `json:"is_terminal,omitempty"`
	Pty                    bool                      `json:"pty,omitempty"`
	SSHRemote              string                    `json:"ssh_remote,omitempty"`
	McpServers             []process.McpServerConfig `json:"mcp_servers,omitempty"`
}

// Spawn handles the process.spawn action.
func (h *ProcessHandlers) Spawn(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SpawnRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}
	if req.Command == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "command is required", nil)
	}

	toolType := agentproto.Protocol(req.ToolType)
	if !toolType.IsValid() {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "tool_type is not a recognized protocol", nil)
	}

	cfg := &process.SpawnConfig{
		SessionID:              req.SessionID,
		Name:                   req.Name,
		ToolType:               toolType,
		AgentCommand:           req.Command,
		AgentArgs:              process.ParseCommand(req.Command),
		WorkDir:                req.WorkDir,
		AgentEnv:               process.CollectAgentEnv(req.Env),
		AutoApprovePermissions: req.AutoApprovePermissions,
		ApprovalPolicy:         req.ApprovalPolicy,
		IsTerminal:             req.IsTerminal,
		Pty:                    req.Pty,
		SSHRemote:              req.SSHRemote,
		McpServers:             req.McpServers,
	}

	if err := h.supervisor.Spawn(ctx, req.SessionID, cfg); err != nil {
		h.logger.Error("failed to spawn session", zap.String("session_id", req.SessionID), zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":    true,
		"session_id": req.SessionID,
	})
}

// WriteRequest is the payload for process.write.
type WriteRequest struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// Write handles the process.write action.
func (h *ProcessHandlers) Write(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req WriteRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}

	ok := h.supervisor.Write(req.SessionID, []byte(req.Data))
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "no such session", nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

// KillRequest is the payload for process.kill.
type KillRequest struct {
	SessionID string `json:"session_id"`
}

// Kill handles the process.kill action.
func (h *ProcessHandlers) Kill(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req KillRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}

	ok := h.supervisor.Kill(req.SessionID)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "no such session", nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

// ProcessSummaryResponse mirrors process.ProcessSummary for the wire, so the
// JSON shape doesn't silently change if the internal struct grows fields.
type ProcessSummaryResponse struct {
	SessionID string `json:"session_id"`
	ToolType  string `json:"tool_type"`
	Pid       int    `json:"pid"`
	StartTime string `json:"start_time"`
	Name      string `json:"name,omitempty"`
}

// ListResponse is the payload for process.list's response.
type ListResponse struct {
	Sessions []ProcessSummaryResponse `json:"sessions"`
}

// List handles the process.list action.
func (h *ProcessHandlers) List(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	summaries := h.supervisor.List()

	resp := ListResponse{Sessions: make([]ProcessSummaryResponse, len(summaries))}
	for i, s := range summaries {
		resp.Sessions[i] = ProcessSummaryResponse{
			SessionID: s.SessionID,
			ToolType:  string(s.ToolType),
			Pid:       s.Pid,
			StartTime: s.StartTime.Format("2006-01-02T15:04:05Z07:00"),
			Name:      s.Name,
		}
	}

	return ws.NewResponse(msg.ID, msg.Action, resp)
}
