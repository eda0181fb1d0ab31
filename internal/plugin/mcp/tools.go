package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/process"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

func registerTools(s *server.MCPServer, sup *process.Supervisor, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List every session currently managed by the process supervisor, with its tool type, pid, and start time."),
		),
		listSessionsHandler(sup, log),
	)

	s.AddTool(
		mcp.NewTool("write_session",
			mcp.WithDescription("Write raw bytes to a session's stdin, e.g. to answer an agent's prompt."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session id to write to")),
			mcp.WithString("data", mcp.Required(), mcp.Description("The bytes to write, including any trailing newline the agent expects")),
		),
		writeSessionHandler(sup, log),
	)

	s.AddTool(
		mcp.NewTool("kill_session",
			mcp.WithDescription("Terminate a session's subprocess, escalating to SIGKILL if it does not exit within the grace period."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session id to terminate")),
		),
		killSessionHandler(sup, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func listSessionsHandler(sup *process.Supervisor, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessions := sup.List()
		formatted, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to format sessions: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func writeSessionHandler(sup *process.Supervisor, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := req.RequireString("data")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if ok := sup.Write(sessionID, []byte(data)); !ok {
			log.Warn("write_session failed", zap.String("session_id", sessionID))
			return mcp.NewToolResultError(fmt.Sprintf("session %q is unknown or has no open stdin", sessionID)), nil
		}
		return mcp.NewToolResultText("ok"), nil
	}
}

func killSessionHandler(sup *process.Supervisor, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if ok := sup.Kill(sessionID); !ok {
			return mcp.NewToolResultText(fmt.Sprintf("session %q was already gone", sessionID)), nil
		}
		log.Info("killed session via MCP tool", zap.String("session_id", sessionID))
		return mcp.NewToolResultText("killed"), nil
	}
}
