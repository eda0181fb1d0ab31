package websocket

import (
	"context"

	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/plugin"
	"github.com/maestro/maestro/internal/providerhealth"
	ws "github.com/maestro/maestro/pkg/websocket"
	"go.uber.org/zap"
)

// PluginHandlers implements the plugins:* and providers:* WebSocket
// actions (spec §4.5's lifecycle surface and provider-health queries)
// against a Plugin Host and its provider-health tracker.
type PluginHandlers struct {
	host    *plugin.Host
	tracker *providerhealth.Tracker
	logger  *logger.Logger
}

// NewPluginHandlers creates a new PluginHandlers instance. tracker may be
// nil, in which case providers:* actions return an empty result.
func NewPluginHandlers(host *plugin.Host, tracker *providerhealth.Tracker, log *logger.Logger) *PluginHandlers {
	return &PluginHandlers{
		host:    host,
		tracker: tracker,
		logger:  log.WithFields(zap.String("component", "plugin-ws-handlers")),
	}
}

// RegisterHandlers registers the plugins/providers handlers with the dispatcher.
func (h *PluginHandlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionPluginsList, h.List)
	d.RegisterFunc(ws.ActionPluginsEnable, h.Enable)
	d.RegisterFunc(ws.ActionPluginsDisable, h.Disable)
	d.RegisterFunc(ws.ActionPluginsSettings, h.Settings)
	d.RegisterFunc(ws.ActionProvidersStatus, h.ProvidersStatus)
	d.RegisterFunc(ws.ActionProvidersClearSessionErrors, h.ProvidersClearSessionErrors)
}

// List handles plugins.list: every discovered plugin's id/name/state.
func (h *PluginHandlers) List(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"plugins": h.host.List()})
}

// PluginIDRequest is the payload shared by plugins.enable and plugins.disable.
type PluginIDRequest struct {
	PluginID string `json:"plugin_id"`
}

// Enable handles plugins.enable.
func (h *PluginHandlers) Enable(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req PluginIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.PluginID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "plugin_id is required", nil)
	}
	if err := h.host.Enable(ctx, req.PluginID); err != nil {
		h.logger.Warn("failed to enable plugin", zap.String("plugin_id", req.PluginID), zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

// Disable handles plugins.disable.
func (h *PluginHandlers) Disable(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req PluginIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.PluginID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "plugin_id is required", nil)
	}
	if err := h.host.Disable(ctx, req.PluginID); err != nil {
		h.logger.Warn("failed to disable plugin", zap.String("plugin_id", req.PluginID), zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

// PluginSettingsRequest is the payload for plugins.settings. An empty Value
// and Set=false means "read"; Set=true writes Key/Value.
type PluginSettingsRequest struct {
	PluginID string `json:"plugin_id"`
	Key      string `json:"key,omitempty"`
	Value    string `json:"value,omitempty"`
	Set      bool   `json:"set,omitempty"`
}

// Settings handles plugins.settings: get-all when Set is false, a single
// key write when Set is true.
func (h *PluginHandlers) Settings(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req PluginSettingsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.PluginID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "plugin_id is required", nil)
	}

	if req.Set {
		if req.Key == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "key is required when set=true", nil)
		}
		if err := h.host.SettingsSet(ctx, req.PluginID, req.Key, req.Value); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
	}

	settings, err := h.host.SettingsGetAll(ctx, req.PluginID)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"settings": settings})
}

// ProvidersStatusRequest is the payload for providers.status. An empty
// ToolType returns every tool type's error count.
type ProvidersStatusRequest struct {
	ToolType string `json:"tool_type,omitempty"`
}

// ProvidersStatus handles providers.status (spec §6's
// providers:get-error-stats / providers:get-all-error-stats).
func (h *PluginHandlers) ProvidersStatus(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if h.tracker == nil {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"counts": map[string]int{}})
	}
	var req ProvidersStatusRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.ToolType != "" {
		count, err := h.tracker.StatusFor(ctx, req.ToolType)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"counts": map[string]int{req.ToolType: count}})
	}
	counts, err := h.tracker.Status(ctx)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"counts": counts})
}

// ProvidersClearSessionErrorsRequest is the payload for clearing a
// session's recorded provider errors.
type ProvidersClearSessionErrorsRequest struct {
	SessionID string `json:"session_id"`
}

// ProvidersClearSessionErrors handles providers:clear-session-errors.
func (h *PluginHandlers) ProvidersClearSessionErrors(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if h.tracker == nil {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
	}
	var req ProvidersClearSessionErrorsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}
	if err := h.tracker.ClearSessionErrors(ctx, req.SessionID); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}
