package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maestro/maestro/internal/common/logger"
	bus "github.com/maestro/maestro/internal/eventbus"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/process"
	"github.com/maestro/maestro/internal/store"
	"go.uber.org/zap"
)

// MaestroInfo is the always-present, read-only api.maestro namespace.
type MaestroInfo struct {
	Version  string
	Platform string
	PluginID string
	PluginDir string
	DataDir  string
}

// ProcessAPI is api.process, granted by process:read.
type ProcessAPI struct {
	supervisor *process.Supervisor
	bus        bus.EventBus
	releases   *[]func()
}

// GetActiveProcesses returns a snapshot of every live session.
func (a *ProcessAPI) GetActiveProcesses() []process.ProcessSummary {
	return a.supervisor.List()
}

func (a *ProcessAPI) on(kind string, cb func(sessionID string, payload map[string]any)) {
	if a.bus == nil {
		return
	}
	sub, err := a.bus.Subscribe("process.*."+kind, func(ctx context.Context, ev *bus.Event) error {
		sessionID, _ := ev.Data["session_id"].(string)
		cb(sessionID, ev.Data)
		return nil
	})
	if err != nil {
		return
	}
	*a.releases = append(*a.releases, func() { _ = sub.Unsubscribe() })
}

// OnData subscribes to raw stdout/line data across every session.
func (a *ProcessAPI) OnData(cb func(sessionID string, payload map[string]any)) {
	a.on(events.ProcessData, cb)
}

// OnUsage subscribes to normalized usage events.
func (a *ProcessAPI) OnUsage(cb func(sessionID string, payload map[string]any)) {
	a.on(events.ProcessUsage, cb)
}

// OnToolExecution subscribes to tool-execution events.
func (a *ProcessAPI) OnToolExecution(cb func(sessionID string, payload map[string]any)) {
	a.on(events.ProcessToolExecution, cb)
}

// OnExit subscribes to exit events.
func (a *ProcessAPI) OnExit(cb func(sessionID string, payload map[string]any)) {
	a.on(events.ProcessExit, cb)
}

// OnThinkingChunk subscribes to thinking-chunk events.
func (a *ProcessAPI) OnThinkingChunk(cb func(sessionID string, payload map[string]any)) {
	a.on(events.ProcessThinkingChunk, cb)
}

// ProcessControlAPI is api.processControl, granted by process:write. Every
// call is audit-logged (spec §4.5's "each call audit-logged").
type ProcessControlAPI struct {
	pluginID   string
	supervisor *process.Supervisor
	logger     *logger.Logger
}

// Kill terminates a session on the plugin's behalf.
func (a *ProcessControlAPI) Kill(sessionID string) bool {
	ok := a.supervisor.Kill(sessionID)
	a.logger.Info("plugin killed session", zap.String("plugin_id", a.pluginID), zap.String("session_id", sessionID), zap.Bool("ok", ok))
	return ok
}

// Write sends data to a session's stdin on the plugin's behalf.
func (a *ProcessControlAPI) Write(sessionID string, data []byte) bool {
	ok := a.supervisor.Write(sessionID, data)
	a.logger.Info("plugin wrote to session", zap.String("plugin_id", a.pluginID), zap.String("session_id", sessionID), zap.Int("bytes", len(data)), zap.Bool("ok", ok))
	return ok
}

// StatsAPI is api.stats, granted by stats:read.
type StatsAPI struct {
	supervisor *process.Supervisor
	bus        bus.EventBus
	releases   *[]func()
}

// Aggregation is the shape returned by GetAggregation.
type Aggregation struct {
	ActiveSessions int            `json:"active_sessions"`
	ByToolType     map[string]int `json:"by_tool_type"`
}

// GetAggregation returns a point-in-time summary over live sessions. range
// is accepted for interface parity with spec §6's stats:get-aggregation
// but unused: the supervisor only tracks live state, not historical stats.
func (a *StatsAPI) GetAggregation(_ string) Aggregation {
	sessions := a.supervisor.List()
	byType := make(map[string]int)
	for _, s := range sessions {
		byType[string(s.ToolType)]++
	}
	return Aggregation{ActiveSessions: len(sessions), ByToolType: byType}
}

// OnStatsUpdate invokes cb whenever a session's usage or exit event fires,
// as a proxy for a stats-updated notification (no separate stats subsystem
// publishes its own event).
func (a *StatsAPI) OnStatsUpdate(cb func()) {
	if a.bus == nil {
		return
	}
	handler := func(ctx context.Context, ev *bus.Event) error {
		cb()
		return nil
	}
	if sub, err := a.bus.Subscribe("process.*."+events.ProcessUsage, handler); err == nil {
		*a.releases = append(*a.releases, func() { _ = sub.Unsubscribe() })
	}
	if sub, err := a.bus.Subscribe("process.*."+events.ProcessExit, handler); err == nil {
		*a.releases = append(*a.releases, func() { _ = sub.Unsubscribe() })
	}
}

// SettingsAPI is api.settings, split across settings:read (Get/GetAll) and
// settings:write (Set) — spec §4.5's namespaced `plugin:<id>:<key>` keyspace.
type SettingsAPI struct {
	pluginID string
	store    *store.Store
	canRead  bool
	canWrite bool
}

// Get reads a single key, if the plugin holds settings:read.
func (a *SettingsAPI) Get(ctx context.Context, key string) (string, bool, error) {
	if !a.canRead {
		return "", false, errMissingPermission(a.pluginID, PermissionSettingsRead)
	}
	return a.store.SettingsGet(ctx, events.PluginSettingsKey(a.pluginID, key))
}

// GetAll reads every key under this plugin's namespace, prefix stripped.
func (a *SettingsAPI) GetAll(ctx context.Context) (map[string]string, error) {
	if !a.canRead {
		return nil, errMissingPermission(a.pluginID, PermissionSettingsRead)
	}
	return a.store.SettingsGetAllByPrefix(ctx, events.PluginSettingsKey(a.pluginID, ""))
}

// Set writes a key, if the plugin holds settings:write.
func (a *SettingsAPI) Set(ctx context.Context, key, value string) error {
	if !a.canWrite {
		return errMissingPermission(a.pluginID, PermissionSettingsWrite)
	}
	return a.store.SettingsSet(ctx, events.PluginSettingsKey(a.pluginID, key), value)
}

// StorageAPI is api.storage, granted by storage: file access scoped to
// <pluginDir>/<id>/data/.
type StorageAPI struct {
	dataDir string
}

func (a *StorageAPI) resolve(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid storage path %q", name)
	}
	return filepath.Join(a.dataDir, filepath.Clean(name)), nil
}

// Read returns the contents of a file under the plugin's data directory.
func (a *StorageAPI) Read(name string) ([]byte, error) {
	path, err := a.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Write creates or overwrites a file under the plugin's data directory.
func (a *StorageAPI) Write(name string, data []byte) error {
	path, err := a.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create storage dir for %q: %w", name, err)
	}
	return os.WriteFile(path, data, 0o644)
}

// List returns the entry names directly under the plugin's data directory.
func (a *StorageAPI) List() ([]string, error) {
	entries, err := os.ReadDir(a.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Delete removes a file under the plugin's data directory.
func (a *StorageAPI) Delete(name string) error {
	path, err := a.resolve(name)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// NotificationsAPI is api.notifications, granted by notifications.
type NotificationsAPI struct {
	pluginID string
	logger   *logger.Logger
}

// Notify logs a desktop-notification request. Maestro has no UI process of
// its own to render a real notification in this server-side rewrite, so
// this records intent for an embedding UI to poll/observe rather than
// driving an OS notification center directly.
func (a *NotificationsAPI) Notify(title, message string) {
	a.logger.Info("plugin notification", zap.String("plugin_id", a.pluginID), zap.String("title", title), zap.String("message", message))
}

// PlaySound records a sound-cue request for the same reason Notify does.
func (a *NotificationsAPI) PlaySound(name string) {
	a.logger.Info("plugin sound cue", zap.String("plugin_id", a.pluginID), zap.String("sound", name))
}

// IPCBridgeAPI is api.ipcBridge, always present: a plugin's own namespaced
// pub/sub channel (spec §4.5's "Plugin IPC bridge"), backed by the shared
// event bus under plugin:<id>:<channel>.
type IPCBridgeAPI struct {
	pluginID string
	bus      bus.EventBus
	releases *[]func()
}

// RegisterHandler subscribes to the plugin's own channel namespace. Only
// the owning plugin's api instance can reach this method, which is what
// enforces "only the owning plugin may register handlers for its channel
// namespace" — there is no separate identity check because the capability
// is un-forgeable: plugins never see another plugin's *IPCBridgeAPI.
func (a *IPCBridgeAPI) RegisterHandler(channel string, handler func(payload map[string]interface{})) {
	if a.bus == nil {
		return
	}
	sub, err := a.bus.Subscribe(events.BuildPluginChannel(a.pluginID, channel), func(ctx context.Context, ev *bus.Event) error {
		handler(ev.Data)
		return nil
	})
	if err != nil {
		return
	}
	*a.releases = append(*a.releases, func() { _ = sub.Unsubscribe() })
}

// Send broadcasts payload on the plugin's channel to every UI subscriber.
func (a *IPCBridgeAPI) Send(ctx context.Context, channel string, payload map[string]interface{}) error {
	if a.bus == nil {
		return nil
	}
	subject := events.BuildPluginChannel(a.pluginID, channel)
	return a.bus.Publish(ctx, subject, bus.NewEvent(subject, "plugin:"+a.pluginID, payload))
}

// API is the capability-scoped object passed to a plugin's Activate.
// Namespaces the manifest didn't request permission for are left nil, so
// reaching for them is a nil-pointer fault at the plugin boundary rather
// than a silently-granted capability (spec §4.5's "static shape error").
type API struct {
	Process        *ProcessAPI
	ProcessControl *ProcessControlAPI
	Stats          *StatsAPI
	Settings       *SettingsAPI
	Storage        *StorageAPI
	Notifications  *NotificationsAPI
	Maestro        MaestroInfo
	IPCBridge      *IPCBridgeAPI
}

func errMissingPermission(pluginID string, p Permission) error {
	return &permissionError{pluginID: pluginID, permission: p}
}

type permissionError struct {
	pluginID   string
	permission Permission
}

func (e *permissionError) Error() string {
	return "plugin " + e.pluginID + " does not hold permission " + string(e.permission)
}
