package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/logger"
	bus "github.com/maestro/maestro/internal/eventbus"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/process"
	"github.com/maestro/maestro/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State is a plugin's lifecycle state (spec §4.5's discovered/active/error/
// disabled state machine).
type State string

const (
	StateDiscovered State = "discovered"
	StateActive     State = "active"
	StateError      State = "error"
	StateDisabled   State = "disabled"
)

// LoadedPlugin tracks one discovered plugin's manifest and runtime state.
type LoadedPlugin struct {
	Manifest     *Manifest
	State        State
	ErrorMessage string

	instance Plugin
	releases []func()
}

// Status is the read-only view List() returns over the IPC surface.
type Status struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	State        State  `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
	FirstParty   bool   `json:"first_party"`
}

// Host is the Plugin Host (L5): it discovers manifests under cfg.Dir,
// matches each against a compiled-in Plugin factory, and drives the
// discovered -> active/error, active <-> disabled lifecycle spec §4.5
// describes.
type Host struct {
	cfg        config.PluginsConfig
	supervisor *process.Supervisor
	bus        bus.EventBus
	store      *store.Store
	logger     *logger.Logger

	mu      sync.RWMutex
	plugins map[string]*LoadedPlugin

	loadGroup singleflight.Group
}

// NewHost constructs a Plugin Host. store may be nil only when
// cfg.Enabled is false; an enabled host always needs somewhere to persist
// its settings keyspace.
func NewHost(cfg config.PluginsConfig, supervisor *process.Supervisor, eventBus bus.EventBus, st *store.Store, log *logger.Logger) (*Host, error) {
	if cfg.Enabled && st == nil {
		return nil, fmt.Errorf("plugin host: enabled but no store provided")
	}
	return &Host{
		cfg:        cfg,
		supervisor: supervisor,
		bus:        eventBus,
		store:      st,
		logger:     log.WithFields(zap.String("component", "plugin-host")),
		plugins:    make(map[string]*LoadedPlugin),
	}, nil
}

// DiscoverAndActivate scans cfg.Dir for one subdirectory per plugin, each
// containing a manifest.json, and activates every one that isn't disabled
// and has a matching compiled-in factory.
func (h *Host) DiscoverAndActivate(ctx context.Context) error {
	if !h.cfg.Enabled {
		return nil
	}
	if h.cfg.Dir == "" {
		return fmt.Errorf("plugin host: enabled but no directory configured")
	}
	entries, err := os.ReadDir(h.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			h.logger.Info("plugin directory does not exist, nothing to discover", zap.String("dir", h.cfg.Dir))
			return nil
		}
		return fmt.Errorf("read plugin dir %q: %w", h.cfg.Dir, err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		manifestPath := filepath.Join(h.cfg.Dir, e.Name(), "manifest.json")
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			h.logger.Error("failed to read manifest", zap.String("path", manifestPath), zap.Error(err))
			continue
		}
		m, err := ParseManifest(data)
		if err != nil {
			h.logger.Error("invalid manifest", zap.String("path", manifestPath), zap.Error(err))
			continue
		}
		h.registerDiscovered(ctx, m)
	}
	return nil
}

func (h *Host) registerDiscovered(ctx context.Context, m *Manifest) {
	h.mu.Lock()
	lp := &LoadedPlugin{Manifest: m, State: StateDiscovered}
	h.plugins[m.ID] = lp
	h.mu.Unlock()

	if h.userDisabled(ctx, m.ID) {
		h.mu.Lock()
		lp.State = StateDisabled
		h.mu.Unlock()
		return
	}
	if err := h.activate(ctx, m.ID); err != nil {
		h.logger.Warn("plugin activation failed", zap.String("plugin_id", m.ID), zap.Error(err))
	}
}

// disabledFlagKey lives outside the "plugin:<id>:" namespace a plugin's own
// api.settings.getAll() reads, so the host's disabled bookkeeping is never
// visible to the plugin it's tracking (spec §4.5's settings namespacing is
// "a plugin may never read or write keys outside its own prefix" — this
// key must equally never appear *inside* it).
func disabledFlagKey(id string) string {
	return "host:" + id + events.PluginUserDisabledSuffix
}

func (h *Host) userDisabled(ctx context.Context, id string) bool {
	if h.store == nil {
		return false
	}
	v, ok, _ := h.store.SettingsGet(ctx, disabledFlagKey(id))
	return ok && v == "true"
}

// activate builds the plugin's scoped API and calls its factory + Activate,
// deduped via singleflight so concurrent Enable calls for the same id
// never race two live instances into existence.
func (h *Host) activate(ctx context.Context, id string) error {
	_, err, _ := h.loadGroup.Do(id, func() (interface{}, error) {
		h.mu.RLock()
		lp, ok := h.plugins[id]
		h.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("plugin %q not discovered", id)
		}

		factory, ok := lookup(id)
		if !ok {
			h.markError(id, "no compiled-in plugin registered for this id")
			return nil, fmt.Errorf("no compiled-in plugin registered for id %q", id)
		}

		instance := factory()
		api, releases := h.buildAPI(lp.Manifest)
		if err := instance.Activate(api); err != nil {
			h.releaseAll(releases)
			h.markError(id, err.Error())
			return nil, fmt.Errorf("activate plugin %q: %w", id, err)
		}

		h.mu.Lock()
		lp.instance = instance
		lp.releases = releases
		lp.State = StateActive
		lp.ErrorMessage = ""
		h.mu.Unlock()
		h.logger.Info("plugin activated", zap.String("plugin_id", id))
		return nil, nil
	})
	return err
}

func (h *Host) markError(id, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lp, ok := h.plugins[id]; ok {
		lp.State = StateError
		lp.ErrorMessage = message
	}
}

func (h *Host) releaseAll(releases []func()) {
	for _, r := range releases {
		r()
	}
}

// buildAPI constructs the capability-scoped API for a manifest, leaving
// every namespace the manifest didn't request permission for nil.
func (h *Host) buildAPI(m *Manifest) (*API, []func()) {
	releases := make([]func(), 0, 4)

	api := &API{
		Maestro: MaestroInfo{
			Version:   "1.0.0",
			Platform:  "server",
			PluginID:  m.ID,
			PluginDir: filepath.Join(h.cfg.Dir, m.ID),
			DataDir:   filepath.Join(h.cfg.Dir, m.ID, "data"),
		},
		IPCBridge: &IPCBridgeAPI{pluginID: m.ID, bus: h.bus, releases: &releases},
	}

	if m.HasPermission(PermissionProcessRead) {
		api.Process = &ProcessAPI{supervisor: h.supervisor, bus: h.bus, releases: &releases}
	}
	if m.HasPermission(PermissionProcessWrite) {
		api.ProcessControl = &ProcessControlAPI{pluginID: m.ID, supervisor: h.supervisor, logger: h.logger}
	}
	if m.HasPermission(PermissionStatsRead) {
		api.Stats = &StatsAPI{supervisor: h.supervisor, bus: h.bus, releases: &releases}
	}
	if m.HasPermission(PermissionSettingsRead) || m.HasPermission(PermissionSettingsWrite) {
		api.Settings = &SettingsAPI{
			pluginID: m.ID,
			store:    h.store,
			canRead:  m.HasPermission(PermissionSettingsRead),
			canWrite: m.HasPermission(PermissionSettingsWrite),
		}
	}
	if m.HasPermission(PermissionStorage) {
		api.Storage = &StorageAPI{dataDir: api.Maestro.DataDir}
	}
	if m.HasPermission(PermissionNotifications) {
		api.Notifications = &NotificationsAPI{pluginID: m.ID, logger: h.logger}
	}

	return api, releases
}

// Enable activates a discovered-but-inactive or previously-disabled
// plugin, clearing the user-disabled flag.
func (h *Host) Enable(ctx context.Context, id string) error {
	h.mu.RLock()
	_, ok := h.plugins[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %q not found", id)
	}
	if h.store != nil {
		if err := h.store.SettingsDelete(ctx, disabledFlagKey(id)); err != nil {
			return fmt.Errorf("clear disabled flag for %q: %w", id, err)
		}
	}
	return h.activate(ctx, id)
}

// Disable deactivates an active plugin and records that the user opted
// out, so a later DiscoverAndActivate never silently re-enables it.
func (h *Host) Disable(ctx context.Context, id string) error {
	h.mu.Lock()
	lp, ok := h.plugins[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("plugin %q not found", id)
	}
	instance := lp.instance
	releases := lp.releases
	lp.instance = nil
	lp.releases = nil
	lp.State = StateDisabled
	lp.ErrorMessage = ""
	h.mu.Unlock()

	h.releaseAll(releases)
	if instance != nil {
		if err := instance.Deactivate(); err != nil {
			h.logger.Warn("plugin deactivation error", zap.String("plugin_id", id), zap.Error(err))
		}
	}
	if h.store != nil {
		if err := h.store.SettingsSet(ctx, disabledFlagKey(id), "true"); err != nil {
			return fmt.Errorf("record disabled flag for %q: %w", id, err)
		}
	}
	return nil
}

// List returns every discovered plugin's current status.
func (h *Host) List() []Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Status, 0, len(h.plugins))
	for _, lp := range h.plugins {
		out = append(out, Status{
			ID:           lp.Manifest.ID,
			Name:         lp.Manifest.Name,
			Version:      lp.Manifest.Version,
			State:        lp.State,
			ErrorMessage: lp.ErrorMessage,
			FirstParty:   lp.Manifest.FirstParty,
		})
	}
	return out
}

// Settings exposes get/set over a plugin's namespace for the IPC surface
// (spec §6's plugins:get-settings/set-setting), independent of whether
// that plugin itself requested settings:read/write for its own API object.
func (h *Host) SettingsGetAll(ctx context.Context, id string) (map[string]string, error) {
	if h.store == nil {
		return nil, fmt.Errorf("plugin host: no store configured")
	}
	return h.store.SettingsGetAllByPrefix(ctx, events.PluginSettingsKey(id, ""))
}

func (h *Host) SettingsSet(ctx context.Context, id, key, value string) error {
	if h.store == nil {
		return fmt.Errorf("plugin host: no store configured")
	}
	return h.store.SettingsSet(ctx, events.PluginSettingsKey(id, key), value)
}

// Shutdown deactivates every active plugin and releases its subscriptions.
func (h *Host) Shutdown() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.plugins))
	for id, lp := range h.plugins {
		if lp.State == StateActive {
			ids = append(ids, id)
		}
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.mu.Lock()
		lp := h.plugins[id]
		instance := lp.instance
		releases := lp.releases
		lp.instance = nil
		lp.releases = nil
		h.mu.Unlock()

		h.releaseAll(releases)
		if instance != nil {
			if err := instance.Deactivate(); err != nil {
				h.logger.Warn("plugin deactivation error during shutdown", zap.String("plugin_id", id), zap.Error(err))
			}
		}
	}
}
