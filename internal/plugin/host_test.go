package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/logger"
	bus "github.com/maestro/maestro/internal/eventbus"
	"github.com/maestro/maestro/internal/process"
	"github.com/maestro/maestro/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type fakePlugin struct {
	activated   bool
	deactivated bool
	gotAPI      *API
}

func (p *fakePlugin) Activate(api *API) error {
	p.activated = true
	p.gotAPI = api
	return nil
}

func (p *fakePlugin) Deactivate() error {
	p.deactivated = true
	return nil
}

func writeManifest(t *testing.T, dir, id, permissions string) {
	t.Helper()
	pluginDir := filepath.Join(dir, id)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	body := `{"id": "` + id + `", "name": "` + id + `", "version": "1.0.0", "main": "index.js"`
	if permissions != "" {
		body += `, "permissions": [` + permissions + `]`
	}
	body += `}`
	if err := os.WriteFile(filepath.Join(pluginDir, "manifest.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

// testPluginID derives a per-test plugin id that satisfies the manifest's
// lowercase-with-hyphens slug rule.
func testPluginID(t *testing.T) string {
	return "host-test-" + strings.ToLower(strings.ReplaceAll(t.Name(), "_", "-"))
}

func newTestHost(t *testing.T, dir string) (*Host, *fakePlugin) {
	t.Helper()
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	supervisor := process.NewSupervisor(log, eventBus, 0)
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fp := &fakePlugin{}
	Register(testPluginID(t), func() Plugin { return fp })

	host, err := NewHost(config.PluginsConfig{Dir: dir, Enabled: true}, supervisor, eventBus, st, log)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	return host, fp
}

func TestHost_DiscoverAndActivate_ActivatesRegisteredPlugin(t *testing.T) {
	dir := t.TempDir()
	id := testPluginID(t)
	writeManifest(t, dir, id, `"process:read", "settings:write"`)

	host, fp := newTestHost(t, dir)
	if err := host.DiscoverAndActivate(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	if !fp.activated {
		t.Fatal("expected plugin to be activated")
	}
	if fp.gotAPI.Process == nil {
		t.Fatal("expected process:read to grant api.Process")
	}
	if fp.gotAPI.ProcessControl != nil {
		t.Fatal("did not expect process:write to be granted")
	}
	if fp.gotAPI.Settings == nil || !fp.gotAPI.Settings.canWrite {
		t.Fatal("expected settings:write to grant api.Settings with write access")
	}

	statuses := host.List()
	if len(statuses) != 1 || statuses[0].State != StateActive {
		t.Fatalf("expected one active plugin, got %+v", statuses)
	}
}

func TestHost_DiscoverAndActivate_UnregisteredIDGoesToError(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "totally-unregistered-plugin", "")

	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	supervisor := process.NewSupervisor(log, eventBus, 0)
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	host, err := NewHost(config.PluginsConfig{Dir: dir, Enabled: true}, supervisor, eventBus, st, log)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	if err := host.DiscoverAndActivate(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	statuses := host.List()
	if len(statuses) != 1 || statuses[0].State != StateError {
		t.Fatalf("expected one errored plugin, got %+v", statuses)
	}
}

func TestHost_DisableThenEnable(t *testing.T) {
	dir := t.TempDir()
	id := testPluginID(t)
	writeManifest(t, dir, id, "")

	host, fp := newTestHost(t, dir)
	ctx := context.Background()
	if err := host.DiscoverAndActivate(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !fp.activated {
		t.Fatal("expected activation")
	}

	if err := host.Disable(ctx, id); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if !fp.deactivated {
		t.Fatal("expected deactivation")
	}
	statuses := host.List()
	if statuses[0].State != StateDisabled {
		t.Fatalf("expected disabled state, got %+v", statuses[0])
	}

	fp.activated = false
	if err := host.Enable(ctx, id); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !fp.activated {
		t.Fatal("expected re-activation")
	}
}

func TestHost_DiscoverSkipsDirectoriesWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "not-a-plugin"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	host, _ := newTestHost(t, dir)
	if err := host.DiscoverAndActivate(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(host.List()) != 0 {
		t.Fatalf("expected no plugins discovered, got %+v", host.List())
	}
}
