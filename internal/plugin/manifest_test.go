package plugin

import "testing"

func TestParseManifest_ValidRoundTrips(t *testing.T) {
	data := []byte(`{
		"id": "demo-plugin",
		"name": "Demo Plugin",
		"version": "1.0.0",
		"main": "index.js",
		"permissions": ["process:read", "settings:write"],
		"futureField": {"nested": true}
	}`)

	m, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "demo-plugin" || m.Name != "Demo Plugin" || m.Version != "1.0.0" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if !m.HasPermission(PermissionProcessRead) {
		t.Fatal("expected process:read permission")
	}
	if m.HasPermission(PermissionProcessWrite) {
		t.Fatal("did not expect process:write permission")
	}
	if _, ok := m.Unknown["futureField"]; !ok {
		t.Fatal("expected unrecognized top-level field to be preserved")
	}
}

func TestParseManifest_RejectsMissingRequiredFields(t *testing.T) {
	cases := []string{
		`{"name": "x", "version": "1.0.0", "main": "index.js"}`,
		`{"id": "x", "version": "1.0.0", "main": "index.js"}`,
		`{"id": "x", "name": "x", "main": "index.js"}`,
		`{"id": "x", "name": "x", "version": "1.0.0"}`,
	}
	for _, c := range cases {
		if _, err := ParseManifest([]byte(c)); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestParseManifest_RejectsBadSlug(t *testing.T) {
	data := []byte(`{"id": "Demo_Plugin!", "name": "x", "version": "1.0.0", "main": "index.js"}`)
	if _, err := ParseManifest(data); err == nil {
		t.Fatal("expected error for non-slug id")
	}
}

func TestParseManifest_RejectsUnknownPermission(t *testing.T) {
	data := []byte(`{"id": "demo", "name": "x", "version": "1.0.0", "main": "index.js", "permissions": ["root:access"]}`)
	if _, err := ParseManifest(data); err == nil {
		t.Fatal("expected error for unrecognized permission")
	}
}
