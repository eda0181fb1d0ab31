// Package plugin implements the Plugin Host (L5): manifest discovery,
// lifecycle management, the capability-scoped API object, and the plugin
// IPC bridge described in spec §4.5.
package plugin

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// slugPattern matches the manifest id format spec §4.5 requires:
// lowercase-with-hyphens.
var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Manifest is a plugin's manifest.json, declaring its identity, entry point,
// and the capabilities it requests.
type Manifest struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Description string                 `json:"description,omitempty"`
	Author      string                 `json:"author,omitempty"`
	Main        string                 `json:"main"`
	Permissions []string               `json:"permissions,omitempty"`
	UI          map[string]interface{} `json:"ui,omitempty"`
	Settings    map[string]interface{} `json:"settings,omitempty"`
	FirstParty  bool                   `json:"firstParty,omitempty"`

	// Unknown preserves top-level fields this version doesn't recognize, so
	// round-tripping a newer manifest never silently drops data (spec §4.5's
	// "unknown top-level fields warn and are preserved").
	Unknown map[string]json.RawMessage `json:"-"`
}

var knownManifestFields = map[string]bool{
	"id": true, "name": true, "version": true, "description": true,
	"author": true, "main": true, "permissions": true, "ui": true,
	"settings": true, "firstParty": true,
}

// ParseManifest decodes and validates a manifest.json payload.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest JSON: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		unknown := make(map[string]json.RawMessage)
		for k, v := range raw {
			if !knownManifestFields[k] {
				unknown[k] = v
			}
		}
		if len(unknown) > 0 {
			m.Unknown = unknown
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the required fields, slug format, and permission names.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest missing required field: id")
	}
	if !slugPattern.MatchString(m.ID) {
		return fmt.Errorf("manifest id %q is not a lowercase-with-hyphens slug", m.ID)
	}
	if m.Name == "" {
		return fmt.Errorf("manifest missing required field: name")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest missing required field: version")
	}
	if m.Main == "" {
		return fmt.Errorf("manifest missing required field: main")
	}
	for _, p := range m.Permissions {
		if !Permission(p).IsValid() {
			return fmt.Errorf("manifest %q requests unknown permission %q", m.ID, p)
		}
	}
	return nil
}

// HasPermission reports whether the manifest requests p.
func (m *Manifest) HasPermission(p Permission) bool {
	for _, granted := range m.Permissions {
		if Permission(granted) == p {
			return true
		}
	}
	return false
}
