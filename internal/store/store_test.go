package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSettings_SetGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.SettingsGet(ctx, "plugin:demo:theme"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if ok {
		t.Fatal("expected key to be unset")
	}

	if err := s.SettingsSet(ctx, "plugin:demo:theme", "dark"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	value, ok, err := s.SettingsGet(ctx, "plugin:demo:theme")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || value != "dark" {
		t.Fatalf("expected (dark, true), got (%q, %v)", value, ok)
	}

	if err := s.SettingsSet(ctx, "plugin:demo:theme", "light"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	value, _, _ = s.SettingsGet(ctx, "plugin:demo:theme")
	if value != "light" {
		t.Fatalf("expected overwritten value light, got %q", value)
	}

	if err := s.SettingsDelete(ctx, "plugin:demo:theme"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := s.SettingsGet(ctx, "plugin:demo:theme"); ok {
		t.Fatal("expected key to be gone after delete")
	}
}

func TestSettings_GetAllByPrefixStripsPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SettingsSet(ctx, "plugin:demo:theme", "dark")
	_ = s.SettingsSet(ctx, "plugin:demo:autosave", "true")
	_ = s.SettingsSet(ctx, "plugin:other:theme", "light")

	all, err := s.SettingsGetAllByPrefix(ctx, "plugin:demo:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 keys scoped to plugin:demo:, got %d (%v)", len(all), all)
	}
	if all["theme"] != "dark" || all["autosave"] != "true" {
		t.Fatalf("unexpected stripped keys: %v", all)
	}
	if _, ok := all["plugin:demo:theme"]; ok {
		t.Fatal("prefix should have been stripped")
	}
}

func TestProviderErrors_CountAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordProviderError(ctx, "claude-code", "session-1", "rate limited"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := s.RecordProviderError(ctx, "claude-code", "session-2", "rate limited"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := s.RecordProviderError(ctx, "codex", "session-3", "timeout"); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	since := time.Now().Add(-time.Hour)

	count, err := s.ErrorCountSince(ctx, "claude-code", since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 claude-code errors, got %d", count)
	}

	all, err := s.AllErrorCountsSince(ctx, since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if all["claude-code"] != 2 || all["codex"] != 1 {
		t.Fatalf("unexpected aggregation: %v", all)
	}

	if err := s.ClearSessionErrors(ctx, "session-1"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	count, _ = s.ErrorCountSince(ctx, "claude-code", since)
	if count != 1 {
		t.Fatalf("expected 1 claude-code error after clearing session-1, got %d", count)
	}
}
