package backend

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewRegistryCreatesDefaults(t *testing.T) {
	dir := t.TempDir()

	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 default backends, got %d", len(list))
	}

	want := map[string]bool{"remote-api": true, "local-ollama": true, "local-image": true}
	for _, cfg := range list {
		if !want[cfg.ID] {
			t.Errorf("unexpected backend id %q", cfg.ID)
		}
		delete(want, cfg.ID)
	}
	if len(want) != 0 {
		t.Errorf("missing default backends: %v", want)
	}
}

func TestNewRegistryIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	if _, err := NewRegistry(dir); err != nil {
		t.Fatalf("first NewRegistry: %v", err)
	}
	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("second NewRegistry: %v", err)
	}
	if len(reg.List()) != 3 {
		t.Fatalf("expected defaults not duplicated, got %d backends", len(reg.List()))
	}
}

func TestRegistryGetReturnsClone(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	cfg := reg.Get("remote-api")
	if cfg == nil {
		t.Fatal("expected remote-api backend")
	}
	cfg.Tiers[0] = "mutated"

	again := reg.Get("remote-api")
	if again.Tiers[0] == "mutated" {
		t.Error("Get must return an independent copy")
	}
}

func TestRegistryForTier(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	matches := reg.ForTier("opus")
	if len(matches) != 1 || matches[0].ID != "remote-api" {
		t.Fatalf("expected remote-api to serve opus, got %+v", matches)
	}

	matches = reg.ForTier("ollama")
	if len(matches) != 1 || matches[0].ID != "local-ollama" {
		t.Fatalf("expected local-ollama to serve ollama tier, got %+v", matches)
	}
}

func TestNewRegistryValidationFailure(t *testing.T) {
	dir := t.TempDir()
	bad := "id: broken\nname: Broken backend\ncheck_mode: http\n"
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatalf("write broken config: %v", err)
	}

	if _, err := NewRegistry(dir); err == nil {
		t.Fatal("expected validation error for backend missing tcp_addr")
	}
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	extra := "id: extra-backend\nname: Extra backend\ncheck_mode: api_key_only\napi_key_env: EXTRA_KEY\ntiers: []\n"
	if err := os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte(extra), 0o644); err != nil {
		t.Fatalf("write extra config: %v", err)
	}

	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if reg.Get("extra-backend") == nil {
		t.Fatal("expected extra-backend after reload")
	}
}
