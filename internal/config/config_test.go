package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7600" {
		t.Fatalf("ListenAddr = %q, want :7600", cfg.ListenAddr)
	}
	if cfg.Backup.Keep != 5 {
		t.Fatalf("Backup.Keep = %d, want 5", cfg.Backup.Keep)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg, _ := Load(dir)
	cfg.ListenAddr = ":9999"
	cfg.NPC.Model = "test-model"
	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ListenAddr != ":9999" || loaded.NPC.Model != "test-model" {
		t.Fatalf("loaded = %+v, want ListenAddr=:9999 NPC.Model=test-model", loaded)
	}
}

func TestEnsureStateDirsCreatesSubdirs(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureStateDirs(dir); err != nil {
		t.Fatalf("EnsureStateDirs: %v", err)
	}
	for _, sub := range []string{"resources", "photos"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Fatalf("%s was not created as a directory: %v", sub, err)
		}
	}
}

func TestLoadOrCreateCredentialsPersistsKey(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreateCredentials(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateCredentials: %v", err)
	}
	if first.SigningKey() == nil {
		t.Fatalf("expected a signing key to be generated")
	}

	second, err := LoadOrCreateCredentials(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateCredentials (reload): %v", err)
	}
	if second.SigningKeyDER != first.SigningKeyDER {
		t.Fatalf("reloaded signing key does not match the persisted one")
	}
}
