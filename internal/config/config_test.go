package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.ListenAddr != want.ListenAddr || cfg.Auth.Method != want.Auth.Method {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.ListenAddr = ":9999"
	cfg.Auth.Method = "TOKEN"
	cfg.Auth.StaticToken = "secret"
	cfg.Shells.AllowedShells = []string{"/bin/zsh"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ListenAddr != ":9999" || got.Auth.Method != "TOKEN" || got.Auth.StaticToken != "secret" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Shells.AllowedShells) != 1 || got.Shells.AllowedShells[0] != "/bin/zsh" {
		t.Fatalf("allowed shells mismatch: %+v", got.Shells)
	}
}

func TestWatchFileDeliversSafeSubsetOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	changes := make(chan SafeSubset, 4)
	w, err := WatchFile(path, func(s SafeSubset) { changes <- s })
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer w.Close()

	cfg.Shells.AllowedShells = []string{"/bin/bash"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	select {
	case got := <-changes:
		if len(got.Shells.AllowedShells) != 1 || got.Shells.AllowedShells[0] != "/bin/bash" {
			t.Fatalf("expected updated allowed shells, got %+v", got.Shells)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
