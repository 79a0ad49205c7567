package config

import (
	"os"
	"path/filepath"
	"testing"

	"fireside/internal/domain"
)

func TestWriteDefaultAndLoad_ShouldRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fireside.json")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Settings.Backend != domain.BackendInProcess {
		t.Errorf("unexpected default backend %q", cfg.Settings.Backend)
	}
	if cfg.Settings.ContextSize != 8192 {
		t.Errorf("unexpected default context size %d", cfg.Settings.ContextSize)
	}
	if cfg.Pruning != domain.DefaultPruningPolicy() {
		t.Errorf("unexpected default pruning policy %+v", cfg.Pruning)
	}
}

func TestLoad_WhenFileMissing_ShouldReturnError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_WhenInvalidJSON_ShouldReturnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_WhenSettingsInvalid_ShouldReturnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fireside.json")
	cfg := Default()
	cfg.Settings.ContextSize = 0
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for zero context size")
	}
}

func TestLoad_ShouldCleanPathFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fireside.json")
	cfg := Default()
	cfg.ChatsDir = "chats/../chats/./saved"
	cfg.Settings.WorkerPath = "./bin//fireside-worker"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ChatsDir != filepath.Clean("chats/saved") {
		t.Errorf("expected cleaned chats dir, got %q", got.ChatsDir)
	}
	if got.Settings.WorkerPath != filepath.Clean("bin/fireside-worker") {
		t.Errorf("expected cleaned worker path, got %q", got.Settings.WorkerPath)
	}
}

func TestSave_ShouldCreateParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "fireside.json")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Errorf("Load after nested save: %v", err)
	}
}

func TestSave_WhenNilConfig_ShouldReturnError(t *testing.T) {
	if err := Save(filepath.Join(t.TempDir(), "x.json"), nil); err == nil {
		t.Error("expected error for nil config")
	}
}
