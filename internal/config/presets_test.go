package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteDefaultPresetsAndLoad_ShouldRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	if err := WriteDefaultPresets(path); err != nil {
		t.Fatalf("WriteDefaultPresets: %v", err)
	}

	presets, err := LoadPresets(path)
	if err != nil {
		t.Fatalf("LoadPresets: %v", err)
	}
	if len(presets) != 3 {
		t.Fatalf("expected 3 default presets, got %d", len(presets))
	}

	precise, ok := FindPreset(presets, "precise")
	if !ok {
		t.Fatal("expected a 'precise' preset")
	}
	if precise.Sampling.Temperature != 0.2 {
		t.Errorf("unexpected precise temperature %f", precise.Sampling.Temperature)
	}
}

func TestLoadPresets_WhenNameMissing_ShouldReturnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	content := "presets:\n  - description: nameless\n    sampling:\n      temperature: 0.5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPresets(path); err == nil {
		t.Error("expected error for nameless preset")
	}
}

func TestLoadPresets_WhenDuplicateNames_ShouldKeepFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	content := `presets:
  - name: twin
    sampling:
      temperature: 0.1
  - name: twin
    sampling:
      temperature: 0.9
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	presets, err := LoadPresets(path)
	if err != nil {
		t.Fatalf("LoadPresets: %v", err)
	}
	if len(presets) != 1 {
		t.Fatalf("expected duplicate collapsed to 1 preset, got %d", len(presets))
	}
	if presets[0].Sampling.Temperature != 0.1 {
		t.Errorf("expected first occurrence kept, got temperature %f", presets[0].Sampling.Temperature)
	}
}

func TestLoadPresets_WhenInvalidYAML_ShouldReturnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	if err := os.WriteFile(path, []byte(":\tnot yaml"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPresets(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestFindPreset_WhenAbsent_ShouldReturnFalse(t *testing.T) {
	if _, ok := FindPreset(DefaultPresets(), "nonexistent"); ok {
		t.Error("expected lookup miss")
	}
}
