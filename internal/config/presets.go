package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"fireside/internal/domain"
)

// Preset is a named sampling parameter bundle from the YAML preset library.
type Preset struct {
	Name        string                `yaml:"name"`
	Description string                `yaml:"description,omitempty"`
	Sampling    domain.SamplingParams `yaml:"sampling"`
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

// DefaultPresets is the library written on first run.
func DefaultPresets() []Preset {
	precise := domain.DefaultSamplingParams()
	precise.Temperature = 0.2
	precise.TopP = 0.7

	creative := domain.DefaultSamplingParams()
	creative.Temperature = 1.1
	creative.TopP = 0.95
	creative.RepeatPenalty = 1.1

	return []Preset{
		{Name: "default", Description: "balanced sampling", Sampling: domain.DefaultSamplingParams()},
		{Name: "precise", Description: "low temperature, for factual answers", Sampling: precise},
		{Name: "creative", Description: "high temperature, for open-ended writing", Sampling: creative},
	}
}

// WriteDefaultPresets writes the default preset library to path.
func WriteDefaultPresets(path string) error {
	data, err := yaml.Marshal(presetFile{Presets: DefaultPresets()})
	if err != nil {
		return err
	}
	return writeFile(path, data, 0644)
}

// LoadPresets reads the preset library at path. Presets without a name are
// rejected; duplicate names keep the first occurrence.
func LoadPresets(path string) ([]Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("presets load: %w", err)
	}
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("presets parse: %w", err)
	}

	seen := make(map[string]bool, len(file.Presets))
	out := make([]Preset, 0, len(file.Presets))
	for _, p := range file.Presets {
		if p.Name == "" {
			return nil, fmt.Errorf("presets parse: preset without a name")
		}
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// FindPreset returns the preset with the given name.
func FindPreset(presets []Preset, name string) (Preset, bool) {
	for _, p := range presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}
