package config

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vmtool/vm/pkg/storage"
	"github.com/vmtool/vm/pkg/vmerrors"
)

// PresetFile is the on-disk shape of a filesystem/plugin preset: a
// VmConfig fragment plus an optional human-readable description.
type PresetFile struct {
	Description string   `yaml:"description,omitempty"`
	Config      VmConfig `yaml:"config"`
}

// PresetDetector discovers presets from, in priority order: installed
// plugins, embedded built-ins, and a filesystem presets directory.
// Mirrors config_ops.rs's PresetDetector/load_preset_with_placeholders
// search order.
type PresetDetector struct {
	ProjectDir string
	PresetsDir string
}

func NewPresetDetector(projectDir string) *PresetDetector {
	return &PresetDetector{
		ProjectDir: projectDir,
		PresetsDir: filepath.Join(GlobalConfigDir(), "presets"),
	}
}

// ListPresets enumerates every preset name visible across all three sources.
func (d *PresetDetector) ListPresets() ([]string, error) {
	seen := map[string]bool{}
	var names []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}

	for _, n := range listEmbeddedPresetNames() {
		add(n)
	}
	if entries, err := os.ReadDir(d.PresetsDir); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if exists, _ := storage.Exists(filepath.Join(d.PresetsDir, e.Name(), "preset.yaml")); exists {
				add(e.Name())
			}
		}
	}
	plugins, _ := DiscoverPlugins()
	for _, p := range plugins {
		if p.Info.Type == PluginTypePreset {
			add(p.Info.Name)
		}
	}

	sort.Strings(names)
	return names, nil
}

// GetPresetDescription returns a preset's description for display in
// `preset --list`, if one is available.
func (d *PresetDetector) GetPresetDescription(name string) (string, bool) {
	pf, err := d.loadPresetFile(name)
	if err != nil || pf.Description == "" {
		return "", false
	}
	return pf.Description, true
}

// LoadPreset loads and parses a preset into a VmConfig without any
// placeholder substitution, used by `preset --show`.
func (d *PresetDetector) LoadPreset(name string) (*VmConfig, error) {
	pf, err := d.loadPresetFile(name)
	if err != nil {
		return nil, err
	}
	return &pf.Config, nil
}

func (d *PresetDetector) loadPresetFile(name string) (*PresetFile, error) {
	content, err := d.rawPresetContent(name)
	if err != nil {
		return nil, err
	}
	var pf PresetFile
	if err := yaml.Unmarshal([]byte(content), &pf); err != nil {
		return nil, vmerrors.Newf(vmerrors.Config, "failed to parse preset %q: %v", name, err)
	}
	// Embedded presets are a bare VmConfig fragment with no "config"
	// wrapper; parse those straight into Config.
	var top map[string]any
	if err := yaml.Unmarshal([]byte(content), &top); err == nil {
		if _, wrapped := top["config"]; !wrapped {
			if err := yaml.Unmarshal([]byte(content), &pf.Config); err != nil {
				return nil, vmerrors.Newf(vmerrors.Config, "failed to parse preset %q: %v", name, err)
			}
		}
	}
	return &pf, nil
}

// rawPresetContent returns the preset's unparsed YAML text, searching
// plugins, then embedded built-ins, then the filesystem presets
// directory, in that order.
func (d *PresetDetector) rawPresetContent(name string) (string, error) {
	plugins, _ := DiscoverPlugins()
	for _, p := range plugins {
		if p.Info.Type == PluginTypePreset && p.Info.Name == name {
			data, err := storage.ReadFile(p.ContentFile)
			if err != nil {
				return "", err
			}
			return string(data), nil
		}
	}

	if content, ok := getEmbeddedPresetContent(name); ok {
		return content, nil
	}

	fsPath := filepath.Join(d.PresetsDir, name, "preset.yaml")
	if exists, _ := storage.Exists(fsPath); exists {
		data, err := storage.ReadFile(fsPath)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	return "", vmerrors.Newf(vmerrors.NotFound, "preset %q not found", name).WithIdentifier(name)
}

// LoadPresetDocument loads a preset's content as a generic Value
// (rather than a typed VmConfig), running raw-string port-placeholder
// substitution first when portRangeStr is non-empty. This is the path
// ApplyPresets uses so the preset can be merged into an arbitrary
// partial document, not just a complete VmConfig. Mirrors
// config_ops.rs's load_preset_with_placeholders, generalized to always
// prefer the raw-string substitution path (per spec section 9's Open
// Question decision — see DESIGN.md).
func (d *PresetDetector) LoadPresetDocument(name, portRangeStr string, log *logrus.Entry) (*Value, error) {
	content, err := d.rawPresetContent(name)
	if err != nil {
		return nil, err
	}
	if portRangeStr != "" {
		content = ReplacePlaceholdersInString(content, portRangeStr, log)
	}

	var pf Value
	if err := yaml.Unmarshal([]byte(content), &pf); err != nil {
		return nil, vmerrors.Newf(vmerrors.Config, "failed to parse preset %q: %v", name, err)
	}
	// PresetFile wraps the fragment under a top-level "config" key for
	// filesystem/plugin presets that include a description; embedded
	// presets are a bare VmConfig fragment. Unwrap "config" when present.
	if pf.Kind == KindMapping {
		if inner, ok := pf.Mapping.Get("config"); ok {
			return inner, nil
		}
	}
	return &pf, nil
}
