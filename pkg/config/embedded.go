package config

import "embed"

//go:embed presets/*.yaml
var embeddedPresetsFS embed.FS

// getEmbeddedPresetContent returns the raw YAML text of a built-in
// preset by name, or ok=false if none exists with that name. Mirrors
// config_ops.rs's embedded_presets::get_preset_content optimization:
// these are served as raw strings so placeholder substitution can run
// before any YAML parsing.
func getEmbeddedPresetContent(name string) (string, bool) {
	data, err := embeddedPresetsFS.ReadFile("presets/" + name + ".yaml")
	if err != nil {
		return "", false
	}
	return string(data), true
}

// listEmbeddedPresetNames enumerates the built-in presets for the
// `preset --list` operation.
func listEmbeddedPresetNames() []string {
	entries, err := embeddedPresetsFS.ReadDir("presets")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if len(name) > 5 && name[len(name)-5:] == ".yaml" {
			names = append(names, name[:len(name)-5])
		}
	}
	return names
}
