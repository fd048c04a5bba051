package config

import (
	"github.com/imdario/mergo"
	"gopkg.in/yaml.v3"

	"github.com/vmtool/vm/pkg/storage"
	"github.com/vmtool/vm/pkg/vmerrors"
)

// LoadGlobalConfig reads the global config file, applying
// DefaultGlobalConfig's defaults to any field the file leaves unset.
// Mirrors the teacher's loadUserConfigWithDefaults: start from a
// populated default struct, then let the on-disk YAML override it
// field-by-field. Where the teacher lets yaml.Unmarshal overlay
// directly onto a pre-populated struct, this merges the parsed
// document over the defaults with mergo.WithOverride: every field the
// file sets to a non-zero value replaces the default. A zero value in
// the file (e.g. `cpus: 0`) cannot be told apart from an absent field,
// so the default is kept for it.
func LoadGlobalConfig() (*GlobalConfig, error) {
	defaults := DefaultGlobalConfig()

	exists, err := storage.Exists(GlobalConfigPath())
	if err != nil {
		return nil, err
	}
	if !exists {
		return defaults, nil
	}

	data, err := storage.ReadFile(GlobalConfigPath())
	if err != nil {
		return nil, err
	}

	var fromFile GlobalConfig
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, vmerrors.Wrap(vmerrors.Config, err, "parse global config")
	}

	merged := *defaults
	if err := mergo.Merge(&merged, fromFile, mergo.WithOverride); err != nil {
		return nil, vmerrors.Wrap(vmerrors.Config, err, "apply global config defaults")
	}
	return &merged, nil
}

// WriteGlobalConfig persists cfg atomically to the global config path.
func WriteGlobalConfig(cfg *GlobalConfig) error {
	path, err := EnsureGlobalConfigPath()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return vmerrors.Wrap(vmerrors.Config, err, "serialize global config")
	}
	return storage.AtomicWrite(path, data, 0o644)
}

// LoadVmConfig reads and validates a project's vm.yaml, without any
// preset merge (that's Ops.ApplyPresets' job). Used by the provider
// core to obtain the effective configuration for a command
// invocation.
func LoadVmConfig(path string) (*VmConfig, error) {
	data, err := storage.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg VmConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, vmerrors.Wrap(vmerrors.Config, err, "parse vm.yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
