package config

import (
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vmtool/vm/pkg/storage"
	"github.com/vmtool/vm/pkg/vmerrors"
)

// Ops bundles the config/preset file operations of spec section 4.2
// (set/get/unset/clear/preset) behind a logger, mirroring the
// teacher's pattern of handing each command-layer object a
// *logrus.Entry at construction (commands.NewOSCommand(log, ...)).
// This package deliberately returns data rather than printing it —
// presentation is the out-of-scope CLI layer's job.
type Ops struct {
	log    *logrus.Entry
	merger *ConfigMerger
}

func NewOps(log *logrus.Entry) *Ops {
	return &Ops{log: log, merger: NewConfigMerger()}
}

func loadDocument(path string) (*Value, error) {
	exists, err := storage.Exists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return MappingValue(), nil
	}
	data, err := storage.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v Value
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, vmerrors.Wrap(vmerrors.Config, err, "parse YAML document")
	}
	if v.Kind == KindNull {
		return MappingValue(), nil
	}
	return &v, nil
}

func writeDocument(path string, v *Value) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return vmerrors.Wrap(vmerrors.Config, err, "serialize YAML document")
	}
	return storage.AtomicWrite(path, data, 0o644)
}

// SetResult describes the outcome of a Set call for the caller
// (CLI layer) to present.
type SetResult struct {
	Path    string
	Field   string
	Value   string
	DryRun  bool
}

// Set parses value as YAML first (permitting bool/number/sequence/
// mapping literals), falling back to a plain string, then writes it
// at field's dot path in the scope's config file. Mirrors
// config_ops.rs's ConfigOps::set.
func (o *Ops) Set(field, value string, global, dryRun bool) (*SetResult, error) {
	path, err := ConfigPath(global)
	if err != nil {
		return nil, err
	}
	doc, err := loadDocument(path)
	if err != nil {
		return nil, err
	}

	parsed := ParseValue(value)
	if err := SetField(doc, field, parsed); err != nil {
		return nil, err
	}

	if dryRun {
		return &SetResult{Path: path, Field: field, Value: value, DryRun: true}, nil
	}
	if err := writeDocument(path, doc); err != nil {
		return nil, err
	}
	return &SetResult{Path: path, Field: field, Value: value}, nil
}

// Get returns the whole document (field == "") or the value at
// field's dot path. Mirrors config_ops.rs's ConfigOps::get.
func (o *Ops) Get(field string, global bool) (*Value, error) {
	path, err := resolveExistingConfigPath(global)
	if err != nil {
		return nil, err
	}
	doc, err := loadDocument(path)
	if err != nil {
		return nil, err
	}
	if field == "" {
		return doc, nil
	}
	return GetField(doc, field)
}

func resolveExistingConfigPath(global bool) (string, error) {
	if global {
		path := GlobalConfigPath()
		exists, err := storage.Exists(path)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", vmerrors.Newf(vmerrors.NotFound, "no global configuration found at %s", path).
				WithHint("global configs are created automatically when needed")
		}
		return path, nil
	}
	return FindLocalConfig()
}

// Unset removes field's leaf from the scope's config file. Mirrors
// config_ops.rs's ConfigOps::unset.
func (o *Ops) Unset(field string, global bool) (string, error) {
	path, err := resolveExistingConfigPath(global)
	if err != nil {
		return "", err
	}
	doc, err := loadDocument(path)
	if err != nil {
		return "", err
	}
	if err := UnsetField(doc, field); err != nil {
		return "", err
	}
	if err := writeDocument(path, doc); err != nil {
		return "", err
	}
	return path, nil
}

// Clear removes the scope's config file entirely. Idempotent: a
// missing file is not an error. Mirrors config_ops.rs's
// ConfigOps::clear.
func (o *Ops) Clear(global bool) error {
	path := GlobalConfigPath()
	if !global {
		found, err := FindLocalConfig()
		if err != nil {
			// No local config to clear is not an error - clear is idempotent.
			return nil
		}
		path = found
	}
	exists, err := storage.Exists(path)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := os.Remove(path); err != nil {
		return vmerrors.Wrap(vmerrors.Filesystem, err, "remove configuration file")
	}
	return nil
}

// ApplyPresets left-folds merge(base, preset_i) across names in
// order, substituting port placeholders in each preset document
// before it's merged in. Mirrors config_ops.rs's ConfigOps::preset
// apply path (list/show are left to the preset discovery layer, see
// preset.go).
func (o *Ops) ApplyPresets(names []string, global bool, portRangeStr string, presets *PresetDetector) (*SetResult, error) {
	path, err := ConfigPath(global)
	if err != nil {
		return nil, err
	}
	base, err := loadDocument(path)
	if err != nil {
		return nil, err
	}

	result := base
	for _, name := range names {
		presetDoc, err := presets.LoadPresetDocument(name, portRangeStr, o.log)
		if err != nil {
			return nil, err
		}
		result = o.merger.Merge(result, presetDoc)
	}

	if err := validateMergedDocument(result); err != nil {
		return nil, err
	}
	if err := writeDocument(path, result); err != nil {
		return nil, err
	}
	return &SetResult{Path: path, Field: "", Value: ""}, nil
}

func validateMergedDocument(v *Value) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return vmerrors.Wrap(vmerrors.Config, err, "serialize merged document for validation")
	}
	var cfg VmConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return vmerrors.Wrap(vmerrors.Config, err, "merged document does not match VmConfig shape")
	}
	return cfg.Validate()
}
