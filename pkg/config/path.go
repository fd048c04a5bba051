package config

import (
	"strings"

	"github.com/vmtool/vm/pkg/vmerrors"
)

// SetField sets the dot-path field in root to newValue, creating
// intermediate mappings for missing segments. Mirrors
// config_ops.rs's set_nested_field: fails when the path traverses a
// non-mapping node.
func SetField(root *Value, field string, newValue *Value) error {
	parts := strings.Split(field, ".")
	if len(parts) == 0 || (len(parts) == 1 && parts[0] == "") {
		return vmerrors.New(vmerrors.Config, "empty field path")
	}
	return setNestedField(root, parts, newValue)
}

func setNestedField(value *Value, parts []string, newValue *Value) error {
	if value.Kind != KindMapping {
		return vmerrors.New(vmerrors.Config, "cannot set field on non-object")
	}
	key := parts[0]
	if len(parts) == 1 {
		value.Mapping.Set(key, newValue)
		return nil
	}
	nested, ok := value.Mapping.Get(key)
	if !ok {
		nested = MappingValue()
		value.Mapping.Set(key, nested)
	}
	if nested.Kind != KindMapping {
		return vmerrors.Newf(vmerrors.Config, "cannot navigate path through non-object field %q", key)
	}
	return setNestedField(nested, parts[1:], newValue)
}

// GetField navigates root along field's dot path, returning a
// Config-kind error naming the missing segment when a component is
// absent, mirroring config_ops.rs's get_nested_field.
func GetField(root *Value, field string) (*Value, error) {
	parts := strings.Split(field, ".")
	current := root
	for _, part := range parts {
		if current.Kind != KindMapping {
			return nil, vmerrors.Newf(vmerrors.Config, "cannot navigate field %q on non-object", part).WithField(field)
		}
		next, ok := current.Mapping.Get(part)
		if !ok {
			return nil, vmerrors.Newf(vmerrors.Config, "field %q not found", part).WithField(field)
		}
		current = next
	}
	return current, nil
}

// UnsetField removes the leaf named by field's dot path. Mirrors
// config_ops.rs's unset_nested_field: the path must exist.
func UnsetField(root *Value, field string) error {
	parts := strings.Split(field, ".")
	return unsetNestedField(root, parts, field)
}

func unsetNestedField(value *Value, parts []string, fullField string) error {
	if value.Kind != KindMapping {
		return vmerrors.Newf(vmerrors.Config, "cannot navigate path on non-object").WithField(fullField)
	}
	key := parts[0]
	if len(parts) == 1 {
		if !value.Mapping.Delete(key) {
			return vmerrors.Newf(vmerrors.Config, "field %q not found", key).WithField(fullField)
		}
		return nil
	}
	nested, ok := value.Mapping.Get(key)
	if !ok {
		return vmerrors.Newf(vmerrors.Config, "field %q not found", key).WithField(fullField)
	}
	return unsetNestedField(nested, parts[1:], fullField)
}
