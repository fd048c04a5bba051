package config

// ConfigMerger applies the layered-YAML merge semantics of spec
// section 4.2: mappings deep-merge, sequences concatenate with
// duplicate suppression, scalars let the overlay win, and the
// `ports.range` field is special-cased to replace-or-keep rather than
// concatenate. Grounded on yaml_ops.rs's deep_merge_values, generalized
// from "overlay always wins outright on any non-mapping pairing" to
// the richer per-field rules spec section 4.2 calls for.
type ConfigMerger struct {
	// SequenceKeyFields names, per dot-path, which mapping field
	// within a sequence element is its identity key for dedup (e.g.
	// "services" sequences are keyed by "name"). A path absent from
	// this map falls back to scalar-identity dedup for scalar
	// elements and no dedup for mapping elements without a key field.
	SequenceKeyFields map[string]string
}

// NewConfigMerger returns a ConfigMerger configured with the identity
// keys spec section 3's data model implies: service collections are
// keyed by name, package lists are keyed by the package string itself.
func NewConfigMerger() *ConfigMerger {
	return &ConfigMerger{
		SequenceKeyFields: map[string]string{
			"services": "name",
			"networking.networks": "",
		},
	}
}

// Merge returns base overlaid with overlay per the rules above. Base
// and overlay are not mutated; Merge clones as needed.
func (m *ConfigMerger) Merge(base, overlay *Value) *Value {
	return m.mergeAt("", base, overlay)
}

func (m *ConfigMerger) mergeAt(path string, base, overlay *Value) *Value {
	if overlay == nil {
		return base.Clone()
	}
	if base == nil {
		return overlay.Clone()
	}

	if path == "ports.range" {
		return mergePortsRange(base, overlay)
	}

	switch {
	case base.Kind == KindMapping && overlay.Kind == KindMapping:
		return m.mergeMappings(path, base, overlay)
	case base.Kind == KindSequence && overlay.Kind == KindSequence:
		return m.mergeSequences(path, base, overlay)
	default:
		// Scalars, or a kind mismatch: the overlay wins outright,
		// matching deep_merge_values's catch-all arm.
		return overlay.Clone()
	}
}

func (m *ConfigMerger) mergeMappings(path string, base, overlay *Value) *Value {
	result := base.Clone()
	for _, key := range overlay.Mapping.Keys() {
		overlayChild, _ := overlay.Mapping.Get(key)
		childPath := key
		if path != "" {
			childPath = path + "." + key
		}
		if baseChild, ok := result.Mapping.Get(key); ok {
			result.Mapping.Set(key, m.mergeAt(childPath, baseChild, overlayChild))
		} else {
			result.Mapping.Set(key, overlayChild.Clone())
		}
	}
	return result
}

func (m *ConfigMerger) mergeSequences(path string, base, overlay *Value) *Value {
	keyField, hasKeyField := m.SequenceKeyFields[path]

	result := &Value{Kind: KindSequence}
	seenScalar := map[string]bool{}
	seenKeyed := map[string]int{} // key -> index in result.Sequence

	appendElem := func(elem *Value) {
		if hasKeyField && keyField != "" && elem.Kind == KindMapping {
			keyVal, ok := elem.Mapping.Get(keyField)
			if ok {
				key := keyVal.String()
				if idx, exists := seenKeyed[key]; exists {
					result.Sequence[idx] = elem.Clone()
					return
				}
				seenKeyed[key] = len(result.Sequence)
				result.Sequence = append(result.Sequence, elem.Clone())
				return
			}
		}
		if elem.Kind != KindMapping && elem.Kind != KindSequence {
			id := elem.String()
			if seenScalar[id] {
				return
			}
			seenScalar[id] = true
		}
		result.Sequence = append(result.Sequence, elem.Clone())
	}

	for _, e := range base.Sequence {
		appendElem(e)
	}
	for _, e := range overlay.Sequence {
		appendElem(e)
	}
	return result
}

// mergePortsRange implements spec section 4.2's special case: the
// overlay's range replaces the base's when present and non-empty,
// else the base's range is kept. Neither side is deep-merged or
// concatenated.
func mergePortsRange(base, overlay *Value) *Value {
	if overlay.Kind == KindSequence && len(overlay.Sequence) > 0 {
		return overlay.Clone()
	}
	return base.Clone()
}
