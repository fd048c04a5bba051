package config

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValueKind tags a Value's dynamic type, the way the teacher's
// runtime_types.go uses explicit state enums instead of relying on
// Go's interface{} type switch alone at every call site.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindSequence
	KindMapping
)

// Value is a small safe tagged YAML tree: the generic dot-path
// get/set/unset path (spec section 4.2's "typed path access") walks
// this instead of raw interface{}, so every navigation step is an
// explicit, checkable kind rather than a panicking type assertion.
type Value struct {
	Kind     ValueKind
	Bool     bool
	Int      int64
	Float    float64
	Str      string
	Sequence []*Value
	Mapping  *OrderedMap
}

// OrderedMap preserves insertion order of mapping keys so re-marshaled
// YAML documents stay stable across a read-modify-write cycle instead
// of jittering key order on every set/unset.
type OrderedMap struct {
	keys   []string
	values map[string]*Value
}

func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: map[string]*Value{}}
}

func (m *OrderedMap) Get(key string) (*Value, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *OrderedMap) Set(key string, v *Value) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

func (m *OrderedMap) Delete(key string) bool {
	if _, exists := m.values[key]; !exists {
		return false
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

func (m *OrderedMap) Keys() []string {
	return m.keys
}

func (m *OrderedMap) Len() int {
	return len(m.keys)
}

func NullValue() *Value    { return &Value{Kind: KindNull} }
func BoolValue(b bool) *Value { return &Value{Kind: KindBool, Bool: b} }
func IntValue(i int64) *Value { return &Value{Kind: KindInt, Int: i} }
func StringValue(s string) *Value { return &Value{Kind: KindString, Str: s} }
func MappingValue() *Value {
	return &Value{Kind: KindMapping, Mapping: NewOrderedMap()}
}

// MarshalYAML implements yaml.Marshaler by converting the tagged tree
// back into plain Go values the yaml.v3 encoder already knows how to
// emit in a stable, minimal form.
func (v *Value) MarshalYAML() (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return v.Bool, nil
	case KindInt:
		return v.Int, nil
	case KindFloat:
		return v.Float, nil
	case KindString:
		return v.Str, nil
	case KindSequence:
		out := make([]interface{}, len(v.Sequence))
		for i, e := range v.Sequence {
			raw, err := e.MarshalYAML()
			if err != nil {
				return nil, err
			}
			out[i] = raw
		}
		return out, nil
	case KindMapping:
		node := &yaml.Node{Kind: yaml.MappingNode}
		for _, k := range v.Mapping.Keys() {
			child, _ := v.Mapping.Get(k)
			var keyNode, valNode yaml.Node
			if err := keyNode.Encode(k); err != nil {
				return nil, err
			}
			if err := valNode.Encode(child); err != nil {
				return nil, err
			}
			node.Content = append(node.Content, &keyNode, &valNode)
		}
		return node, nil
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler, building the tagged tree
// from a yaml.Node so that mapping key order from the source document
// survives the round trip.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			v.Kind = KindNull
			return nil
		}
		return v.UnmarshalYAML(node.Content[0])
	case yaml.ScalarNode:
		return v.unmarshalScalar(node)
	case yaml.SequenceNode:
		v.Kind = KindSequence
		v.Sequence = make([]*Value, 0, len(node.Content))
		for _, c := range node.Content {
			elem := &Value{}
			if err := elem.UnmarshalYAML(c); err != nil {
				return err
			}
			v.Sequence = append(v.Sequence, elem)
		}
		return nil
	case yaml.MappingNode:
		v.Kind = KindMapping
		v.Mapping = NewOrderedMap()
		for i := 0; i+1 < len(node.Content); i += 2 {
			var key string
			if err := node.Content[i].Decode(&key); err != nil {
				return err
			}
			val := &Value{}
			if err := val.UnmarshalYAML(node.Content[i+1]); err != nil {
				return err
			}
			v.Mapping.Set(key, val)
		}
		return nil
	case yaml.AliasNode:
		return v.UnmarshalYAML(node.Alias)
	default:
		v.Kind = KindNull
		return nil
	}
}

func (v *Value) unmarshalScalar(node *yaml.Node) error {
	if node.Tag == "!!null" || (node.Tag == "" && node.Value == "") {
		v.Kind = KindNull
		return nil
	}
	switch node.Tag {
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		v.Kind, v.Bool = KindBool, b
	case "!!int":
		i, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			v.Kind, v.Str = KindString, node.Value
			return nil
		}
		v.Kind, v.Int = KindInt, i
	case "!!float":
		f, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			v.Kind, v.Str = KindString, node.Value
			return nil
		}
		v.Kind, v.Float = KindFloat, f
	default:
		v.Kind, v.Str = KindString, node.Value
	}
	return nil
}

// String renders a scalar Value the way ConfigOps.Get prints a single
// field: bare for strings, YAML-formatted otherwise.
func (v *Value) String() string {
	if v == nil {
		return ""
	}
	switch v.Kind {
	case KindString:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindNull:
		return "null"
	default:
		data, err := yaml.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// Clone returns a deep copy of v.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case KindSequence:
		out := &Value{Kind: KindSequence, Sequence: make([]*Value, len(v.Sequence))}
		for i, e := range v.Sequence {
			out.Sequence[i] = e.Clone()
		}
		return out
	case KindMapping:
		out := MappingValue()
		for _, k := range v.Mapping.Keys() {
			child, _ := v.Mapping.Get(k)
			out.Mapping.Set(k, child.Clone())
		}
		return out
	default:
		cp := *v
		return &cp
	}
}

// ParseValue parses a YAML document (or scalar literal) into a Value,
// used by Set to interpret "4096", "true", "[a, b]" etc before falling
// back to a plain string the way config_ops.rs's set() does.
func ParseValue(s string) *Value {
	var v Value
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return StringValue(s)
	}
	if v.Kind == KindNull && s != "" && s != "null" && s != "~" {
		return StringValue(s)
	}
	return &v
}
