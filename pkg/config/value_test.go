package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseValueInfersScalarKinds(t *testing.T) {
	assert.Equal(t, KindBool, ParseValue("true").Kind)
	assert.Equal(t, KindInt, ParseValue("4096").Kind)
	assert.Equal(t, KindString, ParseValue("docker").Kind)
	assert.Equal(t, KindSequence, ParseValue("[a, b, c]").Kind)
}

func TestParseValueTreatsBareWordsAsStrings(t *testing.T) {
	v := ParseValue("myproj-dev")
	assert.Equal(t, KindString, v.Kind)
	assert.Equal(t, "myproj-dev", v.Str)
}

func TestValueStringRendersScalarsBare(t *testing.T) {
	assert.Equal(t, "true", BoolValue(true).String())
	assert.Equal(t, "4096", IntValue(4096).String())
	assert.Equal(t, "docker", StringValue("docker").String())
	assert.Equal(t, "null", NullValue().String())
}

func TestOrderedMapPreservesInsertionOrder(t *testing.T) {
	m := NewOrderedMap()
	m.Set("provider", StringValue("docker"))
	m.Set("project", StringValue("myproj"))
	m.Set("vm", StringValue("ignored"))
	m.Delete("vm")

	assert.Equal(t, []string{"provider", "project"}, m.Keys())
}

func TestSetFieldCreatesIntermediateMappings(t *testing.T) {
	root := MappingValue()
	assert.NoError(t, SetField(root, "services.postgresql.port", IntValue(5432)))

	v, err := GetField(root, "services.postgresql.port")
	assert.NoError(t, err)
	assert.Equal(t, int64(5432), v.Int)
}

func TestSetFieldRejectsNavigatingThroughScalar(t *testing.T) {
	root := MappingValue()
	root.Mapping.Set("provider", StringValue("docker"))

	err := SetField(root, "provider.kind", StringValue("x"))
	assert.Error(t, err)
}

func TestGetFieldMissingSegmentIsConfigError(t *testing.T) {
	root := MappingValue()
	_, err := GetField(root, "project.name")
	assert.Error(t, err)
}

func TestUnsetFieldRemovesLeafAndErrorsWhenAbsent(t *testing.T) {
	root := MappingValue()
	assert.NoError(t, SetField(root, "vm.cpus", IntValue(4)))

	assert.NoError(t, UnsetField(root, "vm.cpus"))
	assert.Error(t, UnsetField(root, "vm.cpus"))
}

func TestValueClonesDeeply(t *testing.T) {
	root := MappingValue()
	root.Mapping.Set("ports", &Value{Kind: KindSequence, Sequence: []*Value{IntValue(3000), IntValue(3001)}})

	clone := root.Clone()
	seq, _ := clone.Mapping.Get("ports")
	seq.Sequence[0] = IntValue(9999)

	orig, _ := root.Mapping.Get("ports")
	assert.Equal(t, int64(3000), orig.Sequence[0].Int)
}
