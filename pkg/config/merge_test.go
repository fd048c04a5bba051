package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func parseDoc(t *testing.T, yamlStr string) *Value {
	t.Helper()
	var v Value
	assert.NoError(t, yaml.Unmarshal([]byte(yamlStr), &v))
	return &v
}

func renderDoc(t *testing.T, v *Value) string {
	t.Helper()
	data, err := yaml.Marshal(v)
	assert.NoError(t, err)
	return string(data)
}

func TestMergeMappingsDeepMerge(t *testing.T) {
	base := parseDoc(t, "vm:\n  memory: 2048\n  cpus: 2\n")
	overlay := parseDoc(t, "vm:\n  cpus: 4\nterminal:\n  shell: zsh\n")

	merged := NewConfigMerger().Merge(base, overlay)

	vm, ok := merged.Mapping.Get("vm")
	assert.True(t, ok)
	memory, _ := vm.Mapping.Get("memory")
	assert.Equal(t, int64(2048), memory.Int)
	cpus, _ := vm.Mapping.Get("cpus")
	assert.Equal(t, int64(4), cpus.Int)

	_, ok = merged.Mapping.Get("terminal")
	assert.True(t, ok)
}

func TestMergeScalarOverlayWins(t *testing.T) {
	base := parseDoc(t, "provider: docker\n")
	overlay := parseDoc(t, "provider: podman\n")

	merged := NewConfigMerger().Merge(base, overlay)
	provider, _ := merged.Mapping.Get("provider")
	assert.Equal(t, "podman", provider.Str)
}

func TestMergeSequencesConcatenateWithScalarDedup(t *testing.T) {
	base := parseDoc(t, "pip_packages:\n  - requests\n  - flask\n")
	overlay := parseDoc(t, "pip_packages:\n  - flask\n  - numpy\n")

	merged := NewConfigMerger().Merge(base, overlay)
	pkgs, _ := merged.Mapping.Get("pip_packages")
	var names []string
	for _, e := range pkgs.Sequence {
		names = append(names, e.Str)
	}
	assert.Equal(t, []string{"requests", "flask", "numpy"}, names)
}

func TestMergeSequencesKeyedByNameUpdatesInPlace(t *testing.T) {
	base := parseDoc(t, "services:\n  - name: postgresql\n    port: 5432\n")
	overlay := parseDoc(t, "services:\n  - name: postgresql\n    port: 5433\n  - name: redis\n    port: 6379\n")

	merged := NewConfigMerger().Merge(base, overlay)
	services, _ := merged.Mapping.Get("services")
	assert.Len(t, services.Sequence, 2)

	first := services.Sequence[0]
	name, _ := first.Mapping.Get("name")
	port, _ := first.Mapping.Get("port")
	assert.Equal(t, "postgresql", name.Str)
	assert.Equal(t, int64(5433), port.Int)
}

func TestMergePortsRangeReplacesRatherThanConcatenates(t *testing.T) {
	base := parseDoc(t, "ports:\n  range: [3000, 3010]\n")
	overlay := parseDoc(t, "ports:\n  range: [4000, 4010]\n")

	merged := NewConfigMerger().Merge(base, overlay)
	ports, _ := merged.Mapping.Get("ports")
	rng, _ := ports.Mapping.Get("range")
	assert.Len(t, rng.Sequence, 2)
	assert.Equal(t, int64(4000), rng.Sequence[0].Int)
	assert.Equal(t, int64(4010), rng.Sequence[1].Int)
}

func TestMergePortsRangeKeepsBaseWhenOverlayEmpty(t *testing.T) {
	base := parseDoc(t, "ports:\n  range: [3000, 3010]\n")
	overlay := parseDoc(t, "ports:\n  range: []\n")

	merged := NewConfigMerger().Merge(base, overlay)
	ports, _ := merged.Mapping.Get("ports")
	rng, _ := ports.Mapping.Get("range")
	assert.Equal(t, int64(3000), rng.Sequence[0].Int)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	base := parseDoc(t, "vm:\n  cpus: 2\n")
	overlay := parseDoc(t, "vm:\n  cpus: 4\n")

	NewConfigMerger().Merge(base, overlay)

	vm, _ := base.Mapping.Get("vm")
	cpus, _ := vm.Mapping.Get("cpus")
	assert.Equal(t, int64(2), cpus.Int)
}
