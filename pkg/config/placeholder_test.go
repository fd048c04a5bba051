package config

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestParsePortRangeAcceptsStartEndForm(t *testing.T) {
	r, ok := ParsePortRange("3000-3010")
	assert.True(t, ok)
	assert.Equal(t, PortRange{Start: 3000, End: 3010}, r)
	assert.Equal(t, 11, r.Size())
}

func TestParsePortRangeRejectsInvertedOrMalformed(t *testing.T) {
	for _, s := range []string{"3010-3000", "not-a-range", "3000", ""} {
		_, ok := ParsePortRange(s)
		assert.False(t, ok, s)
	}
}

func TestReplacePlaceholdersInStringSubstitutesEveryIndex(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	content := "ports:\n  - ${port.0}\n  - ${port.1}\n"
	out := ReplacePlaceholdersInString(content, "3000-3010", log)
	assert.Equal(t, "ports:\n  - 3000\n  - 3001\n", out)
}

func TestReplacePlaceholdersInStringLeavesOutOfRangeUnreplaced(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	content := "port: ${port.50}"
	out := ReplacePlaceholdersInString(content, "3000-3010", log)
	assert.Equal(t, content, out)
}

func TestReplacePlaceholdersInStringLeavesContentUnchangedOnUnparsableRange(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	content := "port: ${port.0}"
	out := ReplacePlaceholdersInString(content, "garbage", log)
	assert.Equal(t, content, out)
}

func TestReplacePlaceholdersRecursiveConvertsStringLeafToInt(t *testing.T) {
	v := MappingValue()
	v.Mapping.Set("port", StringValue("${port.1}"))
	r := PortRange{Start: 3000, End: 3010}

	ReplacePlaceholdersRecursive(v, r, logrus.NewEntry(logrus.New()))

	port, ok := v.Mapping.Get("port")
	assert.True(t, ok)
	assert.Equal(t, KindInt, port.Kind)
	assert.Equal(t, int64(3001), port.Int)
}

func TestReplacePlaceholdersRecursiveLeavesOutOfRangeAsString(t *testing.T) {
	v := MappingValue()
	v.Mapping.Set("port", StringValue("${port.50}"))
	r := PortRange{Start: 3000, End: 3010}

	ReplacePlaceholdersRecursive(v, r, logrus.NewEntry(logrus.New()))

	port, ok := v.Mapping.Get("port")
	assert.True(t, ok)
	assert.Equal(t, KindString, port.Kind)
	assert.Equal(t, "${port.50}", port.Str)
}
