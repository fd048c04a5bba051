package docker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestDefaultBuildDirIsUnderTempDirNamedForProject(t *testing.T) {
	dir := DefaultBuildDir("myproj")
	assert.True(t, strings.HasPrefix(dir, os.TempDir()))
	assert.Equal(t, "myproj", filepath.Base(dir))
}

func TestParsePercentStripsPercentSign(t *testing.T) {
	v, ok := parsePercent("12.50%")
	assert.True(t, ok)
	assert.InDelta(t, 12.5, v, 0.001)
}

func TestParsePercentRejectsGarbage(t *testing.T) {
	_, ok := parsePercent("n/a")
	assert.False(t, ok)
}

func TestParseMemValueNormalizesUnitsToMB(t *testing.T) {
	v, ok := parseMemValue("1GiB")
	assert.True(t, ok)
	assert.InDelta(t, 1024, v, 0.001)

	v, ok = parseMemValue("512MiB")
	assert.True(t, ok)
	assert.InDelta(t, 512, v, 0.001)

	v, ok = parseMemValue("2048KiB")
	assert.True(t, ok)
	assert.InDelta(t, 2, v, 0.001)
}

func TestParseMemUsageSplitsUsedAndLimit(t *testing.T) {
	used, limit, ok := parseMemUsage("512MiB / 2GiB")
	assert.True(t, ok)
	assert.InDelta(t, 512, used, 0.001)
	assert.InDelta(t, 2048, limit, 0.001)
}

func TestParseMemUsageRejectsMissingSeparator(t *testing.T) {
	_, _, ok := parseMemUsage("512MiB")
	assert.False(t, ok)
}

func testProviderWithFakeEngine(t *testing.T, script string) *Provider {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-engine")
	assert.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return &Provider{
		Engine:   &Engine{Binary: path, Log: logrus.NewEntry(logrus.New())},
		Renderer: NewRenderer(),
		BuildDir: DefaultBuildDir,
		Log:      logrus.NewEntry(logrus.New()),
	}
}

func TestExistingNamesParsesPsOutput(t *testing.T) {
	p := testProviderWithFakeEngine(t, "echo myproj-dev\necho otherproj-dev\n")
	names, err := p.existingNames(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []string{"myproj-dev", "otherproj-dev"}, names)
}

func TestContainerStateMapsInspectOutput(t *testing.T) {
	cases := map[string]string{
		"running": "running",
		"paused":  "paused",
		"exited":  "stopped",
		"created": "stopped",
		"dead":    "stopped",
		"unknown": "other",
	}
	for inspectOutput, wantState := range cases {
		p := testProviderWithFakeEngine(t, "echo "+inspectOutput+"\n")
		state, err := p.containerState(context.Background(), "myproj-dev")
		assert.NoError(t, err)
		assert.Equal(t, wantState, state.String(), "inspect output %q", inspectOutput)
	}
}

func TestContainerStateAbsentWhenInspectFails(t *testing.T) {
	p := testProviderWithFakeEngine(t, "exit 1\n")
	state, err := p.containerState(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Equal(t, "absent", state.String())
}

func TestResolveInstanceNameConsultsExistingContainers(t *testing.T) {
	p := testProviderWithFakeEngine(t, "echo myproj-ci\n")
	name, err := p.ResolveInstanceName(context.Background(), "myproj", "ci")
	assert.NoError(t, err)
	assert.Equal(t, "myproj-ci", name)
}
