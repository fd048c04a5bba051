package podman

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/vmtool/vm/pkg/config"
	"github.com/vmtool/vm/pkg/provider"
	"github.com/vmtool/vm/pkg/vmerrors"
)

func TestNewProviderUsesPodmanBinaryAndCompose(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	p, err := New(log, "")
	assert.NoError(t, err)
	assert.Equal(t, "podman", p.Name())
	assert.Equal(t, "podman", p.Engine.Binary)
	assert.Equal(t, "podman compose", p.Engine.Compose)
}

func TestNewProviderWiresBindingsProbeAsEngineProber(t *testing.T) {
	p, err := New(logrus.NewEntry(logrus.New()), "unix:///nonexistent/podman.sock")
	assert.NoError(t, err)
	assert.NotNil(t, p.Provider.Prober)

	err = p.Provider.Prober(context.Background())
	assert.Error(t, err)
	assert.Equal(t, vmerrors.DependencyMissing, vmerrors.KindOf(err))
}

func TestProbeFailsAgainstUnreachableSocket(t *testing.T) {
	p, err := New(logrus.NewEntry(logrus.New()), "unix:///nonexistent/podman.sock")
	assert.NoError(t, err)

	err = p.probe(context.Background())
	assert.Error(t, err)
	assert.Equal(t, vmerrors.DependencyMissing, vmerrors.KindOf(err))
}

func TestRegisterInstallsPodmanFactory(t *testing.T) {
	Register(logrus.NewEntry(logrus.New()), "")

	p, err := provider.For(config.ProviderPodman)
	assert.NoError(t, err)
	assert.Equal(t, "podman", p.Name())
}
