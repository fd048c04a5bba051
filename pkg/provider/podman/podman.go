// Package podman implements the Provider contract against Podman.
// Podman's compose plugin and CLI surface (`podman`, `podman compose`)
// are drop-in compatible with docker's for the subset this system
// drives, so this package composes pkg/provider/docker's Renderer and
// Provider rather than re-implementing the 11-phase lifecycle: only
// the daemon-reachability probe (via
// github.com/containers/podman/v5's bindings, since `podman info`'s
// exit behavior on a stopped machine is less uniform across platforms
// than Docker's) and the CLI binary name differ.
package podman

import (
	"context"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/sirupsen/logrus"

	"github.com/vmtool/vm/pkg/config"
	"github.com/vmtool/vm/pkg/provider"
	"github.com/vmtool/vm/pkg/provider/docker"
	"github.com/vmtool/vm/pkg/vmerrors"
)

// Provider wraps docker.Provider with a podman-flavored Engine and the
// bindings socket used for reachability checks.
type Provider struct {
	*docker.Provider
	socket string
}

func New(log *logrus.Entry, socket string) (*Provider, error) {
	engine := &docker.Engine{Log: log, Binary: "podman", Compose: "podman compose"}
	p := &Provider{socket: socket}
	p.Provider = &docker.Provider{
		Engine:   engine,
		Renderer: docker.NewRenderer(),
		BuildDir: docker.DefaultBuildDir,
		Log:      log,
		Prober:   p.probe,
	}
	return p, nil
}

func (p *Provider) Name() string { return "podman" }

// probe connects via the podman bindings socket to confirm the
// podman machine/service is reachable. Installed as the embedded
// docker.Provider's Prober in New, so Create's phase-1 reachability
// check goes through bindings instead of the CLI-based
// docker.Engine.Probe (podman's Engine has no SDK client configured,
// only a CLI binary name, and `podman info`'s exit code on a stopped
// machine is less uniform across platforms than `docker info`'s).
func (p *Provider) probe(ctx context.Context) error {
	conn, err := bindings.NewConnection(ctx, p.socket)
	if err != nil {
		return vmerrors.Wrap(vmerrors.DependencyMissing, err, "podman service unreachable").
			WithHint("run `podman machine start`, or check podman.sock permissions")
	}
	_ = conn
	return nil
}

// Register installs the podman provider factory, binding it to the
// bindings socket used for reachability probes (e.g.
// "unix:///run/user/1000/podman/podman.sock"; empty uses the
// CONTAINER_HOST env var / platform default via bindings.NewConnection).
func Register(log *logrus.Entry, socket string) {
	provider.RegisterFactory(config.ProviderPodman, func() provider.Provider {
		p, err := New(log, socket)
		if err != nil {
			log.WithError(err).Error("podman provider unavailable")
		}
		return p
	})
}
