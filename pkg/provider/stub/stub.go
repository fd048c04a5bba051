// Package stub provides tart/vagrant provider stubs. Spec section
// 5.1: the Provider interface stays engine-agnostic enough for a
// type-2-hypervisor backend to implement it, but only the
// docker/podman lifecycle is fully built here; tart and vagrant are a
// deliberate implementation boundary, every method returning
// provider.ErrProviderNotImplemented rather than silently no-op'ing.
package stub

import (
	"context"
	"io"

	"github.com/vmtool/vm/pkg/config"
	"github.com/vmtool/vm/pkg/provider"
)

// Provider is a stub lifecycle implementation for a named kind; its
// lifecycle methods return provider.ErrProviderNotImplemented.
type Provider struct {
	kind string
}

func (p *Provider) Name() string                  { return p.kind }
func (p *Provider) SupportsMultiInstance() bool    { return false }
func (p *Provider) AsTempProvider() (provider.TempMountUpdater, bool) { return nil, false }

func (p *Provider) ResolveInstanceName(ctx context.Context, project, instance string) (string, error) {
	return provider.SingleInstanceName(project), nil
}

func (p *Provider) Create(context.Context, *config.VmConfig, provider.ProviderContext, provider.CreateOptions) error {
	return provider.ErrProviderNotImplemented
}
func (p *Provider) Start(context.Context, string) error   { return provider.ErrProviderNotImplemented }
func (p *Provider) Stop(context.Context, string) error    { return provider.ErrProviderNotImplemented }
func (p *Provider) Restart(context.Context, string) error { return provider.ErrProviderNotImplemented }
func (p *Provider) Destroy(context.Context, string) error { return provider.ErrProviderNotImplemented }
func (p *Provider) Kill(context.Context, string) error    { return provider.ErrProviderNotImplemented }
func (p *Provider) SSH(context.Context, string, string) error { return provider.ErrProviderNotImplemented }
func (p *Provider) Exec(context.Context, string, []string) error {
	return provider.ErrProviderNotImplemented
}
func (p *Provider) Logs(context.Context, string, io.Writer) error {
	return provider.ErrProviderNotImplemented
}
func (p *Provider) Status(context.Context, string) (provider.State, error) {
	return provider.StateAbsent, provider.ErrProviderNotImplemented
}
func (p *Provider) GetStatusReport(context.Context, string) (*provider.StatusReport, error) {
	return nil, provider.ErrProviderNotImplemented
}
func (p *Provider) List(context.Context) ([]provider.InstanceInfo, error) {
	return nil, provider.ErrProviderNotImplemented
}

// Register installs the tart and vagrant stub factories.
func Register() {
	provider.RegisterFactory(config.ProviderTart, func() provider.Provider { return &Provider{kind: "tart"} })
	provider.RegisterFactory(config.ProviderVagrant, func() provider.Provider { return &Provider{kind: "vagrant"} })
}
