package docker

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/vmtool/vm/pkg/config"
	"github.com/vmtool/vm/pkg/provider"
)

// Register installs the docker provider factory. Called explicitly
// from cmd/vm rather than via package init, so the CLI controls
// exactly which providers are linked in (and tests can register a
// fake in isolation without this package's side effects).
func Register(log *logrus.Entry) {
	provider.RegisterFactory(config.ProviderDocker, func() provider.Provider {
		p, err := New(log)
		if err != nil {
			return unavailableProvider{err: err}
		}
		return p
	})
}

// unavailableProvider satisfies provider.Provider when the docker
// client could not be constructed (e.g. DOCKER_HOST misconfigured),
// surfacing the DependencyMissing error from every lifecycle call
// instead of panicking at the call site.
type unavailableProvider struct{ err error }

func (u unavailableProvider) Name() string { return "docker" }
func (u unavailableProvider) SupportsMultiInstance() bool { return true }
func (u unavailableProvider) AsTempProvider() (provider.TempMountUpdater, bool) { return nil, false }
func (u unavailableProvider) ResolveInstanceName(context.Context, string, string) (string, error) {
	return "", u.err
}
func (u unavailableProvider) Create(context.Context, *config.VmConfig, provider.ProviderContext, provider.CreateOptions) error {
	return u.err
}
func (u unavailableProvider) Start(context.Context, string) error   { return u.err }
func (u unavailableProvider) Stop(context.Context, string) error    { return u.err }
func (u unavailableProvider) Restart(context.Context, string) error { return u.err }
func (u unavailableProvider) Destroy(context.Context, string) error { return u.err }
func (u unavailableProvider) Kill(context.Context, string) error    { return u.err }
func (u unavailableProvider) SSH(context.Context, string, string) error { return u.err }
func (u unavailableProvider) Exec(context.Context, string, []string) error { return u.err }
func (u unavailableProvider) Logs(context.Context, string, io.Writer) error { return u.err }
func (u unavailableProvider) Status(context.Context, string) (provider.State, error) {
	return provider.StateAbsent, u.err
}
func (u unavailableProvider) GetStatusReport(context.Context, string) (*provider.StatusReport, error) {
	return nil, u.err
}
func (u unavailableProvider) List(context.Context) ([]provider.InstanceInfo, error) {
	return nil, u.err
}
