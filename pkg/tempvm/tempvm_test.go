package tempvm

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vmtool/vm/pkg/config"
	"github.com/vmtool/vm/pkg/provider"
	"github.com/vmtool/vm/pkg/vmerrors"
)

// fakeProvider is a minimal provider.Provider double that also
// implements provider.TempMountUpdater, recording calls instead of
// driving a real engine.
type fakeProvider struct {
	createErr      error
	destroyErr     error
	updateErr      error
	destroyCalls   int
	updateCalls    int
	lastMounts     []provider.MountSpec
	supportsUpdate bool
}

func (p *fakeProvider) Create(ctx context.Context, cfg *config.VmConfig, pctx provider.ProviderContext, opts provider.CreateOptions) error {
	return p.createErr
}
func (p *fakeProvider) Start(ctx context.Context, instance string) error   { return nil }
func (p *fakeProvider) Stop(ctx context.Context, instance string) error   { return nil }
func (p *fakeProvider) Restart(ctx context.Context, instance string) error { return nil }
func (p *fakeProvider) Destroy(ctx context.Context, instance string) error {
	p.destroyCalls++
	return p.destroyErr
}
func (p *fakeProvider) Kill(ctx context.Context, instance string) error { return nil }
func (p *fakeProvider) SSH(ctx context.Context, instance, relativePath string) error {
	return nil
}
func (p *fakeProvider) Exec(ctx context.Context, instance string, argv []string) error {
	return nil
}
func (p *fakeProvider) Logs(ctx context.Context, instance string, out io.Writer) error {
	return nil
}
func (p *fakeProvider) Status(ctx context.Context, instance string) (provider.State, error) {
	return provider.StateRunning, nil
}
func (p *fakeProvider) GetStatusReport(ctx context.Context, instance string) (*provider.StatusReport, error) {
	return &provider.StatusReport{}, nil
}
func (p *fakeProvider) List(ctx context.Context) ([]provider.InstanceInfo, error) { return nil, nil }
func (p *fakeProvider) SupportsMultiInstance() bool                              { return false }
func (p *fakeProvider) ResolveInstanceName(ctx context.Context, project, instance string) (string, error) {
	return provider.SingleInstanceName(project), nil
}
func (p *fakeProvider) Name() string { return "fake" }
func (p *fakeProvider) AsTempProvider() (provider.TempMountUpdater, bool) {
	if !p.supportsUpdate {
		return nil, false
	}
	return p, true
}
func (p *fakeProvider) UpdateMounts(ctx context.Context, instance string, cfg *config.VmConfig, mounts []provider.MountSpec) error {
	p.updateCalls++
	p.lastMounts = mounts
	return p.updateErr
}

func newTestStateManager(t *testing.T) *StateManager {
	t.Helper()
	dir := t.TempDir()
	return &StateManager{Path: filepath.Join(dir, "temp-vm.json"), Lock: filepath.Join(dir, "temp-vm.json.lock")}
}

func TestParseMountDefaultsTargetAndPermission(t *testing.T) {
	src := t.TempDir()
	m, err := ParseMount(src)
	assert.NoError(t, err)
	assert.Equal(t, m.Source, m.Target)
	assert.Equal(t, ReadWrite, m.Permissions)
}

func TestParseMountWithTargetAndReadOnly(t *testing.T) {
	src := t.TempDir()
	m, err := ParseMount(src + ":/workspace:ro")
	assert.NoError(t, err)
	assert.Equal(t, "/workspace", m.Target)
	assert.Equal(t, ReadOnly, m.Permissions)
}

func TestParseMountRejectsInvalidPermission(t *testing.T) {
	_, err := ParseMount("/a:/b:bogus")
	assert.Error(t, err)
	assert.Equal(t, vmerrors.Validation, vmerrors.KindOf(err))
}

func TestParseMountRejectsEmptySpec(t *testing.T) {
	_, err := ParseMount("")
	assert.Error(t, err)
}

func TestStateManagerCreateWritesStateAndRejectsDuplicate(t *testing.T) {
	sm := newTestStateManager(t)
	prov := &fakeProvider{supportsUpdate: true}
	dir := t.TempDir()

	state, err := sm.Create(context.Background(), prov, config.ProviderDocker, dir, []string{dir + ":/workspace"}, true)
	assert.NoError(t, err)
	assert.Equal(t, "vm-temp", state.Name)
	assert.Len(t, state.Mounts, 1)

	_, err = sm.Create(context.Background(), prov, config.ProviderDocker, dir, nil, false)
	assert.Error(t, err)
	assert.Equal(t, vmerrors.Conflict, vmerrors.KindOf(err))
}

func TestStateManagerCreateRejectsDuplicateMountSources(t *testing.T) {
	sm := newTestStateManager(t)
	prov := &fakeProvider{supportsUpdate: true}
	dir := t.TempDir()

	_, err := sm.Create(context.Background(), prov, config.ProviderDocker, dir, []string{dir, dir + ":/other"}, false)
	assert.Error(t, err)
}

func TestStateManagerMountAppendsAndUpdatesProvider(t *testing.T) {
	sm := newTestStateManager(t)
	prov := &fakeProvider{supportsUpdate: true}
	dir := t.TempDir()

	_, err := sm.Create(context.Background(), prov, config.ProviderDocker, dir, nil, false)
	assert.NoError(t, err)

	extra := t.TempDir()
	state, err := sm.Mount(context.Background(), prov, extra)
	assert.NoError(t, err)
	assert.Len(t, state.Mounts, 1)
	assert.Equal(t, 1, prov.updateCalls)
}

func TestStateManagerMountFailsWhenProviderLacksTempSupport(t *testing.T) {
	sm := newTestStateManager(t)
	prov := &fakeProvider{supportsUpdate: false}
	dir := t.TempDir()

	_, err := sm.Create(context.Background(), prov, config.ProviderDocker, dir, nil, false)
	assert.NoError(t, err)

	_, err = sm.Mount(context.Background(), prov, t.TempDir())
	assert.Error(t, err)
}

func TestStateManagerUnmountRemovesMatchingMountOnly(t *testing.T) {
	sm := newTestStateManager(t)
	prov := &fakeProvider{supportsUpdate: true}
	dir := t.TempDir()
	keep := t.TempDir()
	drop := t.TempDir()

	_, err := sm.Create(context.Background(), prov, config.ProviderDocker, dir, []string{keep, drop}, false)
	assert.NoError(t, err)

	state, err := sm.Unmount(context.Background(), prov, drop, false)
	assert.NoError(t, err)
	assert.Len(t, state.Mounts, 1)
	assert.Equal(t, keep, state.Mounts[0].Source)
}

func TestStateManagerUnmountAllClearsMounts(t *testing.T) {
	sm := newTestStateManager(t)
	prov := &fakeProvider{supportsUpdate: true}
	dir := t.TempDir()

	_, err := sm.Create(context.Background(), prov, config.ProviderDocker, dir, []string{t.TempDir(), t.TempDir()}, false)
	assert.NoError(t, err)

	state, err := sm.Unmount(context.Background(), prov, "", true)
	assert.NoError(t, err)
	assert.Empty(t, state.Mounts)
}

func TestStateManagerUnmountMissingSourceErrors(t *testing.T) {
	sm := newTestStateManager(t)
	prov := &fakeProvider{supportsUpdate: true}
	dir := t.TempDir()

	_, err := sm.Create(context.Background(), prov, config.ProviderDocker, dir, nil, false)
	assert.NoError(t, err)

	_, err = sm.Unmount(context.Background(), prov, t.TempDir(), false)
	assert.Error(t, err)
	assert.Equal(t, vmerrors.NotFound, vmerrors.KindOf(err))
}

func TestStateManagerLoadWithoutCreateIsNotFound(t *testing.T) {
	sm := newTestStateManager(t)
	_, err := sm.Load()
	assert.Equal(t, vmerrors.NotFound, vmerrors.KindOf(err))
}

func TestStateManagerDestroyRemovesStateFile(t *testing.T) {
	sm := newTestStateManager(t)
	prov := &fakeProvider{supportsUpdate: true}
	dir := t.TempDir()

	_, err := sm.Create(context.Background(), prov, config.ProviderDocker, dir, nil, false)
	assert.NoError(t, err)

	assert.NoError(t, sm.Destroy(context.Background(), prov))
	assert.Equal(t, 1, prov.destroyCalls)

	_, err = sm.Load()
	assert.Equal(t, vmerrors.NotFound, vmerrors.KindOf(err))
}

func TestStateManagerDestroyWithoutStateIsANoop(t *testing.T) {
	sm := newTestStateManager(t)
	prov := &fakeProvider{supportsUpdate: true}
	assert.NoError(t, sm.Destroy(context.Background(), prov))
	assert.Equal(t, 0, prov.destroyCalls)
}
