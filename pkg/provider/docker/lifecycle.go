package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vmtool/vm/pkg/config"
	"github.com/vmtool/vm/pkg/provider"
	"github.com/vmtool/vm/pkg/storage"
	"github.com/vmtool/vm/pkg/validation"
	"github.com/vmtool/vm/pkg/vmerrors"
)

const readinessAttempts = 30
const readinessInterval = 2 * time.Second

// Provider implements provider.Provider against the Docker engine,
// driving `docker compose` through Engine. Grounded on
// original_source's vm-provider/src/docker/{lifecycle.rs,
// lifecycle/creation.rs}, with the exec-wrapping style taken from the
// teacher's OSCommand (pkg/commands/os.go).
type Provider struct {
	Engine   *Engine
	Renderer *Renderer
	BuildDir func(project string) string
	Log      *logrus.Entry

	// Prober overrides the phase-1 reachability check Create runs
	// before touching the engine. Defaults to Engine.Probe; the podman
	// provider swaps this for a bindings-socket probe since
	// podman's CLI exit behavior is less uniform across platforms.
	Prober func(ctx context.Context) error
}

func New(log *logrus.Entry) (*Provider, error) {
	engine, err := NewEngine(log)
	if err != nil {
		return nil, err
	}
	return &Provider{
		Engine:   engine,
		Renderer: NewRenderer(),
		BuildDir: defaultBuildDir,
		Log:      log,
	}, nil
}

func defaultBuildDir(project string) string {
	return DefaultBuildDir(project)
}

// DefaultBuildDir is the build-context directory for a project,
// exported so sibling provider packages (podman) that compose this
// Provider can reuse it.
func DefaultBuildDir(project string) string {
	return filepath.Join(os.TempDir(), "vm-build", project)
}

// probe runs the configured Prober, falling back to the engine's own
// reachability check when the provider didn't set one.
func (p *Provider) probe(ctx context.Context) error {
	if p.Prober != nil {
		return p.Prober(ctx)
	}
	return p.Engine.Probe(ctx)
}

func (p *Provider) Name() string { return "docker" }

func (p *Provider) SupportsMultiInstance() bool { return true }

func (p *Provider) ResolveInstanceName(ctx context.Context, project, instance string) (string, error) {
	names, err := p.existingNames(ctx)
	if err != nil {
		return "", err
	}
	return provider.ResolveInstanceName(names, project, instance)
}

func (p *Provider) existingNames(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, p.Engine.Binary, "ps", "-a", "--format", "{{.Names}}").Output()
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.Provider, err, "list containers")
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (p *Provider) containerState(ctx context.Context, name string) (provider.State, error) {
	out, err := exec.CommandContext(ctx, p.Engine.Binary, "inspect", "--format", "{{.State.Status}}", name).Output()
	if err != nil {
		return provider.StateAbsent, nil
	}
	switch strings.TrimSpace(string(out)) {
	case "running":
		return provider.StateRunning, nil
	case "paused":
		return provider.StatePaused, nil
	case "exited", "created", "dead":
		return provider.StateStopped, nil
	default:
		return provider.StateOther, nil
	}
}

// Create drives the 11-phase creation process, spec section 4.1.1.
func (p *Provider) Create(ctx context.Context, cfg *config.VmConfig, pctx provider.ProviderContext, opts provider.CreateOptions) error {
	instanceName, err := p.ResolveInstanceName(ctx, cfg.Project.Name, opts.Instance)
	if err != nil {
		return err
	}

	// Phase 1: daemon reachability.
	if err := p.probe(ctx); err != nil {
		return err
	}

	// Phase 2: existing-container policy.
	state, err := p.containerState(ctx, instanceName)
	if err != nil {
		return err
	}
	if state != provider.StateAbsent {
		if !opts.Force {
			return vmerrors.Newf(vmerrors.Conflict, "instance %q already exists", instanceName).
				WithHint("run `vm start` to use it, or `vm create --force` to recreate it").
				WithIdentifier(instanceName)
		}
		if err := p.Destroy(ctx, instanceName); err != nil {
			return err
		}
	}

	// Phase 3: platform gate.
	if cfg.Worktrees.Enabled && isNativeWindows() {
		return vmerrors.New(vmerrors.Config, "worktrees are not supported on native Windows").
			WithHint("run under WSL2, or disable worktrees.enabled").
			WithField("worktrees.enabled")
	}

	// Phase 4: config transform for build. No transform is applied:
	// pip_packages reaches the build unchanged, including packages
	// whose pipx venv Renderer.Render mounts via PackageLinker, and no
	// separate list of container pipx packages is built.

	// Phase 5: build context.
	buildDir := p.BuildDir(instanceName)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return vmerrors.Wrap(vmerrors.Filesystem, err, "create build context "+buildDir)
	}

	// Phase 6: network pre-creation.
	for _, net := range cfg.Networking.Networks {
		if err := p.Engine.EnsureNetwork(ctx, net); err != nil {
			return err
		}
	}

	// Phase 7: compose render.
	doc, expectedNames, err := p.Renderer.Render(ctx, cfg, instanceName, pctx)
	if err != nil {
		return err
	}
	composeBytes, err := Marshal(doc)
	if err != nil {
		return vmerrors.Wrap(vmerrors.Internal, err, "marshal compose document")
	}
	composeFile := ConfigFilePath(buildDir)
	if err := storage.AtomicWrite(composeFile, composeBytes, 0o644); err != nil {
		return err
	}

	// Phase 8: orphaned-service check.
	if err := p.checkOrphanedServices(ctx, cfg.Project.Name, expectedNames, pctx.PreserveServices); err != nil {
		return err
	}

	// Phase 9: build.
	var buildOut bytes.Buffer
	if err := p.Engine.streamCompose(ctx, buildDir, composeFile, &buildOut, "build"); err != nil {
		return err
	}

	// Phase 10: up.
	if _, err := p.Engine.runCompose(ctx, buildDir, composeFile, "up", "-d"); err != nil {
		existing, _ := p.existingNames(ctx)
		var projectContainers []string
		for _, n := range existing {
			if strings.HasPrefix(n, ProjectContainerPrefix(cfg.Project.Name)) {
				projectContainers = append(projectContainers, n)
			}
		}
		return vmerrors.Wrap(vmerrors.Conflict, err,
			fmt.Sprintf("compose up failed; existing containers for this project: %s; try `vm destroy --force` then retry", strings.Join(projectContainers, ", "))).
			WithIdentifier(instanceName)
	}

	// Phase 11: provision.
	if err := p.provision(ctx, instanceName, cfg); err != nil {
		return err
	}

	return nil
}

func isNativeWindows() bool {
	if os.Getenv("WSL_DISTRO_NAME") != "" {
		return false
	}
	return strings.EqualFold(os.Getenv("OS"), "Windows_NT")
}

// checkOrphanedServices implements spec section 4.1.1 phase 8: detect
// running containers matching known service names for this project
// that the current render doesn't expect, without flagging other
// instances of the same project.
func (p *Provider) checkOrphanedServices(ctx context.Context, project string, expectedNames []string, preserveServices bool) error {
	existing, err := p.existingNames(ctx)
	if err != nil {
		return err
	}
	expected := map[string]bool{}
	for _, n := range expectedNames {
		expected[n] = true
	}

	var orphans []string
	for _, n := range existing {
		if !strings.HasPrefix(n, ProjectContainerPrefix(project)) {
			continue
		}
		if expected[n] {
			continue
		}
		state, _ := p.containerState(ctx, n)
		if state == provider.StateRunning {
			orphans = append(orphans, n)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	sort.Strings(orphans)
	if preserveServices {
		p.Log.Warnf("reusing existing service containers: %s", strings.Join(orphans, ", "))
		return nil
	}
	return vmerrors.Newf(vmerrors.Conflict, "conflicting service containers already running: %s", strings.Join(orphans, ", ")).
		WithHint("stop them manually, or set preserve_services: true").
		WithIdentifier(strings.Join(orphans, ","))
}

// provision copies a sanitized JSON copy of cfg into the container,
// polls for readiness, then invokes the in-container provisioner.
func (p *Provider) provision(ctx context.Context, instanceName string, cfg *config.VmConfig) error {
	sanitized, err := json.Marshal(cfg)
	if err != nil {
		return vmerrors.Wrap(vmerrors.Internal, err, "serialize effective config")
	}
	tmpFile := filepath.Join(os.TempDir(), instanceName+"-vm-config.json")
	if err := storage.AtomicWrite(tmpFile, sanitized, 0o600); err != nil {
		return err
	}
	defer os.Remove(tmpFile)

	if err := exec.CommandContext(ctx, p.Engine.Binary, "cp", tmpFile, instanceName+":/etc/vm/config.json").Run(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, "copy config into container")
	}

	ready := false
	for i := 0; i < readinessAttempts; i++ {
		if err := exec.CommandContext(ctx, p.Engine.Binary, "exec", instanceName, "true").Run(); err == nil {
			ready = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessInterval):
		}
	}
	if !ready {
		return vmerrors.Newf(vmerrors.Provider, "instance %q did not become ready after %d attempts", instanceName, readinessAttempts)
	}

	if err := exec.CommandContext(ctx, p.Engine.Binary, "exec", instanceName, "/etc/vm/provision.sh").Run(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, "run provisioner")
	}
	return nil
}

func (p *Provider) Start(ctx context.Context, instance string) error {
	if err := exec.CommandContext(ctx, p.Engine.Binary, "start", instance).Run(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, "start "+instance)
	}
	return nil
}

func (p *Provider) Stop(ctx context.Context, instance string) error {
	state, err := p.containerState(ctx, instance)
	if err != nil {
		return err
	}
	if state == provider.StateAbsent {
		return vmerrors.Newf(vmerrors.NotFound, "instance %q does not exist", instance).WithIdentifier(instance)
	}
	if err := exec.CommandContext(ctx, p.Engine.Binary, "stop", instance).Run(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, "stop "+instance)
	}
	return nil
}

func (p *Provider) Restart(ctx context.Context, instance string) error {
	if err := p.Stop(ctx, instance); err != nil {
		return err
	}
	return p.Start(ctx, instance)
}

func (p *Provider) Kill(ctx context.Context, instance string) error {
	if err := exec.CommandContext(ctx, p.Engine.Binary, "kill", instance).Run(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, "kill "+instance)
	}
	return nil
}

func (p *Provider) Destroy(ctx context.Context, instance string) error {
	if err := exec.CommandContext(ctx, p.Engine.Binary, "rm", "-f", instance).Run(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, "destroy "+instance)
	}
	return nil
}

func (p *Provider) SSH(ctx context.Context, instance, relativePath string) error {
	workdir := "/workspace"
	if relativePath != "" {
		if err := validation.ValidateSafePath(relativePath); err != nil {
			return vmerrors.Wrap(vmerrors.Validation, err, "ssh path")
		}
		workdir = filepath.Join(workdir, relativePath)
	}
	cmd := exec.CommandContext(ctx, p.Engine.Binary, "exec", "-it", "-w", workdir, instance, "bash", "-l")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, "ssh into "+instance)
	}
	return nil
}

func (p *Provider) Exec(ctx context.Context, instance string, argv []string) error {
	args := append([]string{"exec", instance}, argv...)
	cmd := exec.CommandContext(ctx, p.Engine.Binary, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, "exec in "+instance)
	}
	return nil
}

func (p *Provider) Logs(ctx context.Context, instance string, out io.Writer) error {
	cmd := exec.CommandContext(ctx, p.Engine.Binary, "logs", instance)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, "logs for "+instance)
	}
	return nil
}

func (p *Provider) Status(ctx context.Context, instance string) (provider.State, error) {
	return p.containerState(ctx, instance)
}

func (p *Provider) GetStatusReport(ctx context.Context, instance string) (*provider.StatusReport, error) {
	out, err := exec.CommandContext(ctx, p.Engine.Binary, "stats", "--no-stream", "--format", "{{json .}}", instance).Output()
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.Provider, err, "stats for "+instance)
	}
	var raw struct {
		CPUPerc string `json:"CPUPerc"`
		MemUsage string `json:"MemUsage"`
	}
	report := &provider.StatusReport{}
	if err := json.Unmarshal(out, &raw); err == nil {
		if cpu, ok := parsePercent(raw.CPUPerc); ok {
			report.CPUPercent = &cpu
		}
		if used, limit, ok := parseMemUsage(raw.MemUsage); ok {
			report.MemoryUsedMB = &used
			report.MemoryLimitMB = &limit
		}
	}
	return report, nil
}

func parsePercent(s string) (float64, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	var v float64
	if _, err := fmt.Sscanf(s, "%f", &v); err != nil {
		return 0, false
	}
	return v, true
}

func parseMemUsage(s string) (used, limit float64, ok bool) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	u, uok := parseMemValue(parts[0])
	l, lok := parseMemValue(parts[1])
	return u, l, uok && lok
}

func parseMemValue(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	var v float64
	var unit string
	if _, err := fmt.Sscanf(s, "%f%s", &v, &unit); err != nil {
		return 0, false
	}
	switch strings.ToLower(unit) {
	case "gib", "gb":
		return v * 1024, true
	case "mib", "mb":
		return v, true
	case "kib", "kb":
		return v / 1024, true
	default:
		return v, true
	}
}

func (p *Provider) List(ctx context.Context) ([]provider.InstanceInfo, error) {
	out, err := exec.CommandContext(ctx, p.Engine.Binary, "ps", "-a", "--format", "{{.Names}}\t{{.ID}}\t{{.Status}}").Output()
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.Provider, err, "list instances")
	}
	var infos []provider.InstanceInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			continue
		}
		name, id, status := fields[0], fields[1], fields[2]
		state := provider.StateStopped
		if strings.HasPrefix(status, "Up") {
			state = provider.StateRunning
		} else if strings.Contains(strings.ToLower(status), "paused") {
			state = provider.StatePaused
		}
		project := name
		if idx := strings.LastIndex(name, "-"); idx > 0 {
			project = name[:idx]
		}
		infos = append(infos, provider.InstanceInfo{
			Name:     name,
			Provider: p.Name(),
			Status:   state,
			ID:       id,
			Uptime:   status,
			Project:  project,
		})
	}
	return infos, nil
}

// AsTempProvider returns this Provider itself: it implements
// UpdateMounts directly (in this file).
func (p *Provider) AsTempProvider() (provider.TempMountUpdater, bool) {
	return p, true
}

// UpdateMounts stops the container, re-renders compose with the new
// mounts, recreates, and restarts, polling readiness — spec section
// 4.1.3's hot-reload contract.
func (p *Provider) UpdateMounts(ctx context.Context, instance string, cfg *config.VmConfig, mounts []provider.MountSpec) error {
	if err := p.Stop(ctx, instance); err != nil && vmerrors.KindOf(err) != vmerrors.NotFound {
		return err
	}

	extra := cfg.ExtraConfig
	if extra == nil {
		extra = map[string]any{}
	}
	mountStrs := make([]string, 0, len(mounts))
	for _, m := range mounts {
		perm := "rw"
		if m.ReadOnly {
			perm = "ro"
		}
		mountStrs = append(mountStrs, fmt.Sprintf("%s:%s:%s", m.Source, m.Target, perm))
	}
	extra["temp_mounts"] = mountStrs
	cfg.ExtraConfig = extra

	pctx := provider.ProviderContext{}
	doc, _, err := p.Renderer.Render(ctx, cfg, instance, pctx)
	if err != nil {
		return err
	}
	for _, m := range mounts {
		svc := doc.Services[instance]
		perm := "rw"
		if m.ReadOnly {
			perm = "ro"
		}
		svc.Volumes = append(svc.Volumes, fmt.Sprintf("%s:%s:%s", m.Source, m.Target, perm))
	}

	composeBytes, err := Marshal(doc)
	if err != nil {
		return vmerrors.Wrap(vmerrors.Internal, err, "marshal compose document")
	}
	buildDir := p.BuildDir(instance)
	composeFile := ConfigFilePath(buildDir)
	if err := storage.AtomicWrite(composeFile, composeBytes, 0o644); err != nil {
		return err
	}

	if _, err := p.Engine.runCompose(ctx, buildDir, composeFile, "up", "-d", "--force-recreate"); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, "recreate "+instance+" with updated mounts")
	}

	for i := 0; i < readinessAttempts; i++ {
		if state, _ := p.containerState(ctx, instance); state == provider.StateRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessInterval):
		}
	}
	return vmerrors.Newf(vmerrors.Provider, "instance %q did not become ready after mount update", instance)
}
