// Command vm is the CLI entry point: thin subcommand wiring over
// pkg/config, pkg/provider, pkg/servicemanager, pkg/tempvm and
// pkg/registry, mirroring the teacher's flat flaggy.Parse() /
// errors.Wrap(err, 0) top-level shape but generalized from one flat
// command to a subcommand tree (spec section 6's CLI surface).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/sirupsen/logrus"

	vmlog "github.com/vmtool/vm/pkg/log"
	"github.com/vmtool/vm/pkg/provider"
	"github.com/vmtool/vm/pkg/provider/docker"
	"github.com/vmtool/vm/pkg/provider/podman"
	"github.com/vmtool/vm/pkg/provider/stub"
	"github.com/vmtool/vm/pkg/registry"
	"github.com/vmtool/vm/pkg/registry/cargo"
	"github.com/vmtool/vm/pkg/registry/npm"
	"github.com/vmtool/vm/pkg/registry/pypi"
	"github.com/vmtool/vm/pkg/servicemanager"
	"github.com/vmtool/vm/pkg/tempvm"

	"github.com/vmtool/vm/pkg/config"
)

const defaultVersion = "unversioned"

const gracefulShutdownTimeout = 10 * time.Second

var version = defaultVersion

func main() {
	if version == defaultVersion {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 7 {
					version = s.Value[:7]
				}
			}
		}
	}

	cmd := newRootCommand()
	if err := cmd.run(); err != nil {
		newErr := errors.Wrap(err, 0)
		stackTrace := newErr.ErrorStack()
		if cmd.log != nil {
			cmd.log.Error(stackTrace)
		}
		color.New(color.FgRed).Fprintln(os.Stderr, err.Error())
		log.Fatalf("vm: %s", stackTrace)
	}
}

// rootCommand holds every flag value flaggy binds plus the shared
// runtime state (logger, global config) built once flags are parsed.
type rootCommand struct {
	debug     bool
	providerFlag string
	instance  string
	forceFlag bool
	allFlag   bool
	patternFlag string
	verboseFlag bool
	globalFlag  bool
	portRange   string

	positionalA string
	positionalB string

	log    *logrus.Entry
	global *config.GlobalConfig
}

func newRootCommand() *rootCommand {
	return &rootCommand{}
}

func (r *rootCommand) run() error {
	flaggy.SetName("vm")
	flaggy.SetDescription("Create, configure, and manage project development VMs")
	flaggy.Bool(&r.debug, "d", "debug", "enable debug logging")
	flaggy.String(&r.providerFlag, "p", "provider", "override the configured provider (docker, podman, tart, vagrant)")
	flaggy.SetVersion(version)

	create := flaggy.NewSubcommand("create")
	create.Description = "create and provision the instance for this project"
	create.Bool(&r.forceFlag, "f", "force", "recreate even if an instance already exists")
	create.String(&r.instance, "i", "instance", "instance name override")
	flaggy.AttachSubcommand(create, 1)

	start := lifecycleSubcommand(r, "start", "start a stopped instance")
	stop := lifecycleSubcommand(r, "stop", "stop a running instance")
	restart := lifecycleSubcommand(r, "restart", "restart an instance")
	destroy := lifecycleSubcommand(r, "destroy", "destroy an instance and release its services")
	kill := lifecycleSubcommand(r, "kill", "force-kill an instance")

	sshCmd := flaggy.NewSubcommand("ssh")
	sshCmd.Description = "open an interactive shell into the instance"
	sshCmd.AddPositionalValue(&r.positionalA, "instance", 1, false, "instance name")
	sshCmd.AddPositionalValue(&r.positionalB, "path", 2, false, "workspace-relative path to start in")
	flaggy.AttachSubcommand(sshCmd, 1)

	execCmd := flaggy.NewSubcommand("exec")
	execCmd.Description = "run a one-shot command in the instance"
	execCmd.String(&r.instance, "i", "instance", "instance name override")
	flaggy.AttachSubcommand(execCmd, 1)

	logsCmd := flaggy.NewSubcommand("logs")
	logsCmd.Description = "stream an instance's container logs"
	logsCmd.AddPositionalValue(&r.positionalA, "instance", 1, false, "instance name")
	flaggy.AttachSubcommand(logsCmd, 1)

	statusCmd := flaggy.NewSubcommand("status")
	statusCmd.Description = "show resource usage and service health for an instance"
	statusCmd.AddPositionalValue(&r.positionalA, "instance", 1, false, "instance name")
	statusCmd.Bool(&r.verboseFlag, "v", "verbose", "include per-service detail")
	flaggy.AttachSubcommand(statusCmd, 1)

	listCmd := flaggy.NewSubcommand("list")
	listCmd.Description = "list every known instance across providers"
	listCmd.Bool(&r.verboseFlag, "v", "verbose", "include per-instance detail")
	flaggy.AttachSubcommand(listCmd, 1)

	provisionCmd := flaggy.NewSubcommand("provision")
	provisionCmd.Description = "re-run provisioning against an existing instance"
	provisionCmd.AddPositionalValue(&r.positionalA, "instance", 1, false, "instance name")
	flaggy.AttachSubcommand(provisionCmd, 1)

	configCmd := flaggy.NewSubcommand("config")
	configCmd.Description = "inspect and edit vm.yaml / the global config"
	configCmd.Bool(&r.globalFlag, "g", "global", "operate on the global config instead of the project's vm.yaml")

	configGet := flaggy.NewSubcommand("get")
	configGet.AddPositionalValue(&r.positionalA, "field", 1, false, "dot path to read; whole document if omitted")
	configCmd.AttachSubcommand(configGet, 1)

	configSet := flaggy.NewSubcommand("set")
	configSet.AddPositionalValue(&r.positionalA, "field", 1, true, "dot path to write")
	configSet.AddPositionalValue(&r.positionalB, "value", 2, true, "value to write")
	configCmd.AttachSubcommand(configSet, 1)

	configUnset := flaggy.NewSubcommand("unset")
	configUnset.AddPositionalValue(&r.positionalA, "field", 1, true, "dot path to remove")
	configCmd.AttachSubcommand(configUnset, 1)

	configPreset := flaggy.NewSubcommand("preset")
	configPreset.Bool(&r.allFlag, "l", "list", "list every discoverable preset")
	configPreset.String(&r.positionalB, "s", "show", "print one preset's resolved config")
	configPreset.String(&r.portRange, "", "ports", "port range (start-end) for preset port-placeholder substitution")
	configPreset.AddPositionalValue(&r.positionalA, "names", 1, false, "comma-separated preset names to apply")
	configCmd.AttachSubcommand(configPreset, 1)

	flaggy.AttachSubcommand(configCmd, 1)

	tempCmd := flaggy.NewSubcommand("temp")
	tempCmd.Description = "manage ephemeral mount-only instances"

	tempCreate := flaggy.NewSubcommand("create")
	tempCreate.AddPositionalValue(&r.positionalA, "mounts", 1, true, "comma-separated host[:guest[:ro]] mount specs")
	tempCmd.AttachSubcommand(tempCreate, 1)
	tempMount := flaggy.NewSubcommand("mount")
	tempMount.AddPositionalValue(&r.positionalA, "mount", 1, true, "host[:guest[:ro]] mount spec to add")
	tempCmd.AttachSubcommand(tempMount, 1)
	tempUnmount := flaggy.NewSubcommand("unmount")
	tempUnmount.AddPositionalValue(&r.positionalA, "path", 1, false, "host path to remove")
	tempUnmount.Bool(&r.allFlag, "", "all", "remove every mount")
	tempCmd.AttachSubcommand(tempUnmount, 1)
	for _, name := range []string{"ssh", "start", "stop", "restart", "destroy", "status"} {
		sub := flaggy.NewSubcommand(name)
		tempCmd.AttachSubcommand(sub, 1)
	}
	tempMounts := flaggy.NewSubcommand("mounts")
	tempCmd.AttachSubcommand(tempMounts, 1)
	tempList := flaggy.NewSubcommand("list")
	tempCmd.AttachSubcommand(tempList, 1)
	flaggy.AttachSubcommand(tempCmd, 1)

	registryCmd := flaggy.NewSubcommand("registry")
	registryServe := flaggy.NewSubcommand("serve")
	addr := "127.0.0.1:8080"
	dataDir := ""
	registryServe.String(&addr, "a", "addr", "listen address")
	registryServe.String(&dataDir, "", "data-dir", "registry storage root")
	registryCmd.AttachSubcommand(registryServe, 1)
	flaggy.AttachSubcommand(registryCmd, 1)

	flaggy.Parse()

	configDir, err := config.EnsureGlobalConfigPath()
	if err != nil {
		return err
	}
	r.log = vmlog.NewLogger(r.debug, filepath.Dir(configDir), version)
	registerProviders(r.log)

	global, err := config.LoadGlobalConfig()
	if err != nil {
		return err
	}
	r.global = global

	switch {
	case create.Used:
		return r.runCreate()
	case start.Used:
		return r.runLifecycle("start")
	case stop.Used:
		return r.runLifecycle("stop")
	case restart.Used:
		return r.runLifecycle("restart")
	case destroy.Used:
		return r.runLifecycle("destroy")
	case kill.Used:
		return r.runLifecycle("kill")
	case sshCmd.Used:
		return r.runSSH()
	case execCmd.Used:
		return r.runExec()
	case logsCmd.Used:
		return r.runLogs()
	case statusCmd.Used:
		return r.runStatus()
	case listCmd.Used:
		return r.runList()
	case provisionCmd.Used:
		return r.runProvision()
	case configGet.Used:
		return r.runConfigGet()
	case configSet.Used:
		return r.runConfigSet()
	case configUnset.Used:
		return r.runConfigUnset()
	case configPreset.Used:
		return r.runConfigPreset()
	case tempCreate.Used:
		return r.runTempCreate()
	case tempMount.Used:
		return r.runTempMount()
	case tempUnmount.Used:
		return r.runTempUnmount()
	case tempList.Used, tempMounts.Used:
		return r.runTempList()
	case registryServe.Used:
		return r.runRegistryServe(addr, dataDir)
	default:
		flaggy.ShowHelpAndExit("no subcommand given")
		return nil
	}
}

// lifecycleSubcommand attaches one of start/stop/restart/destroy/kill,
// all sharing the same [instance] [--all] [--pattern] surface.
func lifecycleSubcommand(r *rootCommand, name, desc string) *flaggy.Subcommand {
	sc := flaggy.NewSubcommand(name)
	sc.Description = desc
	sc.AddPositionalValue(&r.positionalA, "instance", 1, false, "instance name; defaults to the current project's instance")
	sc.Bool(&r.allFlag, "", "all", "apply to every instance")
	sc.String(&r.patternFlag, "", "pattern", "apply to instances matching a glob")
	flaggy.AttachSubcommand(sc, 1)
	return sc
}

func registerProviders(logger *logrus.Entry) {
	docker.Register(logger)
	podman.Register(logger, os.Getenv("CONTAINER_HOST"))
	stub.Register()
}

// resolveProvider picks the provider kind from the --provider flag,
// falling back to the project's vm.yaml, then docker.
func (r *rootCommand) resolveProvider(cfg *config.VmConfig) (provider.Provider, config.ProviderKind, error) {
	kind := config.ProviderKind(r.providerFlag)
	if kind == "" && cfg != nil {
		kind = cfg.Provider
	}
	if kind == "" {
		kind = config.ProviderDocker
	}
	p, err := provider.For(kind)
	return p, kind, err
}

func (r *rootCommand) loadProjectConfig() (*config.VmConfig, error) {
	path, err := config.FindLocalConfig()
	if err != nil {
		return nil, err
	}
	return config.LoadVmConfig(path)
}

func (r *rootCommand) providerContext() provider.ProviderContext {
	mgr := servicemanager.New(r.log, filepath.Join(config.GlobalConfigDir(), "run"), r.global)
	registerServiceSpecs(mgr, r.global)
	return provider.ProviderContext{
		GlobalConfig:     r.global,
		Verbose:          r.verboseFlag,
		PreserveServices: false,
		ServiceNotifier:  mgr,
	}
}

// registerServiceSpecs wires each enabled global service to the
// subprocess that backs it; package_registry re-execs this same
// binary's `registry serve` subcommand rather than shelling out to a
// separate program, since the registry server lives in this module.
func registerServiceSpecs(mgr *servicemanager.Manager, global *config.GlobalConfig) {
	self, err := os.Executable()
	if err != nil {
		self = "vm"
	}
	for name, svc := range global.Services {
		if !svc.Enabled {
			continue
		}
		var cmd []string
		switch name {
		case "package_registry":
			cmd = []string{self, "registry", "serve", "--addr", fmt.Sprintf("127.0.0.1:%d", svc.Port)}
		default:
			continue
		}
		mgr.RegisterSpec(servicemanager.ServiceSpec{Name: name, Command: cmd, Port: svc.Port})
	}
}

func (r *rootCommand) runCreate() error {
	cfg, err := r.loadProjectConfig()
	if err != nil {
		return err
	}
	p, _, err := r.resolveProvider(cfg)
	if err != nil {
		return err
	}
	ctx := signalContext()
	return p.Create(ctx, cfg, r.providerContext(), provider.CreateOptions{Instance: r.instance, Force: r.forceFlag})
}

func (r *rootCommand) runLifecycle(verb string) error {
	cfg, err := r.loadProjectConfig()
	if err != nil {
		return err
	}
	p, _, err := r.resolveProvider(cfg)
	if err != nil {
		return err
	}
	ctx := signalContext()

	instances, err := r.targetInstances(ctx, p, cfg)
	if err != nil {
		return err
	}
	for _, name := range instances {
		var err error
		switch verb {
		case "start":
			err = p.Start(ctx, name)
		case "stop":
			err = p.Stop(ctx, name)
		case "restart":
			err = p.Restart(ctx, name)
		case "destroy":
			err = p.Destroy(ctx, name)
		case "kill":
			err = p.Kill(ctx, name)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", name, verb+"ed")
	}
	return nil
}

func (r *rootCommand) targetInstances(ctx context.Context, p provider.Provider, cfg *config.VmConfig) ([]string, error) {
	if r.allFlag || r.patternFlag != "" {
		all, err := p.List(ctx)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, inst := range all {
			if r.patternFlag != "" {
				if ok, _ := filepath.Match(r.patternFlag, inst.Name); !ok {
					continue
				}
			}
			names = append(names, inst.Name)
		}
		return names, nil
	}
	name := r.positionalA
	if name == "" && cfg != nil {
		resolved, err := p.ResolveInstanceName(ctx, cfg.Project.Name, "")
		if err != nil {
			return nil, err
		}
		name = resolved
	}
	return []string{name}, nil
}

func (r *rootCommand) runSSH() error {
	cfg, _ := r.loadProjectConfig()
	p, _, err := r.resolveProvider(cfg)
	if err != nil {
		return err
	}
	instance := r.positionalA
	if instance == "" && cfg != nil {
		instance, err = p.ResolveInstanceName(signalContext(), cfg.Project.Name, "")
		if err != nil {
			return err
		}
	}
	return p.SSH(signalContext(), instance, r.positionalB)
}

func (r *rootCommand) runExec() error {
	cfg, _ := r.loadProjectConfig()
	p, _, err := r.resolveProvider(cfg)
	if err != nil {
		return err
	}
	instance := r.instance
	if instance == "" && cfg != nil {
		instance, err = p.ResolveInstanceName(signalContext(), cfg.Project.Name, "")
		if err != nil {
			return err
		}
	}
	argv := flaggy.TrailingArguments
	if len(argv) == 0 {
		return fmt.Errorf("vm exec requires a command after --")
	}
	return p.Exec(signalContext(), instance, argv)
}

func (r *rootCommand) runLogs() error {
	cfg, _ := r.loadProjectConfig()
	p, _, err := r.resolveProvider(cfg)
	if err != nil {
		return err
	}
	instance := r.positionalA
	if instance == "" && cfg != nil {
		instance, err = p.ResolveInstanceName(signalContext(), cfg.Project.Name, "")
		if err != nil {
			return err
		}
	}
	return p.Logs(signalContext(), instance, os.Stdout)
}

func (r *rootCommand) runStatus() error {
	cfg, _ := r.loadProjectConfig()
	p, _, err := r.resolveProvider(cfg)
	if err != nil {
		return err
	}
	ctx := signalContext()
	instance := r.positionalA
	if instance == "" && cfg != nil {
		instance, err = p.ResolveInstanceName(ctx, cfg.Project.Name, "")
		if err != nil {
			return err
		}
	}
	state, err := p.Status(ctx, instance)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", instance, state)
	if !r.verboseFlag {
		return nil
	}
	report, err := p.GetStatusReport(ctx, instance)
	if err != nil {
		return err
	}
	for _, svc := range report.Services {
		fmt.Printf("  %s: %s (port %d)\n", svc.Name, svc.Status, svc.Port)
	}
	return nil
}

func (r *rootCommand) runList() error {
	cfg, _ := r.loadProjectConfig()
	p, _, err := r.resolveProvider(cfg)
	if err != nil {
		return err
	}
	instances, err := p.List(signalContext())
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if r.verboseFlag {
			fmt.Printf("%s\t%s\t%s\t%s\n", inst.Name, inst.Provider, inst.Status, inst.Uptime)
		} else {
			fmt.Println(inst.Name)
		}
	}
	return nil
}

func (r *rootCommand) runProvision() error {
	cfg, err := r.loadProjectConfig()
	if err != nil {
		return err
	}
	p, _, err := r.resolveProvider(cfg)
	if err != nil {
		return err
	}
	ctx := signalContext()
	instance := r.positionalA
	if instance == "" {
		instance, err = p.ResolveInstanceName(ctx, cfg.Project.Name, "")
		if err != nil {
			return err
		}
	}
	return p.Create(ctx, cfg, r.providerContext(), provider.CreateOptions{Instance: instance, Force: false})
}

func (r *rootCommand) runConfigGet() error {
	ops := config.NewOps(r.log)
	v, err := ops.Get(r.positionalA, r.globalFlag)
	if err != nil {
		return err
	}
	fmt.Println(v.String())
	return nil
}

func (r *rootCommand) runConfigSet() error {
	ops := config.NewOps(r.log)
	res, err := ops.Set(r.positionalA, r.positionalB, r.globalFlag, false)
	if err != nil {
		return err
	}
	fmt.Printf("set %s = %s in %s\n", res.Field, res.Value, res.Path)
	return nil
}

func (r *rootCommand) runConfigUnset() error {
	ops := config.NewOps(r.log)
	path, err := ops.Unset(r.positionalA, r.globalFlag)
	if err != nil {
		return err
	}
	fmt.Printf("removed %s from %s\n", r.positionalA, path)
	return nil
}

func (r *rootCommand) runConfigPreset() error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	detector := config.NewPresetDetector(cwd)

	if r.allFlag {
		names, err := detector.ListPresets()
		if err != nil {
			return err
		}
		for _, name := range names {
			if desc, ok := detector.GetPresetDescription(name); ok {
				fmt.Printf("%s\t%s\n", name, desc)
			} else {
				fmt.Println(name)
			}
		}
		return nil
	}
	if r.positionalB != "" {
		cfg, err := detector.LoadPreset(r.positionalB)
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", cfg)
		return nil
	}

	ops := config.NewOps(r.log)
	names := splitCommaList(r.positionalA)
	if len(names) == 0 {
		return fmt.Errorf("vm config preset requires at least one preset name, or --list / --show")
	}
	res, err := ops.ApplyPresets(names, r.globalFlag, r.portRange, detector)
	if err != nil {
		return err
	}
	fmt.Printf("applied presets %v to %s\n", names, res.Path)
	return nil
}

func (r *rootCommand) runTempCreate() error {
	cfg, _ := r.loadProjectConfig()
	p, kind, err := r.resolveProvider(cfg)
	if err != nil {
		return err
	}
	mgr := tempvm.NewStateManager()
	specs := splitCommaList(r.positionalA)
	state, err := mgr.Create(signalContext(), p, kind, mustGetwd(), specs, false)
	if err != nil {
		return err
	}
	fmt.Printf("created temp instance %s\n", state.Name)
	return nil
}

func (r *rootCommand) runTempMount() error {
	cfg, _ := r.loadProjectConfig()
	p, _, err := r.resolveProvider(cfg)
	if err != nil {
		return err
	}
	mgr := tempvm.NewStateManager()
	_, err = mgr.Mount(signalContext(), p, r.positionalA)
	return err
}

func (r *rootCommand) runTempUnmount() error {
	cfg, _ := r.loadProjectConfig()
	p, _, err := r.resolveProvider(cfg)
	if err != nil {
		return err
	}
	mgr := tempvm.NewStateManager()
	_, err = mgr.Unmount(signalContext(), p, r.positionalA, r.allFlag)
	return err
}

func (r *rootCommand) runTempList() error {
	mgr := tempvm.NewStateManager()
	state, err := mgr.Load()
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Println("no active temp instance")
		return nil
	}
	fmt.Printf("%s\n", state.Name)
	for _, m := range state.Mounts {
		fmt.Printf("  %s -> %s\n", m.Source, m.Target)
	}
	return nil
}

func (r *rootCommand) runRegistryServe(addr, dataDir string) error {
	if dataDir == "" {
		dataDir = filepath.Join(config.GlobalConfigDir(), "registry")
	}
	state, err := registry.NewAppState(dataDir, addr, r.global, r.log)
	if err != nil {
		return err
	}
	srv := registry.NewServer(state, pypi.RegisterRoutes, npm.RegisterRoutes, cargo.RegisterRoutes)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		r.log.Infof("package registry listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer shutdownCancel()
		return registry.Shutdown(shutdownCtx, srv)
	case err := <-errCh:
		return err
	}
}

// signalContext is used for commands that can block on engine I/O
// (create, start/stop, ssh, exec, logs): Ctrl-C propagates as context
// cancellation rather than leaving a provider call uninterruptible,
// per spec section 5.
func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
